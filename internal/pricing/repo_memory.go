package pricing

import (
	"context"
	"time"
)

// MemoryRepo holds rate cards in memory. Configuration seeds it with a single
// card; tests add versioned ones.
type MemoryRepo struct {
	Cards []RateCard
}

func (r *MemoryRepo) FindRateCard(ctx context.Context, at time.Time) (RateCard, bool, error) {
	_ = ctx

	// Prefer the most recent effective card.
	var best RateCard
	found := false

	for _, c := range r.Cards {
		if c.Status != RateStatusActive {
			continue
		}
		if at.Before(c.EffectiveFrom) {
			continue
		}
		if c.EffectiveTo != nil && !at.Before(*c.EffectiveTo) {
			continue
		}

		if !found || c.EffectiveFrom.After(best.EffectiveFrom) {
			best = c
			found = true
		}
	}

	return best, found, nil
}
