package pricing

import (
	"context"
	"errors"
	"math"
	"time"
)

// Service estimates call cost from the rate card effective at call start.
//
// Contract:
// - Pure calculation + repository lookups.
// - Results are rounded to 5 decimal places, the precision of call_logs.estimated_cost_usd.
type Service struct {
	repo  RateRepository
	clock func() time.Time
}

func NewService(repo RateRepository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

type CallCostRequest struct {
	// DurationSeconds is the connected call duration (billable seconds are derived).
	DurationSeconds int

	// TranscriptChars is the size of the transcript text fed to the language model.
	TranscriptChars int

	// At determines which rate card to use. If zero, service clock is used.
	At time.Time
}

type CallCost struct {
	Card string

	BillableSeconds int

	SpeechUSD float64
	LLMUSD    float64
	TotalUSD  float64
}

var (
	ErrPricingNotFound   = errors.New("pricing: rate card not found")
	ErrInvalidPricingReq = errors.New("pricing: invalid request")
)

// CalculateCallCost prices the speech minutes and transcript characters of one call.
func (s *Service) CalculateCallCost(ctx context.Context, req CallCostRequest) (CallCost, error) {
	if req.DurationSeconds < 0 || req.TranscriptChars < 0 {
		return CallCost{}, ErrInvalidPricingReq
	}

	at := req.At
	if at.IsZero() {
		at = s.clock().UTC()
	}

	card, ok, err := s.repo.FindRateCard(ctx, at)
	if err != nil {
		return CallCost{}, err
	}
	if !ok {
		return CallCost{}, ErrPricingNotFound
	}

	billableSec := billableSeconds(req.DurationSeconds, card.MinimumBillableSeconds, card.BillingIncrementSeconds)
	minutes := float64(billableSec) / 60
	chars := float64(req.TranscriptChars)

	speech := minutes*card.STTPerMinuteUSD + minutes*card.TTSPerMinuteUSD
	llm := chars/1000*card.LLMPer1KCharsUSD + chars/4000*card.EmbedPer4KCharsUSD

	return CallCost{
		Card:            card.Name,
		BillableSeconds: billableSec,
		SpeechUSD:       round5(speech),
		LLMUSD:          round5(llm),
		TotalUSD:        round5(speech + llm),
	}, nil
}

// EstimateCost returns only the rounded total.
func (s *Service) EstimateCost(ctx context.Context, durationSeconds, transcriptChars int, at time.Time) (float64, error) {
	c, err := s.CalculateCallCost(ctx, CallCostRequest{
		DurationSeconds: durationSeconds,
		TranscriptChars: transcriptChars,
		At:              at,
	})
	if err != nil {
		return 0, err
	}
	return c.TotalUSD, nil
}

// RateRepository abstracts rate card persistence.
type RateRepository interface {
	FindRateCard(ctx context.Context, at time.Time) (RateCard, bool, error)
}

func billableSeconds(actualSec int, minSec int, incrementSec int) int {
	if actualSec <= 0 {
		return 0
	}
	if minSec <= 0 {
		minSec = 0
	}
	if incrementSec <= 0 {
		incrementSec = 1
	}

	sec := actualSec
	if sec < minSec {
		sec = minSec
	}

	// round up to nearest increment
	q := sec / incrementSec
	r := sec % incrementSec
	if r != 0 {
		q++
	}
	return q * incrementSec
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}
