package pricing

import "time"

// RateCard prices the machine cost of one automated call in USD.
// Speech legs are charged per minute, the language model per character.
type RateCard struct {
	Name string `json:"name"`

	STTPerMinuteUSD    float64 `json:"stt_per_minute_usd"`
	TTSPerMinuteUSD    float64 `json:"tts_per_minute_usd"`
	LLMPer1KCharsUSD   float64 `json:"llm_per_1k_chars_usd"`
	EmbedPer4KCharsUSD float64 `json:"embed_per_4k_chars_usd"`

	// BillingIncrementSeconds rounds the duration up (e.g., 60 for per-minute,
	// 1 or 0 for per-second billing).
	BillingIncrementSeconds int `json:"billing_increment_seconds"`
	// MinimumBillableSeconds enforces a minimum charge for connected calls.
	MinimumBillableSeconds int `json:"minimum_billable_seconds"`

	// Effective window for the card.
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`

	Status RateStatus `json:"status"`
}

type RateStatus string

const (
	RateStatusActive   RateStatus = "active"
	RateStatusInactive RateStatus = "inactive"
)

// DefaultRateCard is the voice agent's stock STT/TTS/LLM pricing.
func DefaultRateCard() RateCard {
	return RateCard{
		Name:               "default",
		STTPerMinuteUSD:    0.002,
		TTSPerMinuteUSD:    0.006,
		LLMPer1KCharsUSD:   0.003,
		EmbedPer4KCharsUSD: 0.0001,
		Status:             RateStatusActive,
	}
}
