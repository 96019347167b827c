package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"calltrack/internal/calls"
)

const EventCallCompleted = "call_completed"

// CallCompleted is the JSON body posted after a call log record is written.
type CallCompleted struct {
	Event            string   `json:"event"`
	RoomID           string   `json:"room_id"`
	SessionID        string   `json:"session_id"`
	Phone            string   `json:"phone"`
	CallerName       string   `json:"caller_name,omitempty"`
	Duration         int      `json:"duration"`
	Booked           bool     `json:"booked"`
	Sentiment        string   `json:"sentiment,omitempty"`
	InterruptCount   int      `json:"interrupt_count"`
	EstimatedCostUSD *float64 `json:"estimated_cost_usd,omitempty"`
	CallDate         string   `json:"call_date"`
}

func NewCallCompleted(rec calls.LogRecord) CallCompleted {
	ev := CallCompleted{
		Event:            EventCallCompleted,
		RoomID:           rec.RoomID,
		SessionID:        rec.SessionID,
		Phone:            rec.Phone,
		CallerName:       rec.CallerName,
		Duration:         rec.DurationSeconds,
		Booked:           rec.WasBooked,
		InterruptCount:   rec.InterruptCount,
		EstimatedCostUSD: rec.EstimatedCostUSD,
		CallDate:         rec.CallDate,
	}
	if rec.Sentiment != nil {
		ev.Sentiment = *rec.Sentiment
	}
	return ev
}

// Webhook posts call events to an automation endpoint (n8n, Zapier, ...).
type Webhook struct {
	client *resty.Client
	url    string
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "calltrack-webhook/1")
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})
	return &Webhook{client: client, url: url}
}

// CallCompleted delivers the record summary. Non-2xx responses are errors.
func (w *Webhook) CallCompleted(ctx context.Context, rec calls.LogRecord) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(NewCallCompleted(rec)).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("notify: post %s: %w", EventCallCompleted, err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: post %s: status %d", EventCallCompleted, resp.StatusCode())
	}
	return nil
}
