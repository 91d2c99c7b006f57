// Package events defines the usage event emitted for every gate
// decision and the observer plumbing that fans events out to the
// configured consumers (metrics, webhooks, Redis mirror, archive).
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// KeyPreviewLen bounds how much of an API key a usage event may carry.
// Events leave the process (webhooks, Redis, CSV exports), so they
// never hold enough of the key to replay it.
const KeyPreviewLen = 10

// UsageEvent is one gate decision: an allowed call with its charge, a
// denial with its reason, or a refund (negative creditsCharged).
type UsageEvent struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	APIKey         string    `json:"apiKey"`
	KeyName        string    `json:"keyName,omitempty"`
	Tool           string    `json:"tool"`
	CreditsCharged int64     `json:"creditsCharged"`
	Allowed        bool      `json:"allowed"`
	DenyReason     string    `json:"denyReason,omitempty"`
	Namespace      string    `json:"namespace,omitempty"`
}

// Stamp fills the generated fields of a partially built event: a fresh
// ID, a UTC timestamp, and the truncated key preview.
func Stamp(e UsageEvent) UsageEvent {
	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()
	e.APIKey = KeyPreview(e.APIKey)
	return e
}

// KeyPreview truncates an API key to its first KeyPreviewLen characters.
func KeyPreview(key string) string {
	if len(key) <= KeyPreviewLen {
		return key
	}
	return key[:KeyPreviewLen]
}

// Observer consumes usage events after the meter has recorded them.
// Observers must not block the caller for long; slow consumers buffer
// internally (see internal/webhook).
type Observer func(UsageEvent)

// Combine fans each event out to every observer in order. A panicking
// observer is logged and isolated so one broken consumer cannot stop
// the others or unwind the evaluation that emitted the event.
func Combine(logger zerolog.Logger, observers ...Observer) Observer {
	return func(e UsageEvent) {
		for _, obs := range observers {
			if obs == nil {
				continue
			}
			deliver(logger, obs, e)
		}
	}
}

func deliver(logger zerolog.Logger, obs Observer, e UsageEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("event_id", e.ID).Msg("usage observer panicked")
		}
	}()
	obs(e)
}
