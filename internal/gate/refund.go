package gate

import (
	"github.com/CreditRail/gateway/internal/events"
	"github.com/CreditRail/gateway/internal/keystore"
	"github.com/CreditRail/gateway/internal/reasons"
)

// Refund returns credits to a key and unwinds the usage accounting:
// totalSpent and totalCalls floor at zero and the quota counters roll
// back. A usage event with a negative charge is emitted. Refunding an
// unknown key is a no-op recorded as a warning.
func (g *Gate) Refund(key, tool string, credits int64) bool {
	if credits <= 0 {
		return false
	}

	var name, namespace string
	err := g.store.Commit(key, func(r *keystore.Record) error {
		r.Credits = keystore.ClampCredits(r.Credits + credits)
		r.TotalSpent = floorZero(r.TotalSpent - credits)
		if r.TotalCalls > 0 {
			r.TotalCalls--
		}
		g.quota.Unrecord(r, credits)
		name, namespace = r.Name, r.Namespace
		return nil
	})
	if err != nil {
		g.logger.Warn().Str("key_preview", events.KeyPreview(key)).
			Str("tool", tool).Int64("credits", credits).
			Msg("refund skipped: key not found")
		g.emit(key, "", "", tool, 0, false, string(reasons.InvalidAPIKey))
		return false
	}

	g.logger.Info().Str("key_preview", events.KeyPreview(key)).
		Str("tool", tool).Int64("credits", credits).Msg("credits refunded")
	g.emit(key, name, namespace, tool, -credits, true, "")
	return true
}

func floorZero(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
