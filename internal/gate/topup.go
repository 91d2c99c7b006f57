package gate

import "github.com/CreditRail/gateway/internal/keystore"

type topupResult struct {
	amount     int64
	newBalance int64
}

// maybeTopupLocked refills the balance after a deduction when the
// record has auto-topup configured, the balance fell below the
// threshold, and the daily refill cap is not exhausted. Runs inside the
// store's writer lock (Commit scope); the day counter resets lazily on
// the first refill attempt of a new UTC day.
func (g *Gate) maybeTopupLocked(r *keystore.Record) *topupResult {
	at := r.AutoTopup
	if at == nil || at.Amount <= 0 {
		return nil
	}
	if r.Credits >= at.Threshold {
		return nil
	}

	today := g.now().UTC().Format("2006-01-02")
	if r.AutoTopupLastResetDay != today {
		r.AutoTopupLastResetDay = today
		r.AutoTopupTodayCount = 0
	}
	if at.MaxDaily > 0 && r.AutoTopupTodayCount >= at.MaxDaily {
		return nil
	}

	r.Credits = keystore.ClampCredits(r.Credits + at.Amount)
	r.AutoTopupTodayCount++
	return &topupResult{amount: at.Amount, newBalance: r.Credits}
}
