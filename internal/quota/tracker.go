// Package quota enforces daily and monthly call and credit budgets,
// per key and process-wide. Counters reset lazily on the first touch
// after a UTC day or month boundary.
package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/CreditRail/gateway/internal/keystore"
	"github.com/CreditRail/gateway/internal/reasons"
)

// Limits is one source of quota boundaries. Zero means unlimited.
type Limits struct {
	DailyCalls     int64
	MonthlyCalls   int64
	DailyCredits   int64
	MonthlyCredits int64
}

// Tracker checks and records usage against the per-key counters stored
// inside the key record and against its own process-wide counters.
//
// Per-key counters are mutated on the record itself, so Check, Record,
// CheckBatch, RecordBatch and Unrecord must run inside the key store's
// Commit scope. The tracker's own mutex guards only the global
// counters.
type Tracker struct {
	mu     sync.Mutex
	global Limits

	day          string
	month        string
	callsToday   int64
	creditsToday int64
	callsMonth   int64
	creditsMonth int64

	now func() time.Time
}

// New builds a tracker with the given process-wide limits.
func New(global Limits) *Tracker {
	return &Tracker{global: global, now: time.Now}
}

func utcDay(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func utcMonth(t time.Time) string { return t.UTC().Format("2006-01") }

// Check reports whether one more call charging credits fits every
// boundary. It returns the full deny reason, or "" when allowed.
func (t *Tracker) Check(rec *keystore.Record, credits int64) string {
	return t.checkN(rec, 1, credits)
}

// CheckBatch applies the aggregate of a batch: n calls charging
// totalCredits together.
func (t *Tracker) CheckBatch(rec *keystore.Record, n, totalCredits int64) string {
	return t.checkN(rec, n, totalCredits)
}

func (t *Tracker) checkN(rec *keystore.Record, calls, credits int64) string {
	now := t.now()
	resetRecord(rec, now)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetGlobalLocked(now)

	// Boundary order is fixed: daily calls, daily credits, monthly
	// calls, monthly credits. Within each boundary the key's own limit
	// is named before the global one.
	boundaries := []struct {
		tag    reasons.Reason
		add    int64
		keyCur int64
		keyLim int64
		gCur   int64
		gLim   int64
	}{
		{reasons.QuotaDailyCallsExceeded, calls, rec.QuotaCallsToday, rec.QuotaDailyCalls, t.callsToday, t.global.DailyCalls},
		{reasons.QuotaDailyCreditsExceeded, credits, rec.QuotaCreditsToday, rec.QuotaDailyCredits, t.creditsToday, t.global.DailyCredits},
		{reasons.QuotaMonthlyCallsExceeded, calls, rec.QuotaCallsMonth, rec.QuotaMonthlyCalls, t.callsMonth, t.global.MonthlyCalls},
		{reasons.QuotaMonthlyCreditsExceeded, credits, rec.QuotaCreditsMonth, rec.QuotaMonthlyCredits, t.creditsMonth, t.global.MonthlyCredits},
	}
	for _, b := range boundaries {
		if b.keyLim > 0 && b.keyCur+b.add > b.keyLim {
			return reasons.Detail(b.tag, fmt.Sprintf("key limit %d", b.keyLim))
		}
		if b.gLim > 0 && b.gCur+b.add > b.gLim {
			return reasons.Detail(b.tag, fmt.Sprintf("global limit %d", b.gLim))
		}
	}
	return ""
}

// Record advances the counters for one allowed call.
func (t *Tracker) Record(rec *keystore.Record, credits int64) {
	t.recordN(rec, 1, credits)
}

// RecordBatch advances the counters for a committed batch aggregate.
func (t *Tracker) RecordBatch(rec *keystore.Record, n, totalCredits int64) {
	t.recordN(rec, n, totalCredits)
}

func (t *Tracker) recordN(rec *keystore.Record, calls, credits int64) {
	now := t.now()
	resetRecord(rec, now)
	rec.QuotaCallsToday += calls
	rec.QuotaCreditsToday += credits
	rec.QuotaCallsMonth += calls
	rec.QuotaCreditsMonth += credits

	t.mu.Lock()
	t.resetGlobalLocked(now)
	t.callsToday += calls
	t.creditsToday += credits
	t.callsMonth += calls
	t.creditsMonth += credits
	t.mu.Unlock()
}

// Unrecord rolls back one call's worth of quota for a refund, flooring
// every counter at zero.
func (t *Tracker) Unrecord(rec *keystore.Record, credits int64) {
	now := t.now()
	resetRecord(rec, now)
	rec.QuotaCallsToday = floor0(rec.QuotaCallsToday - 1)
	rec.QuotaCreditsToday = floor0(rec.QuotaCreditsToday - credits)
	rec.QuotaCallsMonth = floor0(rec.QuotaCallsMonth - 1)
	rec.QuotaCreditsMonth = floor0(rec.QuotaCreditsMonth - credits)

	t.mu.Lock()
	t.resetGlobalLocked(now)
	t.callsToday = floor0(t.callsToday - 1)
	t.creditsToday = floor0(t.creditsToday - credits)
	t.callsMonth = floor0(t.callsMonth - 1)
	t.creditsMonth = floor0(t.creditsMonth - credits)
	t.mu.Unlock()
}

func resetRecord(rec *keystore.Record, now time.Time) {
	day, month := utcDay(now), utcMonth(now)
	if rec.QuotaLastResetDay != day {
		rec.QuotaCallsToday = 0
		rec.QuotaCreditsToday = 0
		rec.QuotaLastResetDay = day
	}
	if rec.QuotaLastResetMonth != month {
		rec.QuotaCallsMonth = 0
		rec.QuotaCreditsMonth = 0
		rec.QuotaLastResetMonth = month
	}
}

func (t *Tracker) resetGlobalLocked(now time.Time) {
	day, month := utcDay(now), utcMonth(now)
	if t.day != day {
		t.callsToday = 0
		t.creditsToday = 0
		t.day = day
	}
	if t.month != month {
		t.callsMonth = 0
		t.creditsMonth = 0
		t.month = month
	}
}

func floor0(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
