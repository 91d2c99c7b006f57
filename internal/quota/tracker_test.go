package quota

import (
	"strings"
	"testing"
	"time"

	"github.com/CreditRail/gateway/internal/keystore"
	"github.com/CreditRail/gateway/internal/reasons"
)

func fixedTracker(global Limits, at time.Time) (*Tracker, *time.Time) {
	t := New(global)
	cur := at
	t.now = func() time.Time { return cur }
	return t, &cur
}

func TestDailyCallLimit(t *testing.T) {
	tr, _ := fixedTracker(Limits{}, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	rec := &keystore.Record{QuotaDailyCalls: 2}

	for i := 0; i < 2; i++ {
		if reason := tr.Check(rec, 1); reason != "" {
			t.Fatalf("call %d denied: %s", i, reason)
		}
		tr.Record(rec, 1)
	}
	reason := tr.Check(rec, 1)
	if reason == "" {
		t.Fatal("third call should exceed the daily call quota")
	}
	if reasons.TagOf(reason) != reasons.QuotaDailyCallsExceeded {
		t.Errorf("reason = %q", reason)
	}
	if !strings.Contains(reason, "key limit 2") {
		t.Errorf("reason should name the key limit: %q", reason)
	}
}

func TestDailyCreditLimit(t *testing.T) {
	tr, _ := fixedTracker(Limits{}, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	rec := &keystore.Record{QuotaDailyCredits: 10}

	if reason := tr.Check(rec, 10); reason != "" {
		t.Fatalf("exact-fit charge denied: %s", reason)
	}
	tr.Record(rec, 10)
	reason := tr.Check(rec, 1)
	if reasons.TagOf(reason) != reasons.QuotaDailyCreditsExceeded {
		t.Errorf("reason = %q", reason)
	}
}

func TestUTCDayBoundaryReset(t *testing.T) {
	tr, cur := fixedTracker(Limits{}, time.Date(2026, 5, 1, 23, 59, 59, 0, time.UTC))
	rec := &keystore.Record{QuotaDailyCalls: 1}

	tr.Record(rec, 3)
	if tr.Check(rec, 1) == "" {
		t.Fatal("quota should be exhausted before midnight")
	}

	*cur = time.Date(2026, 5, 2, 0, 0, 1, 0, time.UTC)
	if reason := tr.Check(rec, 1); reason != "" {
		t.Errorf("daily counter should reset after midnight, got %s", reason)
	}
	if rec.QuotaCallsToday != 0 {
		t.Errorf("callsToday = %d after reset", rec.QuotaCallsToday)
	}
	// Monthly counters survive the day boundary.
	if rec.QuotaCallsMonth != 1 {
		t.Errorf("callsMonth = %d, want 1", rec.QuotaCallsMonth)
	}
}

func TestMonthBoundaryReset(t *testing.T) {
	tr, cur := fixedTracker(Limits{}, time.Date(2026, 5, 31, 12, 0, 0, 0, time.UTC))
	rec := &keystore.Record{QuotaMonthlyCredits: 5}

	tr.Record(rec, 5)
	if tr.Check(rec, 1) == "" {
		t.Fatal("monthly credits should be exhausted")
	}

	*cur = time.Date(2026, 6, 1, 0, 0, 1, 0, time.UTC)
	if reason := tr.Check(rec, 5); reason != "" {
		t.Errorf("monthly counter should reset in the new month, got %s", reason)
	}
}

func TestGlobalQuota(t *testing.T) {
	tr, _ := fixedTracker(Limits{DailyCalls: 2}, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	a := &keystore.Record{}
	b := &keystore.Record{}

	tr.Record(a, 1)
	tr.Record(b, 1)
	reason := tr.Check(a, 1)
	if reasons.TagOf(reason) != reasons.QuotaDailyCallsExceeded {
		t.Fatalf("reason = %q", reason)
	}
	if !strings.Contains(reason, "global limit 2") {
		t.Errorf("reason should name the global limit: %q", reason)
	}
}

func TestKeyLimitWinsOverGlobal(t *testing.T) {
	tr, _ := fixedTracker(Limits{DailyCalls: 1}, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	rec := &keystore.Record{QuotaDailyCalls: 1}

	tr.Record(rec, 1)
	reason := tr.Check(rec, 1)
	if !strings.Contains(reason, "key limit 1") {
		t.Errorf("key limit should be named before global: %q", reason)
	}
}

func TestBoundaryOrderDailyBeforeMonthly(t *testing.T) {
	tr, _ := fixedTracker(Limits{}, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	rec := &keystore.Record{QuotaDailyCredits: 10, QuotaMonthlyCalls: 1}

	tr.Record(rec, 10)
	// Both daily credits and monthly calls are now exceeded; daily
	// credits is checked first.
	reason := tr.Check(rec, 1)
	if reasons.TagOf(reason) != reasons.QuotaDailyCreditsExceeded {
		t.Errorf("reason = %q, want daily credits first", reason)
	}
}

func TestBatchAggregate(t *testing.T) {
	tr, _ := fixedTracker(Limits{}, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	rec := &keystore.Record{QuotaDailyCalls: 3}

	if reason := tr.CheckBatch(rec, 3, 9); reason != "" {
		t.Fatalf("exact-fit batch denied: %s", reason)
	}
	if reason := tr.CheckBatch(rec, 4, 12); reason == "" {
		t.Fatal("over-quota batch should be denied")
	}

	tr.RecordBatch(rec, 3, 9)
	if rec.QuotaCallsToday != 3 || rec.QuotaCreditsToday != 9 {
		t.Errorf("counters = %d calls, %d credits", rec.QuotaCallsToday, rec.QuotaCreditsToday)
	}
}

func TestUnrecordFloorsAtZero(t *testing.T) {
	tr, _ := fixedTracker(Limits{}, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	rec := &keystore.Record{}

	tr.Record(rec, 5)
	tr.Unrecord(rec, 5)
	if rec.QuotaCallsToday != 0 || rec.QuotaCreditsToday != 0 {
		t.Errorf("counters should return to zero: %d/%d", rec.QuotaCallsToday, rec.QuotaCreditsToday)
	}

	tr.Unrecord(rec, 100)
	if rec.QuotaCallsToday != 0 || rec.QuotaCreditsToday != 0 || rec.QuotaCallsMonth != 0 {
		t.Error("unrecord must floor at zero, never go negative")
	}
}

func TestZeroLimitsUnlimited(t *testing.T) {
	tr, _ := fixedTracker(Limits{}, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	rec := &keystore.Record{}

	for i := 0; i < 1000; i++ {
		if reason := tr.Check(rec, 50); reason != "" {
			t.Fatalf("unlimited record denied at %d: %s", i, reason)
		}
		tr.Record(rec, 50)
	}
}
