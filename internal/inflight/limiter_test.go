package inflight

import (
	"strings"
	"sync"
	"testing"

	"github.com/CreditRail/gateway/internal/reasons"
)

func TestAcquireDeniesAtKeyCap(t *testing.T) {
	l := New(2, 10)

	if r := l.Acquire("crg_a", "search"); !r.Acquired {
		t.Fatalf("first acquire denied: %+v", r)
	}
	if r := l.Acquire("crg_a", "fetch"); !r.Acquired {
		t.Fatalf("second acquire denied: %+v", r)
	}

	r := l.Acquire("crg_a", "translate")
	if r.Acquired {
		t.Fatal("third acquire should hit the key cap")
	}
	if reasons.TagOf(r.Reason) != reasons.ConcurrencyLimitKey {
		t.Errorf("reason = %q, want concurrency_limit_key tag", r.Reason)
	}
	if !strings.Contains(r.Reason, "key limit 2") {
		t.Errorf("reason detail = %q", r.Reason)
	}
	if r.Current != 2 || r.Limit != 2 {
		t.Errorf("current/limit = %d/%d, want 2/2", r.Current, r.Limit)
	}

	// A denied acquire must not have bumped the tool counter.
	if got := l.Snapshot().ByTool["translate"]; got != 0 {
		t.Errorf("translate count after denial = %d, want 0", got)
	}

	// Other keys are unaffected.
	if r := l.Acquire("crg_b", "search"); !r.Acquired {
		t.Errorf("other key denied: %+v", r)
	}
}

func TestAcquireDeniesAtToolCap(t *testing.T) {
	l := New(10, 1)

	if r := l.Acquire("crg_a", "search"); !r.Acquired {
		t.Fatalf("first acquire denied: %+v", r)
	}
	r := l.Acquire("crg_b", "search")
	if r.Acquired {
		t.Fatal("second acquire should hit the tool cap")
	}
	if reasons.TagOf(r.Reason) != reasons.ConcurrencyLimitTool {
		t.Errorf("reason = %q, want concurrency_limit_tool tag", r.Reason)
	}
	if r := l.Acquire("crg_b", "fetch"); !r.Acquired {
		t.Errorf("different tool denied: %+v", r)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	l := New(1, 0)

	if r := l.Acquire("crg_a", "search"); !r.Acquired {
		t.Fatal("acquire denied")
	}
	if r := l.Acquire("crg_a", "search"); r.Acquired {
		t.Fatal("cap not enforced")
	}
	l.Release("crg_a", "search")
	if r := l.Acquire("crg_a", "search"); !r.Acquired {
		t.Error("acquire after release denied")
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	l := New(1, 1)

	l.Release("crg_a", "search")
	l.Release("crg_a", "search")

	snap := l.Snapshot()
	if snap.TotalInflight != 0 || len(snap.ByKey) != 0 || len(snap.ByTool) != 0 {
		t.Errorf("counters after stray releases = %+v", snap)
	}
	if r := l.Acquire("crg_a", "search"); !r.Acquired {
		t.Error("acquire after stray releases denied")
	}
}

func TestZeroLimitDisablesDimension(t *testing.T) {
	l := New(0, 1)

	// Per-key unlimited: the same key can hold many slots across tools.
	if r := l.Acquire("crg_a", "search"); !r.Acquired {
		t.Fatal("acquire denied")
	}
	if r := l.Acquire("crg_a", "fetch"); !r.Acquired {
		t.Fatal("second tool denied with per-key disabled")
	}
	if r := l.Acquire("crg_b", "search"); r.Acquired {
		t.Error("tool cap still applies when key cap is disabled")
	}

	unlimited := New(0, 0)
	for i := 0; i < 100; i++ {
		if r := unlimited.Acquire("crg_a", "search"); !r.Acquired {
			t.Fatalf("fully disabled limiter denied at %d", i)
		}
	}
}

func TestSnapshotContents(t *testing.T) {
	l := New(10, 10)
	l.Acquire("crg_a", "search")
	l.Acquire("crg_a", "search")
	l.Acquire("crg_b", "fetch")

	snap := l.Snapshot()
	if snap.TotalInflight != 3 {
		t.Errorf("TotalInflight = %d, want 3", snap.TotalInflight)
	}
	if snap.ByKey["crg_a"] != 2 || snap.ByKey["crg_b"] != 1 {
		t.Errorf("ByKey = %v", snap.ByKey)
	}
	if snap.ByTool["search"] != 2 || snap.ByTool["fetch"] != 1 {
		t.Errorf("ByTool = %v", snap.ByTool)
	}
	if snap.ByKeyTool["crg_a:search"] != 2 || snap.ByKeyTool["crg_b:fetch"] != 1 {
		t.Errorf("ByKeyTool = %v", snap.ByKeyTool)
	}

	// The snapshot is a copy, not a view.
	snap.ByKey["crg_a"] = 99
	if l.Snapshot().ByKey["crg_a"] != 2 {
		t.Error("snapshot mutation leaked into limiter")
	}
}

func TestConcurrentAcquireReleaseConserves(t *testing.T) {
	l := New(0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if r := l.Acquire("crg_shared", "search"); r.Acquired {
					l.Release("crg_shared", "search")
				}
			}
		}()
	}
	wg.Wait()

	snap := l.Snapshot()
	if snap.TotalInflight != 0 {
		t.Errorf("TotalInflight = %d after balanced acquire/release", snap.TotalInflight)
	}
	if len(snap.ByKey) != 0 || len(snap.ByTool) != 0 || len(snap.ByKeyTool) != 0 {
		t.Errorf("residual counters: %+v", snap)
	}
}
