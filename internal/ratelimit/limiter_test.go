package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// testWindow builds a limiter on a fake clock; advance moves time.
func testWindow(t *testing.T, limit int) (*SlidingWindow, func(d time.Duration)) {
	t.Helper()
	w := NewSlidingWindow(limit)
	t.Cleanup(w.Close)

	cur := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	w.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return cur
	}
	advance := func(d time.Duration) {
		mu.Lock()
		cur = cur.Add(d)
		mu.Unlock()
	}
	return w, advance
}

func TestCheckDeniesAtLimit(t *testing.T) {
	w, _ := testWindow(t, 3)

	for i := 0; i < 3; i++ {
		if !w.Check("k") {
			t.Fatalf("call %d should be allowed", i)
		}
		w.Record("k")
	}
	if w.Check("k") {
		t.Error("4th call within the window should be denied")
	}
	if w.CurrentCount("k") != 3 {
		t.Errorf("count = %d, want 3", w.CurrentCount("k"))
	}
}

func TestWindowSlides(t *testing.T) {
	w, advance := testWindow(t, 2)

	w.Record("k")
	advance(30 * time.Second)
	w.Record("k")
	if w.Check("k") {
		t.Error("window full, check should deny")
	}

	// 31s later the first entry (61s old) is out, the second (31s) stays.
	advance(31 * time.Second)
	if !w.Check("k") {
		t.Error("check should allow once the oldest entry ages out")
	}
	if w.CurrentCount("k") != 1 {
		t.Errorf("count = %d, want 1", w.CurrentCount("k"))
	}

	advance(Window)
	if w.CurrentCount("k") != 0 {
		t.Errorf("count = %d, want 0 after full window", w.CurrentCount("k"))
	}
}

func TestZeroLimitUnlimited(t *testing.T) {
	w, _ := testWindow(t, 0)
	for i := 0; i < 500; i++ {
		if !w.Check("k") {
			t.Fatal("limit 0 must always allow")
		}
		w.Record("k")
	}
}

func TestCheckCustomIsolatesCompositeKeys(t *testing.T) {
	w, _ := testWindow(t, 100)

	comp := "crg_abc:tool:limited"
	for i := 0; i < 2; i++ {
		if !w.CheckCustom(comp, 2) {
			t.Fatalf("composite call %d should pass", i)
		}
		w.RecordCustom(comp)
	}
	if w.CheckCustom(comp, 2) {
		t.Error("composite window at limit should deny")
	}
	// The raw key window is untouched by composite traffic.
	if w.CurrentCount("crg_abc") != 0 {
		t.Errorf("raw key count = %d, want 0", w.CurrentCount("crg_abc"))
	}
}

func TestSetGlobalLimit(t *testing.T) {
	w, _ := testWindow(t, 1)

	w.Record("k")
	if w.Check("k") {
		t.Error("at limit 1 the second call is denied")
	}
	w.SetGlobalLimit(5)
	if !w.Check("k") {
		t.Error("raised limit should take effect on the next check")
	}
	if w.Limit() != 5 {
		t.Errorf("Limit = %d, want 5", w.Limit())
	}
}

func TestCountNeverExceedsLimitAfterAllowedRecord(t *testing.T) {
	w, advance := testWindow(t, 10)

	key := "prop"
	for i := 0; i < 200; i++ {
		if w.Check(key) {
			w.Record(key)
			if c := w.CurrentCount(key); c > 10 {
				t.Fatalf("count %d exceeds limit after allowed record", c)
			}
		}
		advance(700 * time.Millisecond)
	}
}

func TestSweepDropsIdleWindows(t *testing.T) {
	w, advance := testWindow(t, 5)

	for i := 0; i < 20; i++ {
		w.Record(fmt.Sprintf("k%d", i))
	}
	advance(2 * Window)
	w.sweep()

	w.mu.Lock()
	n := len(w.windows)
	w.mu.Unlock()
	if n != 0 {
		t.Errorf("%d idle windows survived the sweep", n)
	}
}

func TestConcurrentRecord(t *testing.T) {
	w := NewSlidingWindow(0)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.Record("shared")
				w.Check("shared")
			}
		}()
	}
	wg.Wait()

	if c := w.CurrentCount("shared"); c != 1000 {
		t.Errorf("count = %d, want 1000", c)
	}
}
