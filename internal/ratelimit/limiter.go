// Package ratelimit implements the gate's sliding-window call limiter,
// an optional Redis-backed variant shared across gateway instances, and
// the HTTP-level per-IP limiter for the public surfaces.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the sliding-window period for every rate-limit check.
const Window = time.Minute

const gcInterval = time.Minute

// SlidingWindow tracks per-key call timestamps over the trailing
// window. Check and Record are deliberately separate: the gate probes
// during evaluation and records only calls that commit, so denials
// never consume window slots.
type SlidingWindow struct {
	mu      sync.Mutex
	windows map[string][]int64 // unix ms, append order
	limit   int                // limit applied by Check; 0 = unlimited

	now func() time.Time

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

// NewSlidingWindow builds a limiter with the given per-key limit and
// starts the background sweep that drops idle windows.
func NewSlidingWindow(limit int) *SlidingWindow {
	w := &SlidingWindow{
		windows: make(map[string][]int64),
		limit:   limit,
		now:     time.Now,
		stopGC:  make(chan struct{}),
		gcDone:  make(chan struct{}),
	}
	go w.gcLoop()
	return w
}

// Check reports whether key may make another call under the global
// limit. It never records.
func (w *SlidingWindow) Check(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.allowLocked(key, w.limit)
}

// CheckCustom applies a caller-supplied limit instead of the global
// one, used with composite per-tool keys.
func (w *SlidingWindow) CheckCustom(key string, limit int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.allowLocked(key, limit)
}

// Record appends the current timestamp to the key's window.
func (w *SlidingWindow) Record(key string) {
	now := w.now().UnixMilli()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(key, now)
	w.windows[key] = append(w.windows[key], now)
}

// RecordCustom records against a composite key. Identical mechanics to
// Record; kept separate so call sites read like their Check* pairs.
func (w *SlidingWindow) RecordCustom(key string) {
	w.Record(key)
}

// CurrentCount returns the live window size after pruning.
func (w *SlidingWindow) CurrentCount(key string) int {
	now := w.now().UnixMilli()
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pruneLocked(key, now))
}

// SetGlobalLimit rebinds the limit used by Check, effective on the next
// call. 0 means unlimited.
func (w *SlidingWindow) SetGlobalLimit(limit int) {
	w.mu.Lock()
	w.limit = limit
	w.mu.Unlock()
}

// Limit returns the current global limit.
func (w *SlidingWindow) Limit() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit
}

// Close stops the garbage-collection loop.
func (w *SlidingWindow) Close() {
	w.closeOnce.Do(func() {
		close(w.stopGC)
		<-w.gcDone
	})
}

func (w *SlidingWindow) allowLocked(key string, limit int) bool {
	if limit <= 0 {
		return true
	}
	now := w.now().UnixMilli()
	return len(w.pruneLocked(key, now)) < limit
}

// pruneLocked drops entries older than the window and returns the live
// slice. Empty windows leave the map immediately.
func (w *SlidingWindow) pruneLocked(key string, nowMs int64) []int64 {
	cutoff := nowMs - Window.Milliseconds()
	win := w.windows[key]
	i := 0
	for i < len(win) && win[i] < cutoff {
		i++
	}
	if i == 0 {
		return win
	}
	win = win[i:]
	if len(win) == 0 {
		delete(w.windows, key)
		return nil
	}
	w.windows[key] = win
	return win
}

func (w *SlidingWindow) gcLoop() {
	defer close(w.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stopGC:
			return
		}
	}
}

// sweep prunes every window and re-copies survivors so long-lived keys
// do not pin the backing arrays of their pruned prefixes.
func (w *SlidingWindow) sweep() {
	now := w.now().UnixMilli()
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.windows {
		if live := w.pruneLocked(key, now); len(live) > 0 {
			w.windows[key] = append(make([]int64, 0, len(live)), live...)
		}
	}
}
