// Package inflight caps concurrent tool calls per key and per tool.
// The transport brackets each gated call with Acquire/Release.
package inflight

import (
	"fmt"
	"sync"

	"github.com/CreditRail/gateway/internal/reasons"
)

// Limiter counts in-flight calls along two dimensions. A limit of 0
// disables that dimension.
type Limiter struct {
	mu           sync.Mutex
	perKeyLimit  int
	perToolLimit int

	byKey     map[string]int
	byTool    map[string]int
	byKeyTool map[string]int
	total     int
}

// New builds a limiter with the given per-key and per-tool caps.
func New(perKey, perTool int) *Limiter {
	return &Limiter{
		perKeyLimit:  perKey,
		perToolLimit: perTool,
		byKey:        make(map[string]int),
		byTool:       make(map[string]int),
		byKeyTool:    make(map[string]int),
	}
}

// Result reports an Acquire outcome. Reason is set only on denial and
// names the saturated dimension.
type Result struct {
	Acquired bool
	Reason   string
	Current  int
	Limit    int
}

// Acquire increments both counters iff each is strictly below its cap.
// Callers must Release exactly once per successful Acquire.
func (l *Limiter) Acquire(key, tool string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perKeyLimit > 0 && l.byKey[key] >= l.perKeyLimit {
		return Result{
			Reason:  reasons.Detail(reasons.ConcurrencyLimitKey, fmt.Sprintf("%d calls in flight, key limit %d", l.byKey[key], l.perKeyLimit)),
			Current: l.byKey[key],
			Limit:   l.perKeyLimit,
		}
	}
	if l.perToolLimit > 0 && l.byTool[tool] >= l.perToolLimit {
		return Result{
			Reason:  reasons.Detail(reasons.ConcurrencyLimitTool, fmt.Sprintf("%d calls in flight, tool limit %d", l.byTool[tool], l.perToolLimit)),
			Current: l.byTool[tool],
			Limit:   l.perToolLimit,
		}
	}

	l.byKey[key]++
	l.byTool[tool]++
	l.byKeyTool[key+":"+tool]++
	l.total++
	return Result{Acquired: true, Current: l.byKey[key], Limit: l.perKeyLimit}
}

// Release decrements the counters, flooring at zero and dropping empty
// entries so the maps do not accumulate dead keys.
func (l *Limiter) Release(key, tool string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	decrement(l.byKey, key)
	decrement(l.byTool, tool)
	decrement(l.byKeyTool, key+":"+tool)
	if l.total > 0 {
		l.total--
	}
}

func decrement(m map[string]int, k string) {
	if n, ok := m[k]; ok {
		if n <= 1 {
			delete(m, k)
			return
		}
		m[k] = n - 1
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ByKey         map[string]int `json:"byKey"`
	ByTool        map[string]int `json:"byTool"`
	ByKeyTool     map[string]int `json:"byKeyTool"`
	TotalInflight int            `json:"totalInflight"`
}

// Snapshot copies the current counters for the admin API.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Snapshot{
		ByKey:         copyCounts(l.byKey),
		ByTool:        copyCounts(l.byTool),
		ByKeyTool:     copyCounts(l.byKeyTool),
		TotalInflight: l.total,
	}
}

// Total returns the number of calls currently in flight.
func (l *Limiter) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func copyCounts(src map[string]int) map[string]int {
	out := make(map[string]int, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
