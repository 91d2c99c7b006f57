// Package usage keeps a bounded in-memory ring of recent usage events
// and serves the aggregation surfaces built on it: summaries, recent
// listings, CSV export. Durable retention belongs to the archive.
package usage

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/CreditRail/gateway/internal/events"
)

// DefaultCapacity is the ring size when none is configured.
const DefaultCapacity = 10_000

// Meter records gate decisions into a fixed-size ring, overwriting the
// oldest entries once full, and fans each event out to the attached
// observer after the ring mutation.
type Meter struct {
	mu       sync.Mutex
	ring     []events.UsageEvent
	next     int
	filled   bool
	capacity int

	observer events.Observer
}

// NewMeter builds a meter holding up to capacity events.
func NewMeter(capacity int) *Meter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Meter{ring: make([]events.UsageEvent, capacity), capacity: capacity}
}

// SetObserver attaches the fan-out target. One slot; compose multiple
// consumers with events.Combine.
func (m *Meter) SetObserver(obs events.Observer) {
	m.mu.Lock()
	m.observer = obs
	m.mu.Unlock()
}

// Record appends the event and advances the ring, then notifies the
// observer outside the ring lock so slow consumers cannot stall other
// recorders.
func (m *Meter) Record(e events.UsageEvent) {
	m.mu.Lock()
	m.ring[m.next] = e
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.filled = true
	}
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs(e)
	}
}

// snapshot copies the live events oldest-first.
func (m *Meter) snapshot() []events.UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.filled {
		out := make([]events.UsageEvent, m.next)
		copy(out, m.ring[:m.next])
		return out
	}
	out := make([]events.UsageEvent, 0, m.capacity)
	out = append(out, m.ring[m.next:]...)
	out = append(out, m.ring[:m.next]...)
	return out
}

// Filter narrows the events considered by Summary, Recent and WriteCSV.
type Filter struct {
	Since     time.Time // zero time = no lower bound
	Namespace string    // empty = all namespaces
}

func (f Filter) match(e events.UsageEvent) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if f.Namespace != "" && e.Namespace != f.Namespace {
		return false
	}
	return true
}

// ToolStats aggregates the events of one tool.
type ToolStats struct {
	Calls   int64 `json:"calls"`
	Credits int64 `json:"credits"`
}

// Summary is the aggregate view served by the admin usage endpoint.
// Refund events subtract from the credit totals.
type Summary struct {
	TotalCalls          int64                `json:"totalCalls"`
	TotalCreditsCharged int64                `json:"totalCreditsCharged"`
	Allowed             int64                `json:"allowed"`
	Denied              int64                `json:"denied"`
	UniqueKeys          int                  `json:"uniqueKeys"`
	PeakHour            string               `json:"peakHour,omitempty"`
	PerTool             map[string]ToolStats `json:"perTool"`
}

// Summary aggregates the retained events that pass the filter.
func (m *Meter) Summary(f Filter) Summary {
	sum := Summary{PerTool: make(map[string]ToolStats)}
	keys := make(map[string]struct{})
	hours := make(map[string]int64)

	for _, e := range m.snapshot() {
		if !f.match(e) {
			continue
		}
		sum.TotalCalls++
		sum.TotalCreditsCharged += e.CreditsCharged
		if e.Allowed {
			sum.Allowed++
		} else {
			sum.Denied++
		}
		if e.APIKey != "" {
			keys[e.APIKey] = struct{}{}
		}
		ts := sum.PerTool[e.Tool]
		ts.Calls++
		ts.Credits += e.CreditsCharged
		sum.PerTool[e.Tool] = ts
		hours[e.Timestamp.UTC().Format("15")+":00"]++
	}
	sum.UniqueKeys = len(keys)
	sum.PeakHour = peakHour(hours)
	return sum
}

// peakHour picks the busiest "HH:00" bucket; earliest hour wins ties so
// the answer is deterministic.
func peakHour(hours map[string]int64) string {
	if len(hours) == 0 {
		return ""
	}
	buckets := make([]string, 0, len(hours))
	for h := range hours {
		buckets = append(buckets, h)
	}
	sort.Strings(buckets)
	best, bestCount := "", int64(-1)
	for _, h := range buckets {
		if hours[h] > bestCount {
			best, bestCount = h, hours[h]
		}
	}
	return best
}

// Recent returns up to n retained events passing the filter, newest
// first.
func (m *Meter) Recent(n int, f Filter) []events.UsageEvent {
	if n <= 0 {
		return nil
	}
	all := m.snapshot()
	out := make([]events.UsageEvent, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		if f.match(all[i]) {
			out = append(out, all[i])
		}
	}
	return out
}

var csvHeader = []string{"timestamp", "apiKey", "keyName", "tool", "creditsCharged", "allowed", "denyReason", "namespace"}

// WriteCSV streams the filtered events chronologically. The API key
// column is masked to the stored preview plus an ellipsis.
func (m *Meter) WriteCSV(w io.Writer, f Filter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range m.snapshot() {
		if !f.match(e) {
			continue
		}
		row := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			maskCSVKey(e.APIKey),
			e.KeyName,
			e.Tool,
			strconv.FormatInt(e.CreditsCharged, 10),
			strconv.FormatBool(e.Allowed),
			e.DenyReason,
			e.Namespace,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// maskCSVKey appends "..." to full-length previews; shorter stored
// values were never truncated and pass through unchanged.
func maskCSVKey(key string) string {
	if len(key) >= events.KeyPreviewLen {
		return key[:events.KeyPreviewLen] + "..."
	}
	return key
}
