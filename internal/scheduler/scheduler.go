// Package scheduler runs deferred admin actions against the key store:
// credit grants, suspensions, and reactivations queued for a future
// time. Actions live in process memory only; a restart drops anything
// still pending.
package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultInterval is how often due actions are executed.
const DefaultInterval = 10 * time.Second

// DefaultHistoryLimit caps how many finished actions are retained.
const DefaultHistoryLimit = 1000

// Action types accepted by Schedule.
const (
	ActionAddCredits    = "add_credits"
	ActionSuspendKey    = "suspend_key"
	ActionReactivateKey = "reactivate_key"
)

var (
	ErrUnknownAction  = errors.New("unknown scheduled action")
	ErrKeyRequired    = errors.New("scheduled action requires a key")
	ErrAmountRequired = errors.New("add_credits requires a non-zero amount")
)

// Status is the lifecycle state of a scheduled action.
type Status string

const (
	StatusPending  Status = "pending"
	StatusDone     Status = "done"
	StatusCanceled Status = "canceled"
)

// Action is one deferred admin operation.
type Action struct {
	ID         string     `json:"id"`
	Action     string     `json:"action"`
	Key        string     `json:"key"`
	Amount     int64      `json:"amount,omitempty"`
	RunAt      time.Time  `json:"runAt"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func (a *Action) clone() *Action {
	out := *a
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		out.ExecutedAt = &t
	}
	return &out
}

// Request describes an action to schedule.
type Request struct {
	Action string    `json:"action"`
	Key    string    `json:"key"`
	Amount int64     `json:"amount,omitempty"`
	RunAt  time.Time `json:"runAt"`
}

// Store is the slice of the key store the scheduler mutates.
// *keystore.Store satisfies it.
type Store interface {
	AddCredits(key string, n int64) (int64, bool)
	SuspendKey(key string) bool
	ReactivateKey(key string) bool
}

// Scheduler queues actions and executes the due ones on a fixed tick.
type Scheduler struct {
	mu      sync.Mutex
	store   Store
	pending map[string]*Action
	history []*Action // finished actions, oldest first

	interval   time.Duration
	historyCap int
	logger     zerolog.Logger
	now        func() time.Time

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the execution tick.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithHistoryLimit overrides how many finished actions are kept.
func WithHistoryLimit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.historyCap = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New builds a scheduler over the given store and starts the tick loop.
// Call Close to stop it.
func New(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		pending:    make(map[string]*Action),
		interval:   DefaultInterval,
		historyCap: DefaultHistoryLimit,
		logger:     zerolog.Nop(),
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Schedule validates and queues an action. A zero RunAt means "as soon
// as the next tick fires"; past times execute on the next tick too.
func (s *Scheduler) Schedule(req Request) (*Action, error) {
	switch req.Action {
	case ActionAddCredits:
		if req.Amount == 0 {
			return nil, ErrAmountRequired
		}
	case ActionSuspendKey, ActionReactivateKey:
	default:
		return nil, ErrUnknownAction
	}
	if req.Key == "" {
		return nil, ErrKeyRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	a := &Action{
		ID:        uuid.NewString(),
		Action:    req.Action,
		Key:       req.Key,
		Amount:    req.Amount,
		RunAt:     runAt,
		Status:    StatusPending,
		CreatedAt: now,
	}
	s.pending[a.ID] = a
	s.logger.Debug().Str("action_id", a.ID).Str("action", a.Action).
		Time("run_at", a.RunAt).Msg("action scheduled")
	return a.clone(), nil
}

// Cancel marks a pending action canceled. It reports whether an action
// was actually canceled; finished actions cannot be.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	a.Status = StatusCanceled
	s.finishLocked(a)
	s.logger.Debug().Str("action_id", id).Msg("action canceled")
	return true
}

// Get returns the action by id, pending or finished.
func (s *Scheduler) Get(id string) (*Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.pending[id]; ok {
		return a.clone(), true
	}
	for _, a := range s.history {
		if a.ID == id {
			return a.clone(), true
		}
	}
	return nil, false
}

// List returns pending actions soonest first, followed by finished
// actions newest first.
func (s *Scheduler) List() []*Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Action, 0, len(s.pending)+len(s.history))
	for _, a := range s.pending {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RunAt.Before(out[j].RunAt)
	})
	for i := len(s.history) - 1; i >= 0; i-- {
		out = append(out, s.history[i].clone())
	}
	return out
}

// PendingCount returns how many actions are waiting to run.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Tick executes every action whose RunAt has passed. The loop calls
// this; tests may call it directly.
func (s *Scheduler) Tick() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	due := make([]*Action, 0, 4)
	for _, a := range s.pending {
		if !a.RunAt.After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})

	for _, a := range due {
		delete(s.pending, a.ID)
		s.executeLocked(a, now)
		s.finishLocked(a)
	}
	return len(due)
}

// executeLocked runs one action against the store and records the
// outcome on the action itself.
func (s *Scheduler) executeLocked(a *Action, now time.Time) {
	var ok bool
	switch a.Action {
	case ActionAddCredits:
		_, ok = s.store.AddCredits(a.Key, a.Amount)
	case ActionSuspendKey:
		ok = s.store.SuspendKey(a.Key)
	case ActionReactivateKey:
		ok = s.store.ReactivateKey(a.Key)
	}

	a.Status = StatusDone
	executedAt := now
	a.ExecutedAt = &executedAt
	if !ok {
		a.Error = "key not found"
	}

	evt := s.logger.Info()
	if !ok {
		evt = s.logger.Warn()
	}
	evt.Str("action_id", a.ID).Str("action", a.Action).
		Str("key_preview", preview(a.Key)).Int64("amount", a.Amount).
		Bool("ok", ok).Msg("scheduled action executed")
}

func (s *Scheduler) finishLocked(a *Action) {
	s.history = append(s.history, a)
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
}

func preview(key string) string {
	if len(key) > 10 {
		return key[:10] + "..."
	}
	return key
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the tick loop. Pending actions are dropped with the
// process. Safe to call more than once.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
	return nil
}
