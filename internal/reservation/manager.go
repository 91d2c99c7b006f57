// Package reservation implements two-phase credit commitment: a hold
// is placed against a key's available balance, then later settled
// (charged) or released (freed). Holds never move credits by
// themselves; only settlement deducts from the key store.
package reservation

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTTL bounds how long a hold stays claimable when the caller
// does not pick a TTL.
const DefaultTTL = 300 * time.Second

const defaultSweepInterval = time.Second

var (
	ErrNotFound            = errors.New("reservation not found")
	ErrNotHeld             = errors.New("reservation is not held")
	ErrExpired             = errors.New("reservation expired")
	ErrInvalidAmount       = errors.New("reservation amount must be positive")
	ErrKeyNotFound         = errors.New("api key not found")
	ErrInsufficientCredits = errors.New("insufficient available credits")
)

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusHeld     Status = "held"
	StatusSettled  Status = "settled"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
)

// Reservation is one credit hold and its outcome.
type Reservation struct {
	ID            string     `json:"id"`
	Key           string     `json:"key"`
	Credits       int64      `json:"credits"`
	Memo          string     `json:"memo,omitempty"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	SettledAmount *int64     `json:"settledAmount,omitempty"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
}

func (r *Reservation) clone() *Reservation {
	out := *r
	if r.SettledAmount != nil {
		v := *r.SettledAmount
		out.SettledAmount = &v
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		out.SettledAt = &t
	}
	if r.ReleasedAt != nil {
		t := *r.ReleasedAt
		out.ReleasedAt = &t
	}
	return &out
}

// BalanceStore is the slice of the key store the manager needs.
// *keystore.Store satisfies it.
type BalanceStore interface {
	CreditBalance(key string) (int64, bool)
	DeductCredits(key string, n int64) bool
}

// Manager tracks reservations and enforces that held credits never
// exceed the key's stored balance.
//
// Lock order: Manager.mu before the store's lock, never the reverse.
// Reserve reads the balance under Manager.mu; Settle releases Manager.mu
// before the deduction (which takes the store's writer lock) and
// reverts the hold if the deduction fails.
type Manager struct {
	mu    sync.Mutex
	store BalanceStore
	byID  map[string]*Reservation

	defaultTTL    time.Duration
	sweepInterval time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultTTL overrides the hold TTL used when Reserve gets ttl <= 0.
func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTTL = d
		}
	}
}

// WithSweepInterval overrides the expiry sweeper cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a manager over the given balance store and starts
// the expiry sweeper. Call Close to stop it.
func NewManager(store BalanceStore, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		byID:          make(map[string]*Reservation),
		defaultTTL:    DefaultTTL,
		sweepInterval: defaultSweepInterval,
		logger:        zerolog.Nop(),
		now:           time.Now,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

func newReservationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("reservation: rand.Read failed: " + err.Error())
	}
	return "rsv_" + hex.EncodeToString(b)
}

// Reserve places a hold of amount credits against key's available
// balance (stored balance minus existing holds). ttl <= 0 uses the
// manager default.
func (m *Manager) Reserve(key string, amount int64, ttl time.Duration, memo string) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireDueLocked(now)

	balance, ok := m.store.CreditBalance(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	held := m.heldLocked(key)
	if amount > balance-held {
		return nil, ErrInsufficientCredits
	}

	r := &Reservation{
		ID:        newReservationID(),
		Key:       key,
		Credits:   amount,
		Memo:      memo,
		Status:    StatusHeld,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	m.byID[r.ID] = r
	m.logger.Debug().Str("reservation", r.ID).Int64("credits", amount).
		Time("expires_at", r.ExpiresAt).Msg("credits reserved")
	return r.clone(), nil
}

// Settle charges min(actual, reserved) to the key and marks the
// reservation settled. actual == nil charges the full reserved amount.
func (m *Manager) Settle(id string, actual *int64) (int64, error) {
	m.mu.Lock()
	r, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return 0, ErrNotFound
	}
	now := m.now()
	if r.Status == StatusHeld && now.After(r.ExpiresAt) {
		m.expireLocked(r)
	}
	switch r.Status {
	case StatusHeld:
	case StatusExpired:
		m.mu.Unlock()
		return 0, ErrExpired
	default:
		m.mu.Unlock()
		return 0, ErrNotHeld
	}

	charged := r.Credits
	if actual != nil && *actual < charged {
		charged = *actual
	}
	if charged < 0 {
		charged = 0
	}
	reserved := r.Credits
	key := r.Key

	// Flip to settled before the store call so a concurrent Settle of
	// the same id sees ErrNotHeld instead of double-charging. The store
	// deduction happens outside our lock (lock order: manager before
	// store).
	r.Status = StatusSettled
	r.SettledAmount = &charged
	settledAt := now
	r.SettledAt = &settledAt
	m.mu.Unlock()

	if !m.store.DeductCredits(key, charged) {
		// Key vanished since the hold was placed; restore the hold and
		// let the caller retry or release.
		m.mu.Lock()
		r.Status = StatusHeld
		r.SettledAmount = nil
		r.SettledAt = nil
		m.mu.Unlock()
		return 0, ErrInsufficientCredits
	}

	m.logger.Info().Str("reservation", id).Int64("charged", charged).
		Int64("reserved", reserved).Msg("reservation settled")
	return charged, nil
}

// Release frees a held reservation without charging.
func (m *Manager) Release(id string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	if r.Status == StatusHeld && now.After(r.ExpiresAt) {
		m.expireLocked(r)
	}
	switch r.Status {
	case StatusHeld:
	case StatusExpired:
		return nil, ErrExpired
	default:
		return nil, ErrNotHeld
	}

	r.Status = StatusReleased
	releasedAt := now
	r.ReleasedAt = &releasedAt
	m.logger.Debug().Str("reservation", id).Msg("reservation released")
	return r.clone(), nil
}

// Get returns the reservation by id.
func (m *Manager) Get(id string) (*Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	if r.Status == StatusHeld && m.now().After(r.ExpiresAt) {
		m.expireLocked(r)
	}
	return r.clone(), true
}

// ListByKey returns all reservations for key, oldest first.
func (m *Manager) ListByKey(key string) []*Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireDueLocked(m.now())
	out := make([]*Reservation, 0, 4)
	for _, r := range m.byID {
		if r.Key == key {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Held returns the total credits currently held for key.
func (m *Manager) Held(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireDueLocked(m.now())
	return m.heldLocked(key)
}

// Stats aggregates reservation counts and credit totals by status.
type Stats struct {
	Total           int   `json:"total"`
	Held            int   `json:"held"`
	HeldCredits     int64 `json:"heldCredits"`
	Settled         int   `json:"settled"`
	SettledCredits  int64 `json:"settledCredits"`
	Released        int   `json:"released"`
	ReleasedCredits int64 `json:"releasedCredits"`
	Expired         int   `json:"expired"`
	ExpiredCredits  int64 `json:"expiredCredits"`
}

// Stats returns totals across all reservations.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireDueLocked(m.now())
	var s Stats
	for _, r := range m.byID {
		s.Total++
		switch r.Status {
		case StatusHeld:
			s.Held++
			s.HeldCredits += r.Credits
		case StatusSettled:
			s.Settled++
			if r.SettledAmount != nil {
				s.SettledCredits += *r.SettledAmount
			}
		case StatusReleased:
			s.Released++
			s.ReleasedCredits += r.Credits
		case StatusExpired:
			s.Expired++
			s.ExpiredCredits += r.Credits
		}
	}
	return s
}

func (m *Manager) heldLocked(key string) int64 {
	var held int64
	for _, r := range m.byID {
		if r.Key == key && r.Status == StatusHeld {
			held += r.Credits
		}
	}
	return held
}

func (m *Manager) expireDueLocked(now time.Time) {
	for _, r := range m.byID {
		if r.Status == StatusHeld && now.After(r.ExpiresAt) {
			m.expireLocked(r)
		}
	}
}

func (m *Manager) expireLocked(r *Reservation) {
	r.Status = StatusExpired
	m.logger.Debug().Str("reservation", r.ID).Str("key_preview", preview(r.Key)).
		Int64("credits", r.Credits).Msg("reservation expired")
}

func preview(key string) string {
	if len(key) > 10 {
		return key[:10] + "..."
	}
	return key
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			m.expireDueLocked(m.now())
			m.mu.Unlock()
		case <-m.stopSweep:
			return
		}
	}
}

// Close stops the expiry sweeper. Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopSweep)
		<-m.sweepDone
	})
	return nil
}
