package keystore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrKeyNotFound  = errors.New("keystore: key not found")
	ErrKeyExists    = errors.New("keystore: key already exists")
	ErrMalformedKey = errors.New("keystore: malformed key")
	ErrAliasExists  = errors.New("keystore: alias already in use")
	ErrAliasLimit   = errors.New("keystore: alias table full")
)

const defaultFlushInterval = 100 * time.Millisecond

// Store is the single authoritative registry of API-key records. One
// RWMutex guards the map and every record in it; credit mutations and
// policy updates take the writer lock, immutable reads the reader lock.
// A background flush loop coalesces persistence: mutations mark the
// store dirty and the loop writes the snapshot at most once per
// interval. With an empty path the store is memory-only.
type Store struct {
	mu      sync.RWMutex
	keys    map[string]*Record
	aliases map[string]string // alias -> canonical key

	path          string
	flushInterval time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	dirty bool

	// saveMu serializes snapshot writers so two flushes never interleave
	// on the temp path.
	saveMu sync.Mutex

	stopFlush chan struct{}
	flushDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option adjusts Store construction.
type Option func(*Store)

// WithLogger attaches a logger for load/save diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithFlushInterval overrides the debounce interval of the flush loop.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// Open loads the snapshot at path (if any) and starts the flush loop.
// A missing or corrupt snapshot logs a warning and starts empty; Open
// fails only when the path is unusable (e.g. points at a directory).
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		keys:          make(map[string]*Record),
		aliases:       make(map[string]string),
		path:          path,
		flushInterval: defaultFlushInterval,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.path != "" {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("open key store: %w", err)
		}
		s.stopFlush = make(chan struct{})
		s.flushDone = make(chan struct{})
		go s.flushLoop()
	}
	return s, nil
}

// ValidKey reports whether key has the generated shape: the crg_ prefix
// followed by 32 hex characters.
func ValidKey(key string) bool {
	if !strings.HasPrefix(key, KeyPrefix) {
		return false
	}
	rest := key[len(KeyPrefix):]
	if len(rest) != 32 {
		return false
	}
	for _, c := range rest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// resolveLocked follows the alias table to the canonical key. Caller
// holds at least the read lock.
func (s *Store) resolveLocked(key string) (string, *Record) {
	if rec, ok := s.keys[key]; ok {
		return key, rec
	}
	if canonical, ok := s.aliases[key]; ok {
		return canonical, s.keys[canonical]
	}
	return key, nil
}

// CreateKey generates a fresh key, installs a record built from the
// clamped options, and schedules persistence. It returns the plaintext
// key (shown once to the caller) and a copy of the record.
func (s *Store) CreateKey(name string, credits int64, opts Options) (string, *Record) {
	key := GenerateKey()
	rec := newRecord(name, credits, opts)

	s.mu.Lock()
	s.keys[key] = rec
	s.dirty = true
	s.mu.Unlock()

	s.logger.Info().Str("key", maskKey(key)).Str("name", name).Int64("credits", rec.Credits).Msg("api key created")
	return key, rec.Clone()
}

// ImportKey installs a record under a caller-supplied key string, for
// migrations from another deployment. The key must have the generated
// shape and must not collide with an existing key or alias.
func (s *Store) ImportKey(key, name string, credits int64, opts Options) (*Record, error) {
	if !ValidKey(key) {
		return nil, ErrMalformedKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key]; exists {
		return nil, ErrKeyExists
	}
	if _, exists := s.aliases[key]; exists {
		return nil, ErrKeyExists
	}
	rec := newRecord(name, credits, opts)
	s.keys[key] = rec
	s.dirty = true
	return rec.Clone(), nil
}

// GetKey resolves the key (through aliases) and returns a copy of the
// record when it is live: active, not suspended, not expired. It bumps
// lastUsedAt as a side effect. Admin reads should use Lookup instead.
func (s *Store) GetKey(key string) *Record {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, rec := s.resolveLocked(key)
	if rec == nil || !rec.Active || rec.Suspended || rec.IsExpiredAt(now) {
		return nil
	}
	rec.LastUsedAt = &now
	s.dirty = true
	return rec.Clone()
}

// Lookup returns a copy of the record with no liveness filtering and no
// side effects, or nil when the key does not exist.
func (s *Store) Lookup(key string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, rec := s.resolveLocked(key)
	return rec.Clone()
}

// Exists reports whether the key (or an alias of it) is registered.
func (s *Store) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, rec := s.resolveLocked(key)
	return rec != nil
}

// IsExpired distinguishes an expired key from one that never existed.
func (s *Store) IsExpired(key string) bool {
	now := s.now().UTC()
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, rec := s.resolveLocked(key)
	return rec != nil && rec.IsExpiredAt(now)
}

// IsRevoked reports whether the key exists with active=false.
func (s *Store) IsRevoked(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, rec := s.resolveLocked(key)
	return rec != nil && !rec.Active
}

// IsSuspended reports whether the key exists and is suspended.
func (s *Store) IsSuspended(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, rec := s.resolveLocked(key)
	return rec != nil && rec.Suspended
}

// HasCredits reports whether the key exists with balance ≥ n.
func (s *Store) HasCredits(key string, n int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, rec := s.resolveLocked(key)
	return rec != nil && rec.Credits >= n
}

// CreditBalance returns the stored balance and whether the key exists.
func (s *Store) CreditBalance(key string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, rec := s.resolveLocked(key)
	if rec == nil {
		return 0, false
	}
	return rec.Credits, true
}

// DeductCredits atomically checks and deducts n credits. It returns
// false without mutating when the balance is insufficient or the key is
// unknown. n ≤ 0 deducts nothing (n == 0 succeeds, n < 0 fails).
func (s *Store) DeductCredits(key string, n int64) bool {
	if n < 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, rec := s.resolveLocked(key)
	if rec == nil || rec.Credits < n {
		return false
	}
	if n == 0 {
		return true
	}
	rec.Credits -= n
	s.dirty = true
	return true
}

// AddCredits adds n to the balance, clamping the result to
// [0, MaxCredits]. It returns the new balance and whether the key
// exists. Negative n adjusts downward, flooring at zero.
func (s *Store) AddCredits(key string, n int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rec := s.resolveLocked(key)
	if rec == nil {
		return 0, false
	}
	rec.Credits = ClampCredits(rec.Credits + n)
	s.dirty = true
	return rec.Credits, true
}

// RevokeKey permanently deactivates the key. Revoked keys stay in the
// map so the gate can name the denial precisely.
func (s *Store) RevokeKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rec := s.resolveLocked(key)
	if rec == nil {
		return false
	}
	rec.Active = false
	s.dirty = true
	return true
}

// SuspendKey pauses the key without revoking it.
func (s *Store) SuspendKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rec := s.resolveLocked(key)
	if rec == nil {
		return false
	}
	rec.Suspended = true
	s.dirty = true
	return true
}

// ReactivateKey clears a suspension. It refuses revoked keys.
func (s *Store) ReactivateKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rec := s.resolveLocked(key)
	if rec == nil || !rec.Active {
		return false
	}
	rec.Suspended = false
	s.dirty = true
	return true
}

// DeleteKey removes the record and every alias pointing at it.
func (s *Store) DeleteKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical, rec := s.resolveLocked(key)
	if rec == nil {
		return false
	}
	delete(s.keys, canonical)
	for alias, target := range s.aliases {
		if target == canonical {
			delete(s.aliases, alias)
		}
	}
	s.dirty = true
	return true
}

// PolicyUpdate carries a partial update of the mutable policy fields.
// Nil pointers leave the field unchanged; list and map fields are
// replaced whole. ClearExpiresAt / ClearAutoTopup distinguish "remove"
// from "leave alone".
type PolicyUpdate struct {
	Name           *string
	SpendingLimit  *int64
	AllowedTools   *[]string
	DeniedTools    *[]string
	ExpiresAt      *time.Time
	ClearExpiresAt bool
	IPAllowlist    *[]string
	Tags           *map[string]string
	Namespace      *string
	Group          *string

	QuotaDailyCalls     *int64
	QuotaMonthlyCalls   *int64
	QuotaDailyCredits   *int64
	QuotaMonthlyCredits *int64

	AutoTopup      *AutoTopup
	ClearAutoTopup bool
}

// UpdatePolicy applies a partial policy update with the same clamping
// and truncation rules as key creation, returning the updated record.
func (s *Store) UpdatePolicy(key string, upd PolicyUpdate) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rec := s.resolveLocked(key)
	if rec == nil {
		return nil, ErrKeyNotFound
	}

	if upd.Name != nil {
		rec.Name = truncateString(*upd.Name, MaxTagLength)
	}
	if upd.SpendingLimit != nil {
		rec.SpendingLimit = clamp(*upd.SpendingLimit, MaxSpendingLimit)
	}
	if upd.AllowedTools != nil {
		rec.AllowedTools = truncateList(*upd.AllowedTools, MaxToolEntries)
	}
	if upd.DeniedTools != nil {
		rec.DeniedTools = truncateList(*upd.DeniedTools, MaxToolEntries)
	}
	if upd.ClearExpiresAt {
		rec.ExpiresAt = nil
	} else if upd.ExpiresAt != nil {
		t := upd.ExpiresAt.UTC()
		rec.ExpiresAt = &t
	}
	if upd.IPAllowlist != nil {
		rec.IPAllowlist = truncateList(*upd.IPAllowlist, MaxIPEntries)
	}
	if upd.Tags != nil {
		rec.Tags = sanitizeTags(*upd.Tags)
	}
	if upd.Namespace != nil {
		rec.Namespace = truncateString(*upd.Namespace, MaxTagLength)
	}
	if upd.Group != nil {
		rec.Group = truncateString(*upd.Group, MaxTagLength)
	}
	if upd.QuotaDailyCalls != nil {
		rec.QuotaDailyCalls = clamp(*upd.QuotaDailyCalls, MaxQuotaLimit)
	}
	if upd.QuotaMonthlyCalls != nil {
		rec.QuotaMonthlyCalls = clamp(*upd.QuotaMonthlyCalls, MaxQuotaLimit)
	}
	if upd.QuotaDailyCredits != nil {
		rec.QuotaDailyCredits = clamp(*upd.QuotaDailyCredits, MaxQuotaLimit)
	}
	if upd.QuotaMonthlyCredits != nil {
		rec.QuotaMonthlyCredits = clamp(*upd.QuotaMonthlyCredits, MaxQuotaLimit)
	}
	if upd.ClearAutoTopup {
		rec.AutoTopup = nil
	} else if upd.AutoTopup != nil {
		rec.AutoTopup = sanitizeAutoTopup(upd.AutoTopup)
	}

	s.dirty = true
	return rec.Clone(), nil
}

// SetAlias registers an alternative lookup string for an existing key.
// The alias table is capped at MaxAliasEntries.
func (s *Store) SetAlias(alias, key string) error {
	if alias == "" || alias == key {
		return ErrMalformedKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[alias]; exists {
		return ErrAliasExists
	}
	if _, exists := s.aliases[alias]; exists {
		return ErrAliasExists
	}
	canonical, rec := s.resolveLocked(key)
	if rec == nil {
		return ErrKeyNotFound
	}
	if len(s.aliases) >= MaxAliasEntries {
		return ErrAliasLimit
	}
	s.aliases[alias] = canonical
	s.dirty = true
	return nil
}

// RemoveAlias drops an alias. The canonical key is unaffected.
func (s *Store) RemoveAlias(alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aliases[alias]; !ok {
		return false
	}
	delete(s.aliases, alias)
	s.dirty = true
	return true
}

// CheckIP applies the record's IP allowlist: an empty list (or unknown
// key) allows everything, otherwise the client IP must match an entry
// exactly or fall inside a CIDR entry.
func (s *Store) CheckIP(key, ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, rec := s.resolveLocked(key)
	if rec == nil {
		return true
	}
	return IPAllowed(rec.IPAllowlist, ip)
}

// Commit runs fn against the live record under the writer lock. This is
// the atomicity device for evaluate: check-then-mutate sequences inside
// fn cannot interleave with other evaluators of the same key. A nil
// return marks the store dirty for the flush loop.
func (s *Store) Commit(key string, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rec := s.resolveLocked(key)
	if rec == nil {
		return ErrKeyNotFound
	}
	if err := fn(rec); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// Entry pairs a key with a copy of its record for admin listings.
type Entry struct {
	Key    string
	Record *Record
}

// List snapshots the store, optionally filtered by namespace, ordered
// by creation time (key string as tie-break).
func (s *Store) List(namespace string) []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.keys))
	for k, rec := range s.keys {
		if namespace != "" && rec.Namespace != namespace {
			continue
		}
		entries = append(entries, Entry{Key: k, Record: rec.Clone()})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.Before(b.Record.CreatedAt)
		}
		return a.Key < b.Key
	})
	return entries
}

// Count returns the number of registered keys.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Totals aggregates store-wide figures for the admin stats endpoint.
func (s *Store) Totals() (keys int, credits, spent int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.keys {
		keys++
		credits += rec.Credits
		spent += rec.TotalSpent
	}
	return keys, credits, spent
}

// ScheduleSave marks the store dirty; the flush loop persists soon.
func (s *Store) ScheduleSave() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Save persists the current state immediately, bypassing the debounce.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	pairs := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()
	return s.writeSnapshot(pairs)
}

func (s *Store) flushLoop() {
	defer close(s.flushDone)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flushIfDirty()
		case <-s.stopFlush:
			return
		}
	}
}

func (s *Store) flushIfDirty() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	pairs := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	if err := s.writeSnapshot(pairs); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("key store flush failed")
	}
}

// Close stops the flush loop and performs a final save when dirty.
// It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.stopFlush != nil {
			close(s.stopFlush)
			<-s.flushDone
		}
		if s.path != "" {
			s.closeErr = s.Save()
		}
	})
	return s.closeErr
}

func maskKey(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10] + "..."
}
