package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// snapshotPair is one element of the on-disk document: a two-element
// JSON array [keyString, recordObject].
type snapshotPair struct {
	Key    string
	Record *Record
}

func (p snapshotPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Key, p.Record})
}

func (p *snapshotPair) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("expected [key, record] pair, got %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &p.Key); err != nil {
		return fmt.Errorf("pair key: %w", err)
	}
	p.Record = &Record{}
	if err := json.Unmarshal(tuple[1], p.Record); err != nil {
		return fmt.Errorf("pair record: %w", err)
	}
	return nil
}

// recordAlias strips Record's methods so the custom (un)marshalers can
// delegate to encoding/json without recursing.
type recordAlias Record

// knownRecordFields mirrors the JSON tags on Record. Anything else in a
// stored object goes to the raw side-channel and is written back
// verbatim, so snapshots written by newer deployments survive.
var knownRecordFields = map[string]struct{}{
	"name": {}, "credits": {}, "totalSpent": {}, "totalCalls": {},
	"createdAt": {}, "lastUsedAt": {}, "active": {}, "suspended": {},
	"spendingLimit": {}, "allowedTools": {}, "deniedTools": {},
	"expiresAt": {}, "ipAllowlist": {}, "tags": {}, "namespace": {},
	"group": {}, "quotaDailyCalls": {}, "quotaMonthlyCalls": {},
	"quotaDailyCredits": {}, "quotaMonthlyCredits": {},
	"quotaCallsToday": {}, "quotaCallsMonth": {}, "quotaCreditsToday": {},
	"quotaCreditsMonth": {}, "quotaLastResetDay": {}, "quotaLastResetMonth": {},
	"autoTopup": {}, "autoTopupTodayCount": {}, "autoTopupLastResetDay": {},
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var a recordAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	// Backfill: snapshots written before revocation existed carry no
	// "active" field; treat those records as live.
	if _, present := raw["active"]; !present {
		a.Active = true
	}
	for k := range raw {
		if _, known := knownRecordFields[k]; known {
			delete(raw, k)
		}
	}
	// Never let pollution key names ride along in the side-channel.
	delete(raw, "__proto__")
	delete(raw, "constructor")
	delete(raw, "prototype")
	if len(raw) > 0 {
		a.extra = raw
	}
	*r = Record(a)
	return nil
}

func (r *Record) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(recordAlias(*r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return data, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, v := range r.extra {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// snapshotLocked deep-copies the current map into the serialized order:
// creation time, key string as tie-break. Caller holds the lock.
func (s *Store) snapshotLocked() []snapshotPair {
	pairs := make([]snapshotPair, 0, len(s.keys))
	for k, rec := range s.keys {
		pairs = append(pairs, snapshotPair{Key: k, Record: rec.Clone()})
	}
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.Before(b.Record.CreatedAt)
		}
		return a.Key < b.Key
	})
	return pairs
}

// writeSnapshot persists pairs with write-then-rename: serialize to
// <path>.tmp, fsync, rename over <path>, then best-effort chmod 0600.
// saveMu keeps concurrent flushes off the same temp path.
func (s *Store) writeSnapshot(pairs []snapshotPair) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(pairs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	_ = os.Chmod(s.path, 0o600)
	return nil
}

// load reads the snapshot into the map. Missing files and corrupt
// documents start an empty store: durability is best-effort and a bad
// snapshot must never keep the gateway from booting. Individual broken
// pairs are skipped, the rest of the document still loads.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if info, statErr := os.Stat(s.path); statErr == nil && info.IsDir() {
			return fmt.Errorf("state path %s is a directory", s.path)
		}
		s.logger.Warn().Err(err).Str("path", s.path).Msg("key store snapshot unreadable, starting empty")
		return nil
	}

	var rawPairs []json.RawMessage
	if err := json.Unmarshal(data, &rawPairs); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("key store snapshot corrupt, starting empty")
		return nil
	}

	loaded, skipped := 0, 0
	for _, raw := range rawPairs {
		var p snapshotPair
		if err := p.UnmarshalJSON(raw); err != nil || p.Key == "" {
			skipped++
			continue
		}
		if _, dup := s.keys[p.Key]; dup {
			skipped++
			continue
		}
		s.keys[p.Key] = p.Record
		loaded++
	}
	if skipped > 0 {
		s.logger.Warn().Int("skipped", skipped).Str("path", s.path).Msg("key store snapshot had unreadable entries")
	}
	s.logger.Info().Int("keys", loaded).Str("path", s.path).Msg("key store loaded")
	return nil
}
