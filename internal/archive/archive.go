// Package archive persists usage events to PostgreSQL. It is an
// optional observer consumer: the in-memory meter stays the source of
// truth for the admin API, the archive owns durable history. Inserts
// are fail-soft; a down database never fails a gateway request.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/CreditRail/gateway/internal/config"
	"github.com/CreditRail/gateway/internal/events"
	"github.com/CreditRail/gateway/internal/metrics"
)

// DefaultTable is the event table used when none is configured.
const DefaultTable = "usage_events"

const insertTimeout = 5 * time.Second

var validTableNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// validateTableName ensures the table name is safe from SQL injection.
func validateTableName(name string) error {
	if !validTableNameRegex.MatchString(name) {
		return fmt.Errorf("invalid table name: %s (must be alphanumeric with underscores only)", name)
	}
	return nil
}

// Archive is a PostgreSQL sink for usage events.
type Archive struct {
	db      *sql.DB
	ownsDB  bool
	table   string
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option customizes the archive.
type Option func(*Archive)

// WithLogger sets a custom logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Archive) { a.logger = logger }
}

// WithMetrics sets the metrics collector for insert observability.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Archive) { a.metrics = m }
}

// Open connects to PostgreSQL and returns an archive writing to table
// (empty uses DefaultTable). The connection is verified with a ping.
func Open(connectionString, table string, pool config.PostgresPoolConfig, opts ...Option) (*Archive, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := validateTableName(table); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, pool)

	a := &Archive{db: db, ownsDB: true, table: table, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// NewWithDB wraps an existing connection pool. The caller keeps
// ownership of db; Close will not close it.
func NewWithDB(db *sql.DB, table string, opts ...Option) (*Archive, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := validateTableName(table); err != nil {
		return nil, err
	}

	a := &Archive{db: db, ownsDB: false, table: table, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// EnsureSchema creates the event table and its timestamp index if they
// do not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id              TEXT PRIMARY KEY,
			ts              TIMESTAMPTZ NOT NULL,
			api_key         TEXT NOT NULL,
			key_name        TEXT NOT NULL DEFAULT '',
			tool            TEXT NOT NULL,
			credits_charged BIGINT NOT NULL,
			allowed         BOOLEAN NOT NULL,
			deny_reason     TEXT NOT NULL DEFAULT '',
			namespace       TEXT NOT NULL DEFAULT ''
		)
	`, pq.QuoteIdentifier(a.table))
	if _, err := a.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table %s: %w", a.table, err)
	}

	createIndex := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (ts)`,
		pq.QuoteIdentifier(a.table+"_ts_idx"), pq.QuoteIdentifier(a.table),
	)
	if _, err := a.db.ExecContext(ctx, createIndex); err != nil {
		return fmt.Errorf("create index on %s: %w", a.table, err)
	}
	return nil
}

// Insert writes one event. Replayed event IDs are ignored so observers
// can re-emit without duplicating history.
func (a *Archive) Insert(ctx context.Context, e events.UsageEvent) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, ts, api_key, key_name, tool, credits_charged, allowed, deny_reason, namespace)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, pq.QuoteIdentifier(a.table))

	_, err := a.db.ExecContext(ctx, query,
		e.ID,
		e.Timestamp,
		e.APIKey,
		e.KeyName,
		e.Tool,
		e.CreditsCharged,
		e.Allowed,
		e.DenyReason,
		e.Namespace,
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// Observer adapts the archive to the usage-event observer slot. Each
// event is written from its own goroutine so a slow database never
// stalls the evaluation that emitted it; failures are logged and
// counted, never propagated.
func (a *Archive) Observer() events.Observer {
	return func(e events.UsageEvent) {
		go a.insertOne(e)
	}
}

func (a *Archive) insertOne(e events.UsageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	err := a.Insert(ctx, e)
	if a.metrics != nil {
		a.metrics.ObserveArchiveInsert(err == nil)
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("event_id", e.ID).Msg("usage event archive insert failed")
	}
}

// Close releases the connection pool when the archive owns it.
func (a *Archive) Close() error {
	if a.ownsDB {
		return a.db.Close()
	}
	return nil
}
