// Package sqlledger stores the replay-protection ledger and the
// self-attestation registry in PostgreSQL or SQLite.
//
// Per-hash locks are leases kept in the blueprint_locks table, so
// controllers in several processes can share one database. A holder that
// outlives the lock TTL loses the lock; the conditional increment still
// keeps counts within the ceiling.
package sqlledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/funderberkr/tractor"
)

// Dialect selects placeholder syntax and the database/sql driver name.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

const (
	// DefaultLockTTL bounds how long a crashed holder blocks a blueprint.
	DefaultLockTTL = 30 * time.Second
	// DefaultLockRetry is the polling interval while a lock is held elsewhere.
	DefaultLockRetry = 10 * time.Millisecond
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithLockTTL sets the lease length of per-hash locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.lockTTL = ttl }
}

// WithLockRetry sets the polling interval while waiting for a lock.
func WithLockRetry(interval time.Duration) Option {
	return func(l *Ledger) { l.lockRetry = interval }
}

// Ledger implements tractor.Ledger and tractor.Attestations on database/sql.
type Ledger struct {
	db        *sql.DB
	dialect   Dialect
	lockTTL   time.Duration
	lockRetry time.Duration
	now       func() time.Time
}

// Open connects to dsn with the driver for dialect and migrates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Ledger, error) {
	if dialect != Postgres && dialect != SQLite {
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// in-memory databases are per connection
		db.SetMaxOpenConns(1)
	}
	l, err := New(ctx, db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// New wraps db and migrates the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		db:        db,
		dialect:   dialect,
		lockTTL:   DefaultLockTTL,
		lockRetry: DefaultLockRetry,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger schema: %w", err)
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate(ctx context.Context) error {
	statements := []string{`
	CREATE TABLE IF NOT EXISTS blueprint_uses (
		hash TEXT PRIMARY KEY,
		uses BIGINT NOT NULL DEFAULT 0,
		destroyed INTEGER NOT NULL DEFAULT 0
	)`, `
	CREATE TABLE IF NOT EXISTS blueprint_attestations (
		hash TEXT PRIMARY KEY
	)`, `
	CREATE TABLE IF NOT EXISTS blueprint_locks (
		hash TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	)`}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (l *Ledger) rebind(query string) string {
	if l.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func key(h tractor.Hash) string {
	return hex.EncodeToString(h[:])
}

// Uses implements tractor.Ledger.
func (l *Ledger) Uses(ctx context.Context, h tractor.Hash) (uint64, error) {
	row := l.db.QueryRowContext(ctx, l.rebind("SELECT uses, destroyed FROM blueprint_uses WHERE hash = ?"), key(h))
	var uses, destroyed int64
	err := row.Scan(&uses, &destroyed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read use count: %w", err)
	}
	if destroyed != 0 {
		return tractor.Destroyed, nil
	}
	return uint64(uses), nil
}

// RecordUse implements tractor.Ledger.
func (l *Ledger) RecordUse(ctx context.Context, h tractor.Hash, ceiling uint64) error {
	if ceiling == 0 {
		return fmt.Errorf("%w: %s has a zero ceiling", tractor.ErrCeilingReached, h)
	}
	// BIGINT columns cannot hold larger ceilings
	limit := int64(min(ceiling, math.MaxInt64))
	query := `
		INSERT INTO blueprint_uses (hash, uses, destroyed) VALUES (?, 1, 0)
		ON CONFLICT (hash) DO UPDATE SET uses = blueprint_uses.uses + 1
		WHERE blueprint_uses.destroyed = 0 AND blueprint_uses.uses < ?`
	res, err := l.db.ExecContext(ctx, l.rebind(query), key(h), limit)
	if err != nil {
		return fmt.Errorf("failed to record use: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record use: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s destroyed or at %d uses", tractor.ErrCeilingReached, h, ceiling)
	}
	return nil
}

// Lock implements tractor.Ledger. A row in blueprint_locks is taken over
// only once its lease has expired.
func (l *Ledger) Lock(ctx context.Context, h tractor.Hash) (func(), error) {
	token := uuid.NewString()
	query := l.rebind(`
		INSERT INTO blueprint_locks (hash, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE blueprint_locks.expires_at <= ?`)
	for {
		now := l.now()
		res, err := l.db.ExecContext(ctx, query, key(h), token, now.Add(l.lockTTL).UnixMilli(), now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if n == 1 {
			return func() {
				// release even when the caller's context is already done
				_, _ = l.db.ExecContext(context.WithoutCancel(ctx),
					l.rebind("DELETE FROM blueprint_locks WHERE hash = ? AND token = ?"), key(h), token)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.lockRetry):
		}
	}
}

// Destroy implements tractor.Ledger.
func (l *Ledger) Destroy(ctx context.Context, h tractor.Hash) error {
	query := `
		INSERT INTO blueprint_uses (hash, uses, destroyed) VALUES (?, 0, 1)
		ON CONFLICT (hash) DO UPDATE SET destroyed = 1`
	if _, err := l.db.ExecContext(ctx, l.rebind(query), key(h)); err != nil {
		return fmt.Errorf("failed to destroy: %w", err)
	}
	return nil
}

// Attest implements tractor.Attestations.
func (l *Ledger) Attest(ctx context.Context, h tractor.Hash) error {
	query := "INSERT INTO blueprint_attestations (hash) VALUES (?) ON CONFLICT (hash) DO NOTHING"
	if _, err := l.db.ExecContext(ctx, l.rebind(query), key(h)); err != nil {
		return fmt.Errorf("failed to insert attestation: %w", err)
	}
	return nil
}

// Attested implements tractor.Attestations.
func (l *Ledger) Attested(ctx context.Context, h tractor.Hash) (bool, error) {
	row := l.db.QueryRowContext(ctx, l.rebind("SELECT 1 FROM blueprint_attestations WHERE hash = ?"), key(h))
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read attestation: %w", err)
	}
	return true, nil
}
