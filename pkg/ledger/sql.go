package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const createWindows = `
CREATE TABLE IF NOT EXISTS usage_windows (
	scope TEXT NOT NULL,
	kind TEXT NOT NULL,
	window_start BIGINT NOT NULL,
	window_end BIGINT NOT NULL,
	request_count BIGINT NOT NULL DEFAULT 0,
	accumulated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (scope, kind, window_start)
);
CREATE INDEX IF NOT EXISTS idx_usage_windows_end ON usage_windows(window_end);
CREATE TABLE IF NOT EXISTS settled_reservations (
	id TEXT PRIMARY KEY,
	settled_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settled_at ON settled_reservations(settled_at);
`

// The conflict branch only fires when the incremented row still fits the
// limit; otherwise nothing is written and no row is returned.
const reserveSQL = `
INSERT INTO usage_windows (scope, kind, window_start, window_end, request_count, accumulated_cost, updated_at)
VALUES (?, ?, ?, ?, 1, ?, ?)
ON CONFLICT (scope, kind, window_start) DO UPDATE SET
	request_count = usage_windows.request_count + 1,
	accumulated_cost = usage_windows.accumulated_cost + excluded.accumulated_cost,
	updated_at = excluded.updated_at
WHERE usage_windows.request_count + 1 <= ?
	AND usage_windows.accumulated_cost + excluded.accumulated_cost <= ?
RETURNING request_count, accumulated_cost`

const adjustSQL = `
UPDATE usage_windows SET
	request_count = CASE WHEN request_count + ? < 0 THEN 0 ELSE request_count + ? END,
	accumulated_cost = CASE WHEN accumulated_cost + ? < 0 THEN 0 ELSE accumulated_cost + ? END,
	updated_at = ?
WHERE scope = ? AND kind = ? AND window_start = ?`

// SQLStore keeps windows in SQLite or PostgreSQL.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// NewSQLite opens (or creates) a SQLite-backed store at path.
func NewSQLite(path string) (*SQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// A single connection serializes writers and keeps the upsert atomic.
	db.SetMaxOpenConns(1)
	return migrate(db, false)
}

// NewPostgres connects to PostgreSQL using a lib/pq DSN.
func NewPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	return migrate(db, true)
}

func migrate(db *sql.DB, postgres bool) (*SQLStore, error) {
	if _, err := db.Exec(createWindows); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &SQLStore{db: db, postgres: postgres}, nil
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CheckAndReserve implements Store.
func (s *SQLStore) CheckAndReserve(ctx context.Context, key Key, limit Limit, cost float64) (Decision, error) {
	// An insert into a fresh window bypasses the conflict guard.
	if reason := limit.check(Counter{}, cost); reason != DenyNone {
		c, err := s.Get(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Reason: reason, Counter: c}, nil
	}

	var c Counter
	err := s.db.QueryRowContext(ctx, s.rebind(reserveSQL),
		key.Scope, string(key.Kind), key.Start, key.EndTime().Unix(), cost, time.Now().Unix(),
		limit.maxRequests(), limit.maxCost(),
	).Scan(&c.Requests, &c.Cost)
	if err == nil {
		return Decision{Admitted: true, Counter: c}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Decision{}, fmt.Errorf("reserve: %w", err)
	}

	c, err = s.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	reason := limit.check(c, cost)
	if reason == DenyNone {
		// Raced with a release between the upsert and the read.
		reason = DenyRequests
	}
	return Decision{Reason: reason, Counter: c}, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key Key) (Counter, error) {
	var c Counter
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT request_count, accumulated_cost FROM usage_windows WHERE scope = ? AND kind = ? AND window_start = ?`),
		key.Scope, string(key.Kind), key.Start,
	).Scan(&c.Requests, &c.Cost)
	if errors.Is(err, sql.ErrNoRows) {
		return Counter{}, nil
	}
	if err != nil {
		return Counter{}, fmt.Errorf("read window: %w", err)
	}
	return c, nil
}

// Settle implements Store.
func (s *SQLStore) Settle(ctx context.Context, id string, at time.Time, adjustments []Adjustment) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO settled_reservations (id, settled_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`),
		id, at.Unix())
	if err != nil {
		return false, fmt.Errorf("record settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record settlement: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	stmt := s.rebind(adjustSQL)
	now := time.Now().Unix()
	for _, a := range adjustments {
		if _, err := tx.ExecContext(ctx, stmt,
			a.Requests, a.Requests, a.Cost, a.Cost, now,
			a.Key.Scope, string(a.Key.Kind), a.Key.Start,
		); err != nil {
			return false, fmt.Errorf("adjust %s: %w", a.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit settle: %w", err)
	}
	return true, nil
}

// Prune implements Store.
func (s *SQLStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.Unix()
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM usage_windows WHERE window_end < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune windows: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM settled_reservations WHERE settled_at < ?`), cutoff); err != nil {
		return 0, fmt.Errorf("prune settlements: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
