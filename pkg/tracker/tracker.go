// Package tracker keeps the per-request usage event log.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ganger-platform/aigateway/pkg/models"
)

// Tracker records and queries usage events.
type Tracker interface {
	// Record stores one event.
	Record(ctx context.Context, ev models.UsageEvent) error
	// Query returns events for an app since a given time, newest first.
	Query(ctx context.Context, app string, since time.Time, limit int) ([]models.UsageEvent, error)
	// TopModels returns the n models that served the most successful requests.
	// An empty app covers every app.
	TopModels(ctx context.Context, app string, since time.Time, n int) ([]models.TopModel, error)
	// Summary aggregates events per app and model.
	Summary(ctx context.Context, app string, since time.Time) ([]models.UsageSummary, error)
	// Prune deletes events older than before.
	Prune(ctx context.Context, before time.Time) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

// Timestamps are unix milliseconds so range scans compare numerically.
const createTable = `
CREATE TABLE IF NOT EXISTS ai_usage_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	app TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	use_case TEXT NOT NULL,
	request_id TEXT NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL,
	error_code TEXT NOT NULL DEFAULT '',
	safety_score REAL NOT NULL DEFAULT 1,
	contains_phi INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_events_app_time ON ai_usage_events(app, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_events_time ON ai_usage_events(created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a usage event.
func (t *SQLiteTracker) Record(ctx context.Context, ev models.UsageEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO ai_usage_events (created_at, app, model, use_case, request_id, tokens_used, cost,
			response_time_ms, success, error_code, safety_score, contains_phi)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.UnixMilli(), ev.App, ev.Model, string(ev.UseCase), ev.RequestID, ev.TokensUsed, ev.Cost,
		ev.ResponseTimeMs, ev.Success, string(ev.ErrorCode), ev.SafetyScore, ev.ContainsPHI,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Query returns events for an app since a given time, newest first.
func (t *SQLiteTracker) Query(ctx context.Context, app string, since time.Time, limit int) ([]models.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, created_at, app, model, use_case, request_id, tokens_used, cost, response_time_ms,
			success, error_code, safety_score, contains_phi
		 FROM ai_usage_events WHERE app = ? AND created_at >= ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		app, since.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var events []models.UsageEvent
	for rows.Next() {
		var (
			ev      models.UsageEvent
			ms      int64
			useCase string
			code    string
		)
		if err := rows.Scan(&ev.ID, &ms, &ev.App, &ev.Model, &useCase, &ev.RequestID, &ev.TokensUsed, &ev.Cost,
			&ev.ResponseTimeMs, &ev.Success, &code, &ev.SafetyScore, &ev.ContainsPHI); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		ev.Timestamp = time.UnixMilli(ms).UTC()
		ev.UseCase = models.UseCase(useCase)
		ev.ErrorCode = models.Code(code)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// TopModels returns the n models that served the most successful requests.
func (t *SQLiteTracker) TopModels(ctx context.Context, app string, since time.Time, n int) ([]models.TopModel, error) {
	if n <= 0 {
		n = 5
	}
	query := `SELECT model, COUNT(*) AS n FROM ai_usage_events
		 WHERE success = 1 AND model != '' AND created_at >= ?`
	args := []any{since.UnixMilli()}
	if app != "" {
		query += ` AND app = ?`
		args = append(args, app)
	}
	query += ` GROUP BY model ORDER BY n DESC, model ASC LIMIT ?`
	args = append(args, n)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("top models: %w", err)
	}
	defer rows.Close()

	top := []models.TopModel{}
	for rows.Next() {
		var m models.TopModel
		if err := rows.Scan(&m.Model, &m.Count); err != nil {
			return nil, fmt.Errorf("scan top model: %w", err)
		}
		top = append(top, m)
	}
	return top, rows.Err()
}

// Summary aggregates events per app and model, optionally filtered by app.
func (t *SQLiteTracker) Summary(ctx context.Context, app string, since time.Time) ([]models.UsageSummary, error) {
	query := `SELECT app, model, COUNT(*), SUM(CASE WHEN success = 1 THEN 0 ELSE 1 END),
			COALESCE(SUM(tokens_used), 0), COALESCE(SUM(cost), 0)
		 FROM ai_usage_events WHERE created_at >= ?`
	args := []any{since.UnixMilli()}
	if app != "" {
		query += ` AND app = ?`
		args = append(args, app)
	}
	query += ` GROUP BY app, model ORDER BY app, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.App, &s.Model, &s.RequestCount, &s.Failures, &s.TotalTokens, &s.TotalCost); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Prune deletes events older than before.
func (t *SQLiteTracker) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM ai_usage_events WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune usage events: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
