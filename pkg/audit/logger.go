// Package audit keeps the trail of screened interactions.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ganger-platform/aigateway/pkg/models"
)

// Sink receives audit entries.
type Sink interface {
	Write(ctx context.Context, entry models.AuditEntry) error
}

// Logger writes and queries audit entries in a dedicated SQLite database.
type Logger struct {
	db   *sql.DB
	cfg  models.AuditConfig
	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the audit SQLite database and creates the schema.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		now:  time.Now,
		done: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ai_safety_audit (
		id             TEXT PRIMARY KEY,
		request_id     TEXT NOT NULL,
		app            TEXT NOT NULL,
		use_case       TEXT NOT NULL,
		model          TEXT,
		direction      TEXT NOT NULL,
		score          REAL NOT NULL,
		blocked        INTEGER NOT NULL,
		flags          TEXT NOT NULL,
		contains_phi   INTEGER NOT NULL,
		content_hash   TEXT NOT NULL,
		content_length INTEGER NOT NULL,
		content        TEXT,
		created_at     INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_app_created ON ai_safety_audit(app, created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_request ON ai_safety_audit(request_id)`)
	return err
}

// Entry builds an audit entry for screened content. Raw content is kept only
// when the config asks for it, truncated to MaxBodySize.
func Entry(cfg models.AuditConfig, content string, v models.SafetyVerdict, sc models.SafetyContext) models.AuditEntry {
	e := models.AuditEntry{
		ID:            uuid.NewString(),
		App:           sc.App,
		UseCase:       sc.UseCase,
		Direction:     sc.Direction,
		Score:         v.Score,
		Blocked:       v.Blocked,
		Flags:         v.Flags,
		ContainsPHI:   v.ContainsPHI,
		ContentHash:   HashContent(content),
		ContentLength: len(content),
	}
	if cfg.IncludeContent {
		e.Content = content
		if cfg.MaxBodySize > 0 && len(e.Content) > cfg.MaxBodySize {
			e.Content = truncate(e.Content, cfg.MaxBodySize)
		}
	}
	return e
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Write inserts an audit entry.
func (l *Logger) Write(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	if entry.Flags == nil {
		entry.Flags = []string{}
	}
	flags, err := json.Marshal(entry.Flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO ai_safety_audit
		(id, request_id, app, use_case, model, direction, score, blocked, flags,
		 contains_phi, content_hash, content_length, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RequestID, entry.App, string(entry.UseCase), entry.Model, entry.Direction,
		entry.Score, entry.Blocked, string(flags), entry.ContainsPHI,
		entry.ContentHash, entry.ContentLength, entry.Content, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Query returns audit entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT id, request_id, app, use_case, model, direction, score, blocked, flags,
		contains_phi, content_hash, content_length, content, created_at
		FROM ai_safety_audit WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.App != "" {
		q += " AND app = ?"
		args = append(args, opts.App)
	}
	if opts.UseCase != "" {
		q += " AND use_case = ?"
		args = append(args, string(opts.UseCase))
	}
	if opts.BlockedOnly {
		q += " AND blocked = 1"
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UnixMilli())
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var useCase, flags string
		var model, content sql.NullString
		var ms int64
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.App, &useCase, &model, &e.Direction,
			&e.Score, &e.Blocked, &flags, &e.ContainsPHI,
			&e.ContentHash, &e.ContentLength, &content, &ms,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.UseCase = models.UseCase(useCase)
		e.Model = model.String
		e.Content = content.String
		e.CreatedAt = time.UnixMilli(ms).UTC()
		_ = json.Unmarshal([]byte(flags), &e.Flags)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts grouped by app and UTC day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT app, date(created_at / 1000, 'unixepoch') AS day, count(*), COALESCE(SUM(blocked), 0)
		 FROM ai_safety_audit GROUP BY app, day ORDER BY day DESC, app`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.App, &day, &s.Count, &s.Blocked); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := l.now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM ai_safety_audit WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}

// HashContent returns the SHA-256 hex digest of content.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// Multi fans entries out to every sink. All sinks are attempted.
type Multi []Sink

// Write implements Sink.
func (m Multi) Write(ctx context.Context, entry models.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
