// Package sqlite is the response cache, keyed by normalized request content.
package sqlite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ganger-platform/aigateway/pkg/models"
)

// Cache is an exact-match response cache backed by SQLite.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the cache clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS ai_response_cache (
	cache_key TEXT PRIMARY KEY,
	app TEXT NOT NULL,
	response BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON ai_response_cache(expires_at);
`

// New creates a Cache with the given database path and default TTL.
func New(dbPath string, ttl time.Duration, opts ...Option) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	c := &Cache{db: db, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Key hashes the parts of a request that determine its answer, including the
// clinical flag since it narrows routing. Message text is trimmed and
// lower-cased so trivially different prompts share an entry.
func Key(app string, useCase models.UseCase, messages []models.ChatMessage, cfg models.ChatConfig) string {
	type normalized struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]normalized, len(messages))
	for i, m := range messages {
		msgs[i] = normalized{Role: m.Role, Content: strings.ToLower(strings.TrimSpace(m.Content))}
	}
	data, _ := json.Marshal(struct {
		App         string       `json:"app"`
		UseCase     string       `json:"use_case"`
		Messages    []normalized `json:"messages"`
		Temperature *float64     `json:"temperature"`
		MaxTokens   *int         `json:"max_tokens"`
		Clinical    bool         `json:"clinical"`
	}{app, string(useCase), msgs, cfg.Temperature, cfg.MaxTokens, cfg.Clinical})

	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Get retrieves a cached response. Returns false if not found or expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	var response []byte
	var expiresAt int64

	err := c.db.QueryRow(
		`SELECT response, expires_at FROM ai_response_cache WHERE cache_key = ?`, key,
	).Scan(&response, &expiresAt)
	if err != nil || c.now().UnixMilli() >= expiresAt {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return response, true
}

// Put stores a response. A zero ttl uses the cache default; a negative ttl is not stored.
func (c *Cache) Put(key, app string, response []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	if ttl <= 0 {
		return nil
	}
	now := c.now()
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO ai_response_cache (cache_key, app, response, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key, app, response, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM ai_response_cache`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(expiredOnly bool) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if expiredOnly {
		res, err = c.db.Exec(`DELETE FROM ai_response_cache WHERE expires_at <= ?`, c.now().UnixMilli())
	} else {
		res, err = c.db.Exec(`DELETE FROM ai_response_cache`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
