package models

import "time"

// AuditEntry records one screened interaction. Content is stored as a hash unless
// the audit log is configured to keep it.
type AuditEntry struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"request_id"`
	App           string    `json:"app"`
	UseCase       UseCase   `json:"use_case"`
	Model         string    `json:"model,omitempty"`
	Direction     string    `json:"direction"`
	Score         float64   `json:"score"`
	Blocked       bool      `json:"blocked"`
	Flags         []string  `json:"flags"`
	ContainsPHI   bool      `json:"contains_phi"`
	ContentHash   string    `json:"content_hash"`
	ContentLength int       `json:"content_length"`
	Content       string    `json:"content,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	DBPath         string `yaml:"db_path" toml:"db_path"`
	RetentionDays  int    `yaml:"retention_days" toml:"retention_days"`
	IncludeContent bool   `yaml:"include_content" toml:"include_content"`
	MaxBodySize    int    `yaml:"max_body_size" toml:"max_body_size"` // bytes
	// LogAll records every screened interaction, not only flagged or audit-required ones.
	LogAll   bool           `yaml:"log_all" toml:"log_all"`
	Supabase SupabaseConfig `yaml:"supabase" toml:"supabase"`
}

// SupabaseConfig points the audit trail at a Supabase table.
type SupabaseConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Key   string `yaml:"key" toml:"key"`
	Table string `yaml:"table" toml:"table"`
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	App         string
	UseCase     UseCase
	RequestID   string
	BlockedOnly bool
	Since       time.Time
	Limit       int
}

// AuditStat holds aggregate audit counts for an app/day combination.
type AuditStat struct {
	App     string
	Day     string
	Count   int
	Blocked int
}
