package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ganger-platform/aigateway/pkg/models"
)

// DefaultSupabaseTable is the table audit rows are inserted into.
const DefaultSupabaseTable = "ai_safety_audit"

// supabaseRow is the wire shape of one audit row.
type supabaseRow struct {
	ID            string   `json:"id"`
	RequestID     string   `json:"request_id"`
	App           string   `json:"app"`
	UseCase       string   `json:"use_case"`
	Model         string   `json:"model,omitempty"`
	Direction     string   `json:"direction"`
	Score         float64  `json:"score"`
	Blocked       bool     `json:"blocked"`
	Flags         []string `json:"flags"`
	ContainsPHI   bool     `json:"contains_phi"`
	ContentHash   string   `json:"content_hash"`
	ContentLength int      `json:"content_length"`
	Content       string   `json:"content,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

// SupabaseSink inserts audit entries into a Supabase table.
type SupabaseSink struct {
	client *supabase.Client
	table  string
}

// NewSupabaseSink creates a sink from config.
func NewSupabaseSink(cfg models.SupabaseConfig) (*SupabaseSink, error) {
	if cfg.URL == "" || cfg.Key == "" {
		return nil, errors.New("supabase url and key must be set")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.Key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = DefaultSupabaseTable
	}
	return &SupabaseSink{client: client, table: table}, nil
}

// Write implements Sink.
func (s *SupabaseSink) Write(_ context.Context, entry models.AuditEntry) error {
	var result []map[string]any
	_, err := s.client.From(s.table).
		Insert(toRow(entry), false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("supabase audit insert: %w", err)
	}
	return nil
}

func toRow(e models.AuditEntry) supabaseRow {
	flags := e.Flags
	if flags == nil {
		flags = []string{}
	}
	return supabaseRow{
		ID:            e.ID,
		RequestID:     e.RequestID,
		App:           e.App,
		UseCase:       string(e.UseCase),
		Model:         e.Model,
		Direction:     e.Direction,
		Score:         e.Score,
		Blocked:       e.Blocked,
		Flags:         flags,
		ContainsPHI:   e.ContainsPHI,
		ContentHash:   e.ContentHash,
		ContentLength: e.ContentLength,
		Content:       e.Content,
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
