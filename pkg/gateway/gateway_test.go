package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganger-platform/aigateway/pkg/audit"
	cachepkg "github.com/ganger-platform/aigateway/pkg/cache/sqlite"
	"github.com/ganger-platform/aigateway/pkg/config"
	"github.com/ganger-platform/aigateway/pkg/emergency"
	"github.com/ganger-platform/aigateway/pkg/ledger"
	"github.com/ganger-platform/aigateway/pkg/models"
	"github.com/ganger-platform/aigateway/pkg/provider"
	"github.com/ganger-platform/aigateway/pkg/registry"
	"github.com/ganger-platform/aigateway/pkg/tracker"
)

const visionModel = "llama-3.2-11b-vision-instruct"

type stubProvider struct {
	mu     sync.Mutex
	calls  []string
	tokens int
	reply  string
	fail   map[string]models.Code

	// billMax bills the full max_tokens sent instead of tokens.
	billMax bool
	maxSent []int
}

func (s *stubProvider) Complete(_ context.Context, req models.ChatCompletionRequest) (*provider.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Model)
	if code, ok := s.fail[req.Model]; ok {
		return nil, models.NewError(code, errors.New("upstream"))
	}
	tokens := s.tokens
	if req.MaxTokens != nil {
		s.maxSent = append(s.maxSent, *req.MaxTokens)
		if s.billMax {
			tokens = *req.MaxTokens
		}
	}
	return &provider.Result{
		Response: &models.ChatCompletionResponse{
			Model:   req.Model,
			Choices: []models.Choice{{Message: models.ChatMessage{Role: "assistant", Content: s.reply}}},
		},
		Usage: models.Usage{TotalTokens: tokens},
	}, nil
}

func (s *stubProvider) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type harness struct {
	gw       *Gateway
	now      time.Time
	ledger   *ledger.Ledger
	em       *emergency.Controller
	provider *stubProvider
	tracker  *tracker.SQLiteTracker
	audit    *audit.Logger
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func setup(t *testing.T, withCache bool) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Cache.Enabled = withCache
	cfg.Audit.DBPath = filepath.Join(dir, "audit.db")

	h := &harness{
		now:      time.Date(2026, 6, 2, 14, 5, 0, 0, time.UTC),
		provider: &stubProvider{tokens: 10, reply: "Formatted and ready."},
	}
	clock := func() time.Time { return h.now }

	reg, err := registry.New(cfg.Models, cfg.Selection)
	require.NoError(t, err)

	h.ledger = ledger.New(ledger.NewMemory(), ledger.WithClock(clock))
	t.Cleanup(func() { h.ledger.Close() })

	h.em = emergency.New(cfg.Emergency, cfg.PlatformDailyBudget, emergency.WithClock(clock))

	h.tracker, err = tracker.New(filepath.Join(dir, "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.tracker.Close() })

	h.audit, err = audit.New(cfg.Audit)
	require.NoError(t, err)
	t.Cleanup(func() { h.audit.Close() })

	deps := Deps{
		Config:    cfg,
		Registry:  reg,
		Ledger:    h.ledger,
		Provider:  h.provider,
		Emergency: h.em,
		Tracker:   h.tracker,
		Audit:     h.audit,
		Clock:     clock,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
	if withCache {
		c, err := cachepkg.New(filepath.Join(dir, "cache.db"), cfg.Cache.DefaultTTL, cachepkg.WithClock(clock))
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		deps.Cache = c
	}

	h.gw, err = New(deps)
	require.NoError(t, err)
	return h
}

func handout(i int) ChatRequest {
	return ChatRequest{
		App:      "handouts",
		UseCase:  models.UseCaseDocumentProcessing,
		Messages: []models.ChatMessage{{Role: "user", Content: fmt.Sprintf("Format handout %d for printing", i)}},
	}
}

func TestChatHourlyQuota(t *testing.T) {
	h := setup(t, false)
	ctx := context.Background()

	for i := 0; i < 300; i++ {
		if i > 0 && i%15 == 0 {
			h.advance(time.Minute)
		}
		res, err := h.gw.Chat(ctx, handout(i))
		require.NoError(t, err, "request %d", i)
		require.True(t, res.Success)
		assert.Equal(t, visionModel, res.Data.Model)
	}

	h.advance(time.Minute)
	res, err := h.gw.Chat(ctx, handout(300))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, models.CodeRateLimitExceeded, res.Error.Code)
	assert.Equal(t, models.WindowHour, res.Error.Window)
	assert.Equal(t, "app:handouts", res.Error.Scope)
	assert.Positive(t, res.Error.RetryAfter)

	day, err := h.ledger.Window(ctx, ledger.AppScope("handouts"), models.WindowDay, h.now)
	require.NoError(t, err)
	assert.EqualValues(t, 300, day.Requests)
	assert.InDelta(t, 300*10*0.00008, day.Cost, 1e-9)
	assert.Equal(t, 300, h.provider.count())

	report, err := h.gw.GetUsage(ctx, "handouts")
	require.NoError(t, err)
	assert.EqualValues(t, 300, report.Requests)
	assert.InDelta(t, 10-0.24, report.RemainingBudget, 1e-9)
	assert.Equal(t, models.BudgetHealthy, report.Status)
	require.Len(t, report.TopModels, 1)
	assert.Equal(t, models.TopModel{Model: visionModel, Count: 300}, report.TopModels[0])
}

func TestChatMaxTokensCappedAtModelLimit(t *testing.T) {
	h := setup(t, false)
	h.provider.billMax = true
	ctx := context.Background()

	req := handout(0)
	huge := 200000
	req.Config.MaxTokens = &huge
	res, err := h.gw.Chat(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, visionModel, res.Data.Model)
	assert.Equal(t, []int{2048}, h.provider.maxSent)

	day, err := h.ledger.Window(ctx, ledger.AppScope("handouts"), models.WindowDay, h.now)
	require.NoError(t, err)
	assert.InDelta(t, 2048*0.00008, day.Cost, 1e-9)

	report, err := h.gw.GetUsage(ctx, "handouts")
	require.NoError(t, err)
	assert.Less(t, report.Cost, report.Budget)
}

func TestChatSafetyBlockNeverDispatched(t *testing.T) {
	h := setup(t, false)
	ctx := context.Background()

	req := handout(0)
	req.Messages[0].Content = "My number is 123-45-6789"
	res, err := h.gw.Chat(ctx, req)
	require.Error(t, err)
	assert.Equal(t, models.CodeSafetyViolation, models.CodeOf(err))
	assert.False(t, res.Success)
	assert.Zero(t, h.provider.count())

	day, err := h.ledger.Window(ctx, ledger.AppScope("handouts"), models.WindowDay, h.now)
	require.NoError(t, err)
	assert.Zero(t, day.Requests)
	assert.Zero(t, day.Cost)

	entries, err := h.audit.Query(ctx, models.AuditQueryOpts{BlockedOnly: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "handouts", entries[0].App)
	assert.Empty(t, entries[0].Content)

	events, err := h.tracker.Query(ctx, "handouts", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.CodeSafetyViolation, events[0].ErrorCode)
}

func TestChatEmergencyStopAndRecovery(t *testing.T) {
	h := setup(t, false)
	ctx := context.Background()

	h.em.Observe(emergency.Outcome{At: h.now, Cost: 101, Success: true})
	h.em.Evaluate()

	_, err := h.gw.Chat(ctx, handout(0))
	require.Error(t, err)
	assert.Equal(t, models.CodeEmergencyStop, models.CodeOf(err))
	assert.Zero(t, h.provider.count())

	h.advance(15 * time.Minute)
	h.em.Evaluate()
	require.Equal(t, models.ModeRecovering, h.em.Mode())

	// Half of the app's 15 per minute.
	for i := 0; i < 7; i++ {
		_, err := h.gw.Chat(ctx, handout(i+1))
		require.NoError(t, err, "request %d", i)
	}
	_, err = h.gw.Chat(ctx, handout(100))
	require.Error(t, err)
	assert.Equal(t, models.CodeRateLimitExceeded, models.CodeOf(err))
	assert.Equal(t, models.WindowMinute, models.AsError(err).Window)
}

func TestChatServesCachedResponse(t *testing.T) {
	h := setup(t, true)
	ctx := context.Background()

	first, err := h.gw.Chat(ctx, handout(1))
	require.NoError(t, err)
	assert.False(t, first.Data.Cached)

	second, err := h.gw.Chat(ctx, handout(1))
	require.NoError(t, err)
	assert.True(t, second.Data.Cached)
	assert.Zero(t, second.Data.Cost)
	assert.Equal(t, first.Data.Content, second.Data.Content)
	assert.NotEqual(t, first.Data.RequestID, second.Data.RequestID)
	assert.Equal(t, 1, h.provider.count())

	skip := handout(1)
	skip.Config.SkipCache = true
	_, err = h.gw.Chat(ctx, skip)
	require.NoError(t, err)
	assert.Equal(t, 2, h.provider.count())

	clinical := handout(1)
	clinical.Config.Clinical = true
	res, err := h.gw.Chat(ctx, clinical)
	require.NoError(t, err)
	assert.False(t, res.Data.Cached, "clinical request must not reuse a non-clinical answer")
	assert.Equal(t, 3, h.provider.count())

	res, err = h.gw.Chat(ctx, clinical)
	require.NoError(t, err)
	assert.True(t, res.Data.Cached)
	assert.Equal(t, 3, h.provider.count())
}

func TestChatAuditedUseCaseNotCached(t *testing.T) {
	h := setup(t, true)
	ctx := context.Background()

	req := ChatRequest{
		App:      "ai-receptionist",
		UseCase:  models.UseCasePatientCommunication,
		Messages: []models.ChatMessage{{Role: "user", Content: "Draft a reminder about sunscreen"}},
	}
	for i := 0; i < 2; i++ {
		res, err := h.gw.Chat(ctx, req)
		require.NoError(t, err)
		assert.False(t, res.Data.Cached)
	}
	assert.Equal(t, 2, h.provider.count())

	entries, err := h.audit.Query(ctx, models.AuditQueryOpts{App: "ai-receptionist"})
	require.NoError(t, err)
	assert.Len(t, entries, 4, "request and response are audited for each call")
}

func TestChatFailsOverToNextModel(t *testing.T) {
	h := setup(t, false)
	h.provider.fail = map[string]models.Code{visionModel: models.CodeModelUnavailable}

	res, err := h.gw.Chat(context.Background(), handout(1))
	require.NoError(t, err)
	assert.Equal(t, "bge-m3", res.Data.Model)
	assert.Equal(t, []string{visionModel, "bge-m3"}, h.provider.calls)
	assert.InDelta(t, 10*0.00002, res.Data.Cost, 1e-12)
}

func TestChatValidation(t *testing.T) {
	h := setup(t, false)
	tests := []struct {
		name string
		req  ChatRequest
		want models.Code
	}{
		{"missing app", ChatRequest{UseCase: models.UseCaseDocumentProcessing, Messages: handout(1).Messages}, models.CodeAuthenticationRequired},
		{"unknown app", ChatRequest{App: "nope", UseCase: models.UseCaseDocumentProcessing, Messages: handout(1).Messages}, models.CodeInvalidRequest},
		{"no messages", ChatRequest{App: "handouts", UseCase: models.UseCaseDocumentProcessing}, models.CodeInvalidRequest},
		{"unknown use case", ChatRequest{App: "handouts", UseCase: "telepathy", Messages: handout(1).Messages}, models.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.gw.Chat(context.Background(), tt.req)
			require.Error(t, err)
			require.NotNil(t, res)
			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.Error.Code)
		})
	}
	assert.Zero(t, h.provider.count())
}

func TestGetUsagePlatform(t *testing.T) {
	h := setup(t, false)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.gw.Chat(ctx, handout(i))
		require.NoError(t, err)
	}
	_, err := h.gw.Chat(ctx, ChatRequest{
		App:      "inventory",
		UseCase:  models.UseCaseBusinessIntelligence,
		Messages: []models.ChatMessage{{Role: "user", Content: "Which supplies ran low this week"}},
	})
	require.NoError(t, err)

	report, err := h.gw.GetUsage(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, report.Requests)
	assert.Equal(t, 200.0, report.Budget)
	assert.Len(t, report.TopModels, 2)

	_, err = h.gw.GetUsage(ctx, "nope")
	assert.Equal(t, models.CodeInvalidRequest, models.CodeOf(err))
}

func TestCheckSafety(t *testing.T) {
	h := setup(t, false)
	v := h.gw.CheckSafety("Please summarize the attached handout about sunscreen use.", models.SafetyContext{})
	assert.False(t, v.Blocked)
	assert.Equal(t, 1.0, v.Score)

	v = h.gw.CheckSafety("My number is 123-45-6789", models.SafetyContext{})
	assert.True(t, v.Blocked)
	assert.True(t, v.ContainsPHI)
}

func TestMaintain(t *testing.T) {
	h := setup(t, true)
	ctx := context.Background()
	_, err := h.gw.Chat(ctx, handout(1))
	require.NoError(t, err)

	h.advance(3 * time.Hour)
	require.NoError(t, h.gw.Maintain(ctx))
}
