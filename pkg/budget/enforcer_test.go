package budget

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ganger-platform/aigateway/pkg/ledger"
	"github.com/ganger-platform/aigateway/pkg/models"
)

type fakeEmergency struct {
	mode   models.EmergencyMode
	factor float64
}

func (f *fakeEmergency) Mode() models.EmergencyMode { return f.mode }
func (f *fakeEmergency) LimitFactor() float64       { return f.factor }

var (
	start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	testApp = models.AppProfile{
		Name: "handouts",
		RateLimit: models.RateLimit{
			RequestsPerMinute: 4, RequestsPerHour: 10, DailyRequestLimit: 20, DailyBudget: 1,
		},
	}
	cheap = models.ModelDescriptor{
		ID: "cheap", MaxTokens: 100, CostPerToken: 0.001, Tier: 1, HIPAACompliant: true,
		RateLimit: models.RateLimit{RequestsPerMinute: 2, RequestsPerHour: 100, DailyRequestLimit: 100, DailyBudget: 10, CooldownMs: 1500},
	}
	backup = models.ModelDescriptor{
		ID: "backup", MaxTokens: 100, CostPerToken: 0.001, Tier: 2, HIPAACompliant: true,
		RateLimit: models.RateLimit{RequestsPerMinute: 100, RequestsPerHour: 100, DailyRequestLimit: 100, DailyBudget: 10},
	}
)

func setup(t *testing.T, em Emergency) (*Enforcer, *ledger.Ledger, *time.Time) {
	t.Helper()
	store, err := ledger.NewSQLite(filepath.Join(t.TempDir(), "budget_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	now := start
	clock := func() time.Time { return now }
	l := ledger.New(store, ledger.WithClock(clock))
	t.Cleanup(func() { l.Close() })
	return New(l, []models.AppProfile{testApp}, em, WithClock(clock)), l, &now
}

func envelope(id string) *models.RequestEnvelope {
	return &models.RequestEnvelope{RequestID: id, AppName: "handouts", UseCase: models.UseCaseDocumentProcessing}
}

func windowCount(t *testing.T, l *ledger.Ledger, scope string, kind models.WindowKind, at time.Time) int64 {
	t.Helper()
	c, err := l.Window(context.Background(), scope, kind, at)
	if err != nil {
		t.Fatal(err)
	}
	return c.Requests
}

func TestAdmitReservesSixWindows(t *testing.T) {
	e, l, _ := setup(t, nil)
	ctx := context.Background()

	adm, err := e.Admit(ctx, envelope("r1"), []models.ModelDescriptor{cheap})
	if err != nil {
		t.Fatal(err)
	}
	if adm.Model.ID != "cheap" {
		t.Errorf("expected cheap, got %s", adm.Model.ID)
	}
	// Three app windows, three model windows and the platform day.
	if len(adm.Reservation.Keys) != 7 {
		t.Errorf("expected 7 reserved windows, got %d", len(adm.Reservation.Keys))
	}
	for _, kind := range models.WindowKinds {
		if n := windowCount(t, l, ledger.AppScope("handouts"), kind, start); n != 1 {
			t.Errorf("app %s: expected 1, got %d", kind, n)
		}
		if n := windowCount(t, l, ledger.ModelScope("cheap"), kind, start); n != 1 {
			t.Errorf("model %s: expected 1, got %d", kind, n)
		}
	}
}

func TestAdmitFallsBackOnModelDenial(t *testing.T) {
	e, l, _ := setup(t, nil)
	ctx := context.Background()
	candidates := []models.ModelDescriptor{cheap, backup}

	for i, want := range []string{"cheap", "cheap", "backup"} {
		adm, err := e.Admit(ctx, envelope(string(rune('a'+i))), candidates)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if adm.Model.ID != want {
			t.Errorf("request %d: expected %s, got %s", i, want, adm.Model.ID)
		}
	}
	// The denied cheap reservation must not leave charges on the app scope.
	if n := windowCount(t, l, ledger.AppScope("handouts"), models.WindowMinute, start); n != 3 {
		t.Errorf("expected 3 app requests, got %d", n)
	}
	if n := windowCount(t, l, ledger.ModelScope("cheap"), models.WindowMinute, start); n != 2 {
		t.Errorf("expected 2 cheap requests, got %d", n)
	}
}

func TestAdmitModelDeniedEverywhere(t *testing.T) {
	e, l, _ := setup(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := e.Admit(ctx, envelope(string(rune('a'+i))), []models.ModelDescriptor{cheap}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := e.Admit(ctx, envelope("c"), []models.ModelDescriptor{cheap})
	var gwErr *models.Error
	if !errors.As(err, &gwErr) || gwErr.Code != models.CodeRateLimitExceeded {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %v", err)
	}
	if gwErr.Window != models.WindowMinute {
		t.Errorf("expected minute window, got %s", gwErr.Window)
	}
	if gwErr.RetryAfter != 60 {
		t.Errorf("expected 60s retry, got %d", gwErr.RetryAfter)
	}
	if n := windowCount(t, l, ledger.AppScope("handouts"), models.WindowDay, start); n != 2 {
		t.Errorf("expected no partial app charge, got %d", n)
	}
}

func TestAdmitAppDenialStops(t *testing.T) {
	e, _, now := setup(t, nil)
	ctx := context.Background()
	candidates := []models.ModelDescriptor{backup}

	for i := 0; i < 4; i++ {
		if _, err := e.Admit(ctx, envelope(string(rune('a'+i))), candidates); err != nil {
			t.Fatal(err)
		}
	}
	*now = start.Add(59 * time.Second)
	_, err := e.Admit(ctx, envelope("e"), candidates)
	gwErr := models.AsError(err)
	if gwErr == nil || gwErr.Code != models.CodeRateLimitExceeded {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %v", err)
	}
	if gwErr.Scope != ledger.AppScope("handouts") {
		t.Errorf("expected app scope, got %s", gwErr.Scope)
	}
	if gwErr.RetryAfter != 1 {
		t.Errorf("expected 1s retry, got %d", gwErr.RetryAfter)
	}

	*now = start.Add(time.Minute)
	if _, err := e.Admit(ctx, envelope("f"), candidates); err != nil {
		t.Errorf("expected admission in the next minute, got %v", err)
	}
}

func TestAdmitRetryAfterHonorsCooldown(t *testing.T) {
	e, _, now := setup(t, nil)
	ctx := context.Background()
	*now = start.Add(59*time.Second + 500*time.Millisecond)

	for i := 0; i < 2; i++ {
		if _, err := e.Admit(ctx, envelope(string(rune('a'+i))), []models.ModelDescriptor{cheap}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := e.Admit(ctx, envelope("c"), []models.ModelDescriptor{cheap})
	if got := models.AsError(err).RetryAfter; got != 2 {
		t.Errorf("expected cooldown of 2s, got %d", got)
	}
}

func TestAdmitBudgetExceeded(t *testing.T) {
	e, _, _ := setup(t, nil)
	ctx := context.Background()
	pricey := backup
	pricey.ID = "pricey"
	pricey.CostPerToken = 0.004 // 0.4 per request

	for i := 0; i < 2; i++ {
		if _, err := e.Admit(ctx, envelope(string(rune('a'+i))), []models.ModelDescriptor{pricey}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := e.Admit(ctx, envelope("c"), []models.ModelDescriptor{pricey})
	gwErr := models.AsError(err)
	if gwErr == nil || gwErr.Code != models.CodeBudgetExceeded {
		t.Fatalf("expected BUDGET_EXCEEDED, got %v", err)
	}
	if gwErr.Limit != 1 {
		t.Errorf("expected limit 1, got %v", gwErr.Limit)
	}
	if gwErr.CurrentUsage < 0.79 || gwErr.CurrentUsage > 0.81 {
		t.Errorf("expected current usage 0.8, got %v", gwErr.CurrentUsage)
	}
}

func TestAdmitEmergencyStop(t *testing.T) {
	em := &fakeEmergency{mode: models.ModeSuspended}
	e, l, _ := setup(t, em)

	_, err := e.Admit(context.Background(), envelope("a"), []models.ModelDescriptor{cheap})
	if models.CodeOf(err) != models.CodeEmergencyStop {
		t.Fatalf("expected EMERGENCY_STOP, got %v", err)
	}
	if n := windowCount(t, l, ledger.AppScope("handouts"), models.WindowDay, start); n != 0 {
		t.Errorf("expected no ledger mutation, got %d", n)
	}
}

func TestAdmitRecoveringHalvesLimits(t *testing.T) {
	em := &fakeEmergency{mode: models.ModeRecovering, factor: 0.5}
	e, _, _ := setup(t, em)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := e.Admit(ctx, envelope(string(rune('a'+i))), []models.ModelDescriptor{backup}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := e.Admit(ctx, envelope("c"), []models.ModelDescriptor{backup})
	if models.CodeOf(err) != models.CodeRateLimitExceeded {
		t.Fatalf("expected rpm 4 scaled to 2, got %v", err)
	}
}

func TestAdmitUnknownApp(t *testing.T) {
	e, _, _ := setup(t, nil)
	env := envelope("a")
	env.AppName = "nope"
	_, err := e.Admit(context.Background(), env, []models.ModelDescriptor{cheap})
	if models.CodeOf(err) != models.CodeInvalidRequest {
		t.Errorf("expected INVALID_REQUEST, got %v", err)
	}
	if !errors.Is(err, ErrUnknownApp) {
		t.Errorf("expected ErrUnknownApp in chain, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	e, l, _ := setup(t, nil)
	ctx := context.Background()

	adm, err := e.Admit(ctx, envelope("a"), []models.ModelDescriptor{backup})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.RecordActual(ctx, adm.Reservation, 0.8); err != nil {
		t.Fatal(err)
	}

	st, err := e.Status(ctx, "handouts")
	if err != nil {
		t.Fatal(err)
	}
	if st.RequestsToday != 1 {
		t.Errorf("expected 1 request, got %d", st.RequestsToday)
	}
	if st.RemainingBudget < 0.19 || st.RemainingBudget > 0.21 {
		t.Errorf("expected 0.2 remaining, got %v", st.RemainingBudget)
	}
	if st.Level != models.BudgetWarning {
		t.Errorf("expected warning level, got %s", st.Level)
	}
}
