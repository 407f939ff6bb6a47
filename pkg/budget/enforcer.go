// Package budget admits requests against per-app and per-model rate limits and
// daily budgets recorded in the usage ledger.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ganger-platform/aigateway/pkg/ledger"
	"github.com/ganger-platform/aigateway/pkg/models"
)

// ErrUnknownApp is returned when a request names an app without a profile.
var ErrUnknownApp = errors.New("unknown app")

// Emergency exposes the platform circuit breaker to admission.
type Emergency interface {
	Mode() models.EmergencyMode
	LimitFactor() float64
}

// Admission is a successful admit: the model to dispatch to and what was reserved for it.
type Admission struct {
	Model       models.ModelDescriptor
	Reservation *ledger.Reservation
}

// Enforcer checks every candidate against six ledger windows before dispatch.
type Enforcer struct {
	ledger    *ledger.Ledger
	apps      map[string]models.AppProfile
	emergency Emergency
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithClock overrides the admission clock.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = logger }
}

// New creates an Enforcer. em may be nil, in which case traffic is never suspended.
func New(l *ledger.Ledger, apps []models.AppProfile, em Emergency, opts ...Option) *Enforcer {
	e := &Enforcer{
		ledger:    l,
		apps:      make(map[string]models.AppProfile, len(apps)),
		emergency: em,
		now:       time.Now,
	}
	for _, a := range apps {
		e.apps[a.Name] = a
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "budget")
	return e
}

// App returns the profile for name.
func (e *Enforcer) App(name string) (models.AppProfile, bool) {
	a, ok := e.apps[name]
	return a, ok
}

// Admit walks candidates in order and reserves the first one whose app and
// model windows all have room. A model-scope denial moves on to the next
// candidate; an app-scope denial or emergency stop ends admission. Nothing
// stays charged for a denied candidate.
func (e *Enforcer) Admit(ctx context.Context, env *models.RequestEnvelope, candidates []models.ModelDescriptor) (*Admission, error) {
	factor := 1.0
	if e.emergency != nil {
		switch e.emergency.Mode() {
		case models.ModeSuspended:
			return nil, models.NewError(models.CodeEmergencyStop, nil)
		case models.ModeRecovering:
			factor = e.emergency.LimitFactor()
		}
	}

	app, ok := e.apps[env.AppName]
	if !ok {
		return nil, models.NewError(models.CodeInvalidRequest, fmt.Errorf("%w: %q", ErrUnknownApp, env.AppName))
	}
	if len(candidates) == 0 {
		return nil, models.NewError(models.CodeModelUnavailable, nil)
	}

	at := e.now()
	var lastErr error
	for _, m := range candidates {
		res := &ledger.Reservation{
			ID:       fmt.Sprintf("%s/%d/%s", env.RequestID, env.AttemptCount, m.ID),
			Estimate: m.EstimatedCost(),
		}

		err := e.reserveScope(ctx, res, ledger.AppScope(app.Name), app.RateLimit, factor, at)
		if err != nil {
			return nil, err
		}
		err = e.reserveScope(ctx, res, ledger.ModelScope(m.ID), m.RateLimit, factor, at)
		if err != nil {
			if models.CodeOf(err) == models.CodeUnknownError {
				return nil, err
			}
			e.logger.Debug("model denied, trying next candidate",
				"request_id", env.RequestID, "model", m.ID, "error", err)
			lastErr = err
			continue
		}
		// Platform totals are unbounded here; the emergency controller owns that limit.
		d, key, err := e.ledger.CheckAndReserve(ctx, ledger.PlatformScope, models.WindowDay, at, ledger.Limit{}, res.Estimate)
		if err != nil {
			e.release(ctx, res)
			return nil, models.NewError(models.CodeUnknownError, err)
		}
		if d.Admitted {
			res.Keys = append(res.Keys, key)
		}

		env.ResolvedModel = m.ID
		env.Status = models.StatusAdmitted
		return &Admission{Model: m, Reservation: res}, nil
	}
	return nil, lastErr
}

// reserveScope runs the minute, hour and day checks for one scope. On denial it
// releases everything res holds so far and returns the typed error.
func (e *Enforcer) reserveScope(ctx context.Context, res *ledger.Reservation, scope string, rl models.RateLimit, factor float64, at time.Time) error {
	for _, kind := range models.WindowKinds {
		limit := scaled(limitFor(rl, kind), factor)
		d, key, err := e.ledger.CheckAndReserve(ctx, scope, kind, at, limit, res.Estimate)
		if err != nil {
			e.release(ctx, res)
			return models.NewError(models.CodeUnknownError, err)
		}
		if !d.Admitted {
			e.release(ctx, res)
			return e.denial(scope, kind, key, rl, limit, d, at)
		}
		res.Keys = append(res.Keys, key)
	}
	return nil
}

func (e *Enforcer) release(ctx context.Context, res *ledger.Reservation) {
	if len(res.Keys) == 0 {
		return
	}
	if err := e.ledger.Release(ctx, res); err != nil {
		e.logger.Error("release partial reservation", "reservation", res.ID, "error", err)
	}
	res.Keys = nil
}

func (e *Enforcer) denial(scope string, kind models.WindowKind, key ledger.Key, rl models.RateLimit, limit ledger.Limit, d ledger.Decision, at time.Time) error {
	if d.Reason == ledger.DenyCost {
		err := models.NewError(models.CodeBudgetExceeded, nil)
		err.CurrentUsage = d.Counter.Cost
		err.Limit = limit.MaxCost
		err.Window = kind
		err.Scope = scope
		return err
	}

	wait := int(math.Ceil(key.EndTime().Sub(at).Seconds()))
	if cooldown := int(math.Ceil(float64(rl.CooldownMs) / 1000)); wait < cooldown {
		wait = cooldown
	}
	if wait < 1 {
		wait = 1
	}
	err := models.NewError(models.CodeRateLimitExceeded, nil)
	err.RetryAfter = wait
	err.Window = kind
	err.Scope = scope
	return err
}

func limitFor(rl models.RateLimit, kind models.WindowKind) ledger.Limit {
	switch kind {
	case models.WindowMinute:
		return ledger.Limit{MaxRequests: int64(rl.RequestsPerMinute)}
	case models.WindowHour:
		return ledger.Limit{MaxRequests: int64(rl.RequestsPerHour)}
	default:
		return ledger.Limit{MaxRequests: int64(rl.DailyRequestLimit), MaxCost: rl.DailyBudget}
	}
}

// scaled applies a recovery factor. Request limits never drop below one.
func scaled(l ledger.Limit, factor float64) ledger.Limit {
	if factor >= 1 || factor <= 0 {
		return l
	}
	if l.MaxRequests > 0 {
		l.MaxRequests = int64(math.Floor(float64(l.MaxRequests) * factor))
		if l.MaxRequests < 1 {
			l.MaxRequests = 1
		}
	}
	if l.MaxCost > 0 {
		l.MaxCost *= factor
	}
	return l
}

// Status reports today's usage for an app against its daily limits.
func (e *Enforcer) Status(ctx context.Context, appName string) (models.BudgetStatus, error) {
	app, ok := e.apps[appName]
	if !ok {
		return models.BudgetStatus{}, fmt.Errorf("%w: %q", ErrUnknownApp, appName)
	}
	scope := ledger.AppScope(app.Name)
	r, err := e.ledger.RollingUsage(ctx, scope, e.now())
	if err != nil {
		return models.BudgetStatus{}, fmt.Errorf("budget status: %w", err)
	}
	remaining := app.DailyBudget() - r.CostToday
	if remaining < 0 {
		remaining = 0
	}
	return models.BudgetStatus{
		Scope:           scope,
		RequestsToday:   r.RequestsToday,
		RequestLimit:    app.RateLimit.DailyRequestLimit,
		CostToday:       r.CostToday,
		DailyBudget:     app.DailyBudget(),
		RemainingBudget: remaining,
		Level:           models.LevelFor(r.CostToday, app.DailyBudget()),
	}, nil
}
