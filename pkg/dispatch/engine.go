package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ganger-platform/aigateway/pkg/budget"
	"github.com/ganger-platform/aigateway/pkg/ledger"
	"github.com/ganger-platform/aigateway/pkg/metrics"
	"github.com/ganger-platform/aigateway/pkg/models"
	"github.com/ganger-platform/aigateway/pkg/provider"
	"github.com/ganger-platform/aigateway/pkg/router"
)

// Router selects candidate models.
type Router interface {
	SelectCandidates(useCase models.UseCase, clinical bool, exclude ...string) ([]models.ModelDescriptor, error)
}

// Admitter reserves ledger capacity for one candidate.
type Admitter interface {
	Admit(ctx context.Context, env *models.RequestEnvelope, candidates []models.ModelDescriptor) (*budget.Admission, error)
}

// Settler reconciles or returns a reservation.
type Settler interface {
	RecordActual(ctx context.Context, r *ledger.Reservation, actualCost float64) error
	Release(ctx context.Context, r *ledger.Reservation) error
}

// Observation is one finished provider call.
type Observation struct {
	Model   string
	Cost    float64
	Success bool
	At      time.Time
}

// Result is a successful dispatch.
type Result struct {
	Model      models.ModelDescriptor
	Completion *provider.Result
	Cost       float64
	Attempts   int
}

// Engine runs the route, admit, dispatch and retry loop.
type Engine struct {
	router   Router
	admitter Admitter
	settler  Settler
	provider provider.Provider
	policy   Policy
	sleep    func(ctx context.Context, d time.Duration) error
	observe func(Observation)
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithObserver is called after every provider call.
func WithObserver(fn func(Observation)) Option {
	return func(e *Engine) { e.observe = fn }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an Engine.
func New(r Router, a Admitter, s Settler, p provider.Provider, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		router:   r,
		admitter: a,
		settler:  s,
		provider: p,
		policy:   policy,
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "dispatch")
	return e
}

// Run dispatches env until it succeeds or fails terminally. Admission denials
// return as-is and are never retried here. Each attempt settles its own
// reservation: success records the actual cost, failure releases it.
func (e *Engine) Run(ctx context.Context, env *models.RequestEnvelope) (*Result, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		candidates, err := e.router.SelectCandidates(env.UseCase, env.Clinical(), env.Tried...)
		if err != nil {
			env.Status = models.StatusFailed
			if router.IsConfigError(err) {
				e.logger.Error("routing misconfigured", "use_case", env.UseCase, "error", err)
				return nil, models.NewError(models.CodeInvalidRequest, err)
			}
			if lastErr != nil {
				err = fmt.Errorf("%w (last attempt: %v)", err, lastErr)
			}
			return nil, models.NewError(models.CodeModelUnavailable, err)
		}

		adm, err := e.admitter.Admit(ctx, env, candidates)
		if err != nil {
			env.Status = deniedStatus(err)
			return nil, models.AsError(err)
		}

		if err := ctx.Err(); err != nil {
			e.release(ctx, adm.Reservation)
			env.Status = models.StatusFailed
			return nil, contextError(err)
		}

		model := adm.Model
		env.AttemptCount++
		env.Tried = append(env.Tried, model.ID)

		res, err := e.provider.Complete(ctx, models.ChatCompletionRequest{
			Model:       model.ID,
			Messages:    env.Messages,
			Temperature: env.Config.Temperature,
			MaxTokens:   maxTokens(env.Config.MaxTokens, model),
		})
		if err == nil {
			cost := float64(res.Usage.TotalTokens) * model.CostPerToken
			if err := e.settler.RecordActual(context.WithoutCancel(ctx), adm.Reservation, cost); err != nil && !errors.Is(err, ledger.ErrAlreadySettled) {
				e.logger.Error("record actual cost", "request_id", env.RequestID, "model", model.ID, "error", err)
			}
			e.record(model.ID, cost, true, "ok")
			env.Status = models.StatusSucceeded
			return &Result{Model: model, Completion: res, Cost: cost, Attempts: env.AttemptCount}, nil
		}

		// Failed calls produce no billable tokens.
		e.release(ctx, adm.Reservation)
		code := models.CodeOf(err)
		e.record(model.ID, 0, false, string(code))
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			env.Status = models.StatusFailed
			return nil, contextError(ctxErr)
		}

		act := Next(e.policy, attempt, model.ID, err)
		if act.Verdict == Fail {
			env.Status = models.StatusFailed
			e.logger.Warn("dispatch failed",
				"request_id", env.RequestID, "model", model.ID, "attempts", env.AttemptCount, "code", code)
			if code.Transient() {
				return nil, models.NewError(models.CodeModelUnavailable,
					fmt.Errorf("no model succeeded after %d attempts: %w", env.AttemptCount, err))
			}
			return nil, models.AsError(err)
		}

		env.Status = models.StatusRetrying
		e.logger.Info("retrying on another model",
			"request_id", env.RequestID, "failed_model", act.Exclude, "code", code, "delay", act.Delay)
		if err := e.sleep(ctx, act.Delay); err != nil {
			env.Status = models.StatusFailed
			return nil, contextError(err)
		}
	}
}

func (e *Engine) release(ctx context.Context, r *ledger.Reservation) {
	if err := e.settler.Release(context.WithoutCancel(ctx), r); err != nil && !errors.Is(err, ledger.ErrAlreadySettled) {
		e.logger.Error("release reservation", "reservation", r.ID, "error", err)
	}
}

func (e *Engine) record(model string, cost float64, ok bool, outcome string) {
	metrics.DispatchAttempts.WithLabelValues(model, outcome).Inc()
	if e.observe != nil {
		e.observe(Observation{Model: model, Cost: cost, Success: ok, At: e.now()})
	}
}

// maxTokens caps the completion at the model limit the reservation was sized on.
func maxTokens(requested *int, m models.ModelDescriptor) *int {
	n := m.MaxTokens
	if requested != nil && *requested > 0 && *requested < n {
		n = *requested
	}
	return &n
}

func deniedStatus(err error) models.RequestStatus {
	switch models.CodeOf(err) {
	case models.CodeRateLimitExceeded:
		return models.StatusRateLimited
	case models.CodeBudgetExceeded:
		return models.StatusBudgetExceeded
	}
	return models.StatusFailed
}

func contextError(err error) *models.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.CodeTimeoutError, err)
	}
	return models.NewError(models.CodeUnknownError, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
