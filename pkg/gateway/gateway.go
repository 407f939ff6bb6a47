// Package gateway is the entry point applications call: chat, usage and
// safety checks, with every request governed by the ledger and the platform
// circuit breaker.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ganger-platform/aigateway/pkg/audit"
	"github.com/ganger-platform/aigateway/pkg/budget"
	cachepkg "github.com/ganger-platform/aigateway/pkg/cache/sqlite"
	"github.com/ganger-platform/aigateway/pkg/config"
	"github.com/ganger-platform/aigateway/pkg/dispatch"
	"github.com/ganger-platform/aigateway/pkg/emergency"
	"github.com/ganger-platform/aigateway/pkg/ledger"
	"github.com/ganger-platform/aigateway/pkg/metrics"
	"github.com/ganger-platform/aigateway/pkg/models"
	"github.com/ganger-platform/aigateway/pkg/provider"
	"github.com/ganger-platform/aigateway/pkg/registry"
	"github.com/ganger-platform/aigateway/pkg/router"
	"github.com/ganger-platform/aigateway/pkg/safety"
	"github.com/ganger-platform/aigateway/pkg/tracker"
)

const topModelCount = 5

// Deps are the collaborators a Gateway is built from. Tracker, Cache and
// Audit are optional.
type Deps struct {
	Config    *config.Config
	Registry  *registry.Registry
	Ledger    *ledger.Ledger
	Provider  provider.Provider
	Emergency *emergency.Controller
	Tracker   tracker.Tracker
	Cache     *cachepkg.Cache
	Audit     audit.Sink
	Logger    *slog.Logger
	// Clock and Sleep default to the wall clock.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway wires the registry, router, enforcer, safety gate and dispatch engine.
type Gateway struct {
	cfg       *config.Config
	registry  *registry.Registry
	ledger    *ledger.Ledger
	enforcer  *budget.Enforcer
	engine    *dispatch.Engine
	gate      *safety.Gate
	emergency *emergency.Controller
	tracker   tracker.Tracker
	cache     *cachepkg.Cache
	audit     audit.Sink
	now       func() time.Time
	logger    *slog.Logger
}

// New builds a Gateway.
func New(d Deps) (*Gateway, error) {
	if d.Config == nil || d.Registry == nil || d.Ledger == nil || d.Provider == nil || d.Emergency == nil {
		return nil, errors.New("gateway: config, registry, ledger, provider and emergency are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := d.Clock
	if now == nil {
		now = time.Now
	}

	enforcer := budget.New(d.Ledger, d.Config.Apps, d.Emergency,
		budget.WithClock(now), budget.WithLogger(logger))

	opts := []dispatch.Option{
		dispatch.WithClock(now),
		dispatch.WithLogger(logger),
		dispatch.WithObserver(func(o dispatch.Observation) {
			d.Emergency.Observe(emergency.Outcome{At: o.At, Cost: o.Cost, Success: o.Success})
		}),
	}
	if d.Sleep != nil {
		opts = append(opts, dispatch.WithSleep(d.Sleep))
	}
	engine := dispatch.New(router.New(d.Registry), enforcer, d.Ledger, d.Provider,
		dispatch.PolicyFrom(d.Config.Retry), opts...)

	g := &Gateway{
		cfg:       d.Config,
		registry:  d.Registry,
		ledger:    d.Ledger,
		enforcer:  enforcer,
		engine:    engine,
		gate:      safety.New(d.Config.Safety, logger),
		emergency: d.Emergency,
		tracker:   d.Tracker,
		cache:     d.Cache,
		audit:     d.Audit,
		now:       now,
		logger:    logger.With("component", "gateway"),
	}
	if !d.Config.Cache.Enabled {
		g.cache = nil
	}
	return g, nil
}

// ChatRequest is one call to Chat.
type ChatRequest struct {
	App      string               `json:"app"`
	UseCase  models.UseCase       `json:"use_case"`
	Messages []models.ChatMessage `json:"messages"`
	Config   models.ChatConfig    `json:"config"`
}

// Chat screens, routes, admits and dispatches one chat request. The result is
// never nil; when err is non-nil it is the *models.Error also set on the result.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (*models.ChatResult, error) {
	start := g.now()
	env := &models.RequestEnvelope{
		RequestID:   uuid.NewString(),
		AppName:     req.App,
		UseCase:     req.UseCase,
		Messages:    req.Messages,
		Config:      req.Config,
		RequestedAt: start,
		Status:      models.StatusPending,
	}

	data, err := g.chat(ctx, env)
	metrics.Requests.WithLabelValues(env.AppName, string(env.UseCase), string(env.Status)).Inc()
	metrics.RequestDuration.WithLabelValues(env.AppName).Observe(g.now().Sub(start).Seconds())

	res := &models.ChatResult{Success: err == nil, Data: data, Usage: g.snapshot(ctx, env.AppName)}
	if err != nil {
		e := models.AsError(err)
		res.Error = e
		return res, e
	}
	return res, nil
}

func (g *Gateway) chat(ctx context.Context, env *models.RequestEnvelope) (*models.ChatData, error) {
	app, err := g.validate(env)
	if err != nil {
		env.Status = models.StatusFailed
		return nil, err
	}

	prompt := joinContent(env.Messages)
	sc := models.SafetyContext{App: env.AppName, UseCase: env.UseCase, Direction: "request"}
	if env.Clinical() {
		sc.Compliance = models.ComplianceStrict
	}
	pre := g.screen(ctx, env, prompt, sc, "")
	if pre.Blocked {
		env.Status = models.StatusSafetyBlocked
		g.track(ctx, env, nil, 0, pre, models.CodeSafetyViolation)
		return nil, models.NewError(models.CodeSafetyViolation, fmt.Errorf("request scored %.2f: %s", pre.Score, strings.Join(pre.Flags, ",")))
	}

	cacheable := g.cache != nil && !env.Config.SkipCache && !g.gate.AuditRequired(env.UseCase) && !pre.ContainsPHI
	var key string
	if cacheable {
		key = cachepkg.Key(env.AppName, env.UseCase, env.Messages, env.Config)
		if data, ok := g.cached(key); ok {
			env.Status = models.StatusSucceeded
			data.RequestID = env.RequestID
			return data, nil
		}
	}

	started := g.now()
	out, err := g.engine.Run(ctx, env)
	if err != nil {
		if e := models.AsError(err); e.Scope != "" || e.Code == models.CodeEmergencyStop {
			metrics.AdmissionDenials.WithLabelValues(scopeKind(e.Scope), string(e.Code)).Inc()
		}
		g.track(ctx, env, nil, g.now().Sub(started), pre, models.CodeOf(err))
		return nil, err
	}
	elapsed := g.now().Sub(started)
	metrics.Cost.WithLabelValues(env.AppName, out.Model.ID).Add(out.Cost)

	content := out.Completion.Response.Content()
	flags := append([]string{}, pre.Flags...)
	post := models.SafetyVerdict{Score: 1}
	if g.gate.ScreenResponses() {
		rsc := sc
		rsc.Direction = "response"
		post = g.screen(ctx, env, content, rsc, out.Model.ID)
		if post.Blocked {
			env.Status = models.StatusSafetyBlocked
			g.track(ctx, env, out, elapsed, post, models.CodeSafetyViolation)
			return nil, models.NewError(models.CodeSafetyViolation, fmt.Errorf("response scored %.2f: %s", post.Score, strings.Join(post.Flags, ",")))
		}
		flags = appendUnique(flags, post.Flags...)
	}

	data := &models.ChatData{
		RequestID: env.RequestID,
		Model:     out.Model.ID,
		Content:   content,
		Tokens:    out.Completion.Usage.TotalTokens,
		Cost:      out.Cost,
	}
	if len(flags) > 0 {
		data.SafetyFlags = flags
	}

	verdict := pre
	if post.Score < verdict.Score {
		verdict.Score = post.Score
	}
	verdict.ContainsPHI = pre.ContainsPHI || post.ContainsPHI
	g.track(ctx, env, out, elapsed, verdict, "")

	if cacheable && !post.ContainsPHI {
		g.store(key, app, data)
	}
	return data, nil
}

// validate checks the caller and request shape before anything is charged.
func (g *Gateway) validate(env *models.RequestEnvelope) (models.AppProfile, error) {
	if env.AppName == "" {
		return models.AppProfile{}, models.NewError(models.CodeAuthenticationRequired, errors.New("missing app"))
	}
	app, ok := g.enforcer.App(env.AppName)
	if !ok {
		return models.AppProfile{}, models.NewError(models.CodeInvalidRequest, fmt.Errorf("%w: %q", budget.ErrUnknownApp, env.AppName))
	}
	if len(env.Messages) == 0 {
		return app, models.NewError(models.CodeInvalidRequest, errors.New("no messages"))
	}
	if _, err := g.registry.ModelsForCapability(env.UseCase); err != nil {
		return app, models.NewError(models.CodeInvalidRequest, err)
	}
	return app, nil
}

// screen runs the safety gate and writes the audit entry when one is due.
func (g *Gateway) screen(ctx context.Context, env *models.RequestEnvelope, content string, sc models.SafetyContext, model string) models.SafetyVerdict {
	v := g.gate.Screen(content, sc)
	metrics.SafetyScore.WithLabelValues(sc.Direction).Observe(v.Score)
	if g.audit == nil || !(v.AuditRequired || g.cfg.Audit.LogAll) || !g.cfg.Audit.Enabled {
		return v
	}
	entry := audit.Entry(g.cfg.Audit, content, v, sc)
	entry.RequestID = env.RequestID
	entry.Model = model
	entry.CreatedAt = g.now()
	if err := g.audit.Write(ctx, entry); err != nil {
		g.logger.Error("write audit entry", "request_id", env.RequestID, "error", err)
	}
	return v
}

func (g *Gateway) cached(key string) (*models.ChatData, bool) {
	raw, ok := g.cache.Get(key)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	var data models.ChatData
	if err := json.Unmarshal(raw, &data); err != nil {
		g.logger.Warn("discarding unreadable cache entry", "error", err)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	data.Cached = true
	data.Cost = 0
	return &data, true
}

func (g *Gateway) store(key string, app models.AppProfile, data *models.ChatData) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	ttl := time.Duration(app.CacheTTLSeconds) * time.Second
	if err := g.cache.Put(key, app.Name, raw, ttl); err != nil {
		g.logger.Warn("cache put", "app", app.Name, "error", err)
	}
}

// track writes one usage event. A nil out means nothing was billed.
func (g *Gateway) track(ctx context.Context, env *models.RequestEnvelope, out *dispatch.Result, elapsed time.Duration, v models.SafetyVerdict, code models.Code) {
	if g.tracker == nil {
		return
	}
	ev := models.UsageEvent{
		Timestamp:      g.now(),
		App:            env.AppName,
		Model:          env.ResolvedModel,
		UseCase:        env.UseCase,
		RequestID:      env.RequestID,
		ResponseTimeMs: elapsed.Milliseconds(),
		Success:        code == "",
		ErrorCode:      code,
		SafetyScore:    v.Score,
		ContainsPHI:    v.ContainsPHI,
	}
	if out != nil {
		ev.Model = out.Model.ID
		ev.TokensUsed = out.Completion.Usage.TotalTokens
		ev.Cost = out.Cost
	}
	if err := g.tracker.Record(context.WithoutCancel(ctx), ev); err != nil {
		g.logger.Error("record usage event", "request_id", env.RequestID, "error", err)
	}
}

// snapshot is the app's usage attached to every chat result.
func (g *Gateway) snapshot(ctx context.Context, app string) models.UsageSnapshot {
	st, err := g.enforcer.Status(context.WithoutCancel(ctx), app)
	if err != nil {
		return models.UsageSnapshot{}
	}
	return models.UsageSnapshot{
		RequestsToday:   st.RequestsToday,
		CostToday:       st.CostToday,
		RemainingBudget: st.RemainingBudget,
	}
}

// GetUsage reports today's usage for one app, or for the whole platform when app is empty.
func (g *Gateway) GetUsage(ctx context.Context, app string) (*models.UsageReport, error) {
	now := g.now()
	dayStart := models.WindowDay.Start(now)

	report := &models.UsageReport{App: app, TopModels: []models.TopModel{}}
	if app == "" {
		r, err := g.ledger.RollingUsage(ctx, ledger.PlatformScope, now)
		if err != nil {
			return nil, models.NewError(models.CodeUnknownError, err)
		}
		report.Requests = r.RequestsToday
		report.Cost = r.CostToday
		report.Budget = g.cfg.PlatformDailyBudget
	} else {
		st, err := g.enforcer.Status(ctx, app)
		if err != nil {
			if errors.Is(err, budget.ErrUnknownApp) {
				return nil, models.NewError(models.CodeInvalidRequest, err)
			}
			return nil, models.NewError(models.CodeUnknownError, err)
		}
		report.Requests = st.RequestsToday
		report.Cost = st.CostToday
		report.Budget = st.DailyBudget
	}
	report.RemainingBudget = report.Budget - report.Cost
	if report.RemainingBudget < 0 {
		report.RemainingBudget = 0
	}
	report.Status = models.LevelFor(report.Cost, report.Budget)

	if g.tracker != nil {
		top, err := g.tracker.TopModels(ctx, app, dayStart, topModelCount)
		if err != nil {
			g.logger.Warn("top models", "app", app, "error", err)
		} else {
			report.TopModels = top
		}
	}
	return report, nil
}

// CheckSafety scores content without dispatching it anywhere.
func (g *Gateway) CheckSafety(content string, sc models.SafetyContext) models.SafetyVerdict {
	if sc.Direction == "" {
		sc.Direction = "check"
	}
	v := g.gate.Screen(content, sc)
	metrics.SafetyScore.WithLabelValues(sc.Direction).Observe(v.Score)
	return v
}

// Models lists the catalog.
func (g *Gateway) Models() []models.ModelDescriptor {
	return g.registry.ListModels()
}

// Emergency exposes the platform circuit breaker.
func (g *Gateway) Emergency() *emergency.Controller {
	return g.emergency
}

// Maintain prunes expired ledger windows, cache entries and old usage events.
func (g *Gateway) Maintain(ctx context.Context) error {
	var errs []error
	if _, err := g.ledger.Prune(ctx); err != nil {
		errs = append(errs, err)
	}
	if g.cache != nil {
		if n, err := g.cache.Clear(true); err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			g.logger.Info("expired cache entries removed", "count", n)
		}
	}
	if g.tracker != nil && g.cfg.Tracker.RetentionDays > 0 {
		cutoff := g.now().AddDate(0, 0, -g.cfg.Tracker.RetentionDays)
		if n, err := g.tracker.Prune(ctx, cutoff); err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			g.logger.Info("old usage events pruned", "count", n)
		}
	}
	return errors.Join(errs...)
}

func joinContent(msgs []models.ChatMessage) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n")
}

func appendUnique(dst []string, src ...string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}

// scopeKind maps "app:handouts" to "app"; an empty scope is the platform breaker.
func scopeKind(scope string) string {
	if scope == "" {
		return "platform"
	}
	kind, _, _ := strings.Cut(scope, ":")
	return kind
}
