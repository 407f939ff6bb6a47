// Package emergency implements the platform-wide circuit breaker.
//
// Modes:
//   - normal: full limits
//   - suspended: every admission fails with EMERGENCY_STOP
//   - recovering: limits scaled down until a full error-free recovery period passes
//
// Readers only load an atomic. While Run is active, Observe hands outcomes to
// the Run loop over a buffered channel; evaluation takes a mutex.
package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ganger-platform/aigateway/pkg/config"
	"github.com/ganger-platform/aigateway/pkg/metrics"
	"github.com/ganger-platform/aigateway/pkg/models"
)

const inboxSize = 1024

// Outcome is one finished dispatch as seen by the controller.
type Outcome struct {
	At      time.Time
	Cost    float64
	Success bool
}

// Controller watches aggregate cost, traffic and errors and trips the platform breaker.
type Controller struct {
	mode     atomic.Int32
	inbox    chan Outcome
	draining atomic.Bool

	mu          sync.Mutex
	cfg         config.EmergencyConfig
	dailyBudget float64
	now         func() time.Time
	logger      *slog.Logger

	events      []Outcome // trailing hour, oldest first
	day         time.Time
	dayCost     float64
	consecutive int
	pending     int

	// epoch hides observations made before the latest suspension from breach checks.
	epoch           time.Time
	suspendedSince  time.Time
	lastBreach      time.Time
	recoveringSince time.Time
	reason          string
	manual          bool
	warned          bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the controller clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// New creates a Controller in normal mode. dailyBudget is the platform daily
// budget the warning and emergency fractions apply to; zero disables those checks.
func New(cfg config.EmergencyConfig, dailyBudget float64, opts ...Option) *Controller {
	c := &Controller{
		cfg:         cfg,
		dailyBudget: dailyBudget,
		now:         time.Now,
		inbox:       make(chan Outcome, inboxSize),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "emergency")
	if c.cfg.EvaluateEvery <= 0 {
		c.cfg.EvaluateEvery = 1
	}
	metrics.EmergencyMode.Set(0)
	return c
}

// Mode returns the current mode without locking.
func (c *Controller) Mode() models.EmergencyMode {
	return models.EmergencyMode(c.mode.Load())
}

// Suspended reports whether all traffic is stopped.
func (c *Controller) Suspended() bool {
	return c.Mode() == models.ModeSuspended
}

// LimitFactor is the fraction of normal limits currently in force.
func (c *Controller) LimitFactor() float64 {
	if c.Mode() == models.ModeRecovering {
		return c.cfg.RecoveryGradualLimit
	}
	return 1
}

// Observe records a dispatch outcome. Thresholds are evaluated every
// EvaluateEvery observations rather than on each one. While Run is active the
// outcome is queued for the Run loop; otherwise, or when the queue is full, it
// is applied inline.
func (c *Controller) Observe(o Outcome) {
	if o.At.IsZero() {
		o.At = c.now()
	}
	if c.draining.Load() {
		select {
		case c.inbox <- o:
			return
		default:
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainLocked()
	c.applyLocked(o)
}

// drainLocked applies every queued outcome.
func (c *Controller) drainLocked() {
	for {
		select {
		case o := <-c.inbox:
			c.applyLocked(o)
		default:
			return
		}
	}
}

func (c *Controller) applyLocked(o Outcome) {
	c.rollDay(o.At)
	c.events = append(c.events, o)
	c.dayCost += o.Cost
	if o.Success {
		c.consecutive = 0
	} else {
		c.consecutive++
		if c.Mode() == models.ModeRecovering {
			c.recoveringSince = o.At
		}
	}

	c.pending++
	if c.pending >= c.cfg.EvaluateEvery {
		c.evaluateLocked(c.now())
	}
}

// Evaluate recomputes metrics and applies mode transitions.
func (c *Controller) Evaluate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainLocked()
	c.evaluateLocked(c.now())
}

// Run applies queued outcomes and evaluates on a fixed interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.cfg.MonitorInterval
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.draining.Store(true)
	defer func() {
		c.draining.Store(false)
		c.mu.Lock()
		c.drainLocked()
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-c.inbox:
			c.mu.Lock()
			c.applyLocked(o)
			c.drainLocked()
			c.mu.Unlock()
		case <-ticker.C:
			c.Evaluate()
		}
	}
}

// Stop suspends traffic until Resume is called.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainLocked()
	if reason == "" {
		reason = "manual stop"
	}
	c.manual = true
	c.suspendLocked(c.now(), reason)
}

// Resume returns to normal mode immediately, clearing any suspension.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainLocked()
	c.manual = false
	c.reason = ""
	c.suspendedSince = time.Time{}
	c.recoveringSince = time.Time{}
	c.consecutive = 0
	c.epoch = c.now()
	c.setMode(models.ModeNormal)
	c.logger.Info("traffic resumed")
}

// State returns a snapshot of the controller.
func (c *Controller) State() models.EmergencyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainLocked()
	now := c.now()
	c.rollDay(now)
	m := c.measure(now)
	mode := c.Mode()
	st := models.EmergencyState{
		Mode:                mode,
		ModeName:            mode.String(),
		Suspended:           mode == models.ModeSuspended,
		Reason:              c.reason,
		ConsecutiveFailures: c.consecutive,
		CurrentHourCost:     m.hourCost,
		CurrentDayCost:      c.dayCost,
		RequestsLastMinute:  m.rpm,
		ErrorRate:           m.errorRate,
		LimitFactor:         c.LimitFactor(),
	}
	if !c.suspendedSince.IsZero() {
		t := c.suspendedSince
		st.SuspendedSince = &t
	}
	if mode == models.ModeRecovering {
		t := c.recoveringSince
		st.RecoveringSince = &t
	}
	return st
}

type measurement struct {
	hourCost  float64
	rpm       int
	errorRate float64
	samples   int
}

// measure aggregates events strictly after the epoch.
func (c *Controller) measure(now time.Time) measurement {
	var m measurement
	errWindow := c.cfg.ErrorRateWindow
	if errWindow <= 0 {
		errWindow = 5 * time.Minute
	}
	failures := 0
	for _, e := range c.events {
		if !e.At.After(c.epoch) {
			continue
		}
		age := now.Sub(e.At)
		if age < time.Hour {
			m.hourCost += e.Cost
		}
		if age < time.Minute {
			m.rpm++
		}
		if age < errWindow {
			m.samples++
			if !e.Success {
				failures++
			}
		}
	}
	if m.samples > 0 {
		m.errorRate = float64(failures) / float64(m.samples)
	}
	return m
}

// breach returns a description of the first threshold crossed, or "".
func (c *Controller) breach(m measurement) string {
	cfg := c.cfg
	switch {
	case cfg.CostPerHour > 0 && m.hourCost > cfg.CostPerHour:
		return fmt.Sprintf("hourly cost %.2f exceeds %.2f", m.hourCost, cfg.CostPerHour)
	case cfg.CostPerDay > 0 && c.dayCost > cfg.CostPerDay:
		return fmt.Sprintf("daily cost %.2f exceeds %.2f", c.dayCost, cfg.CostPerDay)
	case cfg.RequestsPerMinute > 0 && m.rpm > cfg.RequestsPerMinute:
		return fmt.Sprintf("%d requests in the last minute exceeds %d", m.rpm, cfg.RequestsPerMinute)
	case cfg.ErrorRate > 0 && m.samples >= cfg.ErrorRateMinSamples && m.errorRate > cfg.ErrorRate:
		return fmt.Sprintf("error rate %.2f exceeds %.2f", m.errorRate, cfg.ErrorRate)
	case cfg.ConsecutiveFailures > 0 && c.consecutive >= cfg.ConsecutiveFailures:
		return fmt.Sprintf("%d consecutive failures", c.consecutive)
	case c.dailyBudget > 0 && cfg.DailyBudgetEmergency > 0 && c.dayCost >= c.dailyBudget*cfg.DailyBudgetEmergency:
		return fmt.Sprintf("daily spend %.2f reached %.0f%% of platform budget", c.dayCost, cfg.DailyBudgetEmergency*100)
	}
	return ""
}

func (c *Controller) evaluateLocked(now time.Time) {
	c.pending = 0
	c.rollDay(now)
	c.trim(now)

	if c.dailyBudget > 0 && !c.warned && c.dayCost >= c.dailyBudget*c.cfg.DailyBudgetWarning {
		c.warned = true
		c.logger.Warn("platform daily budget warning",
			"cost_today", c.dayCost, "budget", c.dailyBudget)
	}

	reason := c.breach(c.measure(now))
	switch c.Mode() {
	case models.ModeNormal:
		if reason != "" {
			c.suspendLocked(now, reason)
		}
	case models.ModeSuspended:
		if reason != "" {
			// A fresh breach restarts the wait; counters re-arm from here.
			c.lastBreach = now
			c.epoch = now
			c.consecutive = 0
			c.logger.Warn("breach while suspended", "reason", reason)
			return
		}
		if c.manual {
			return
		}
		if now.Sub(c.lastBreach) >= c.cfg.RecoveryWait {
			c.recoveringSince = now
			c.setMode(models.ModeRecovering)
			c.logger.Info("entering gradual recovery", "limit_factor", c.cfg.RecoveryGradualLimit)
		}
	case models.ModeRecovering:
		if reason != "" {
			c.suspendLocked(now, reason)
			return
		}
		if now.Sub(c.recoveringSince) >= c.cfg.FullRecovery {
			c.suspendedSince = time.Time{}
			c.reason = ""
			c.setMode(models.ModeNormal)
			c.logger.Info("full limits restored")
		}
	}
}

func (c *Controller) suspendLocked(now time.Time, reason string) {
	c.suspendedSince = now
	c.lastBreach = now
	c.epoch = now
	c.consecutive = 0
	c.reason = reason
	c.setMode(models.ModeSuspended)
	c.logger.Error("emergency stop activated", "reason", reason)
}

func (c *Controller) setMode(m models.EmergencyMode) {
	c.mode.Store(int32(m))
	metrics.EmergencyMode.Set(float64(m))
}

// rollDay resets daily accumulators at the UTC day boundary.
func (c *Controller) rollDay(at time.Time) {
	day := models.WindowDay.Start(at)
	if day.After(c.day) {
		c.day = day
		c.dayCost = 0
		c.warned = false
	}
}

// trim drops events older than the longest trailing window.
func (c *Controller) trim(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(c.events) && !c.events[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		c.events = append(c.events[:0], c.events[i:]...)
	}
}
