// Package ledger tracks per-scope request counts and spend in minute, hour and
// day windows, with atomic check-and-reserve semantics.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ganger-platform/aigateway/pkg/models"
)

var (
	// ErrClosed is returned by stores after Close.
	ErrClosed = errors.New("ledger: store closed")
	// ErrAlreadySettled is returned when a reservation is settled twice.
	ErrAlreadySettled = errors.New("ledger: reservation already settled")
)

// costEpsilon absorbs float rounding when comparing spend against a budget.
const costEpsilon = 1e-9

// PlatformScope accumulates every admitted request across apps.
const PlatformScope = "platform"

// AppScope returns the ledger scope for an application.
func AppScope(app string) string { return "app:" + app }

// ModelScope returns the ledger scope for a model.
func ModelScope(model string) string { return "model:" + model }

// Key identifies one usage window.
type Key struct {
	Scope string
	Kind  models.WindowKind
	Start int64 // unix seconds, UTC-truncated
}

// KeyFor returns the key of the window containing at.
func KeyFor(scope string, kind models.WindowKind, at time.Time) Key {
	return Key{Scope: scope, Kind: kind, Start: kind.Start(at).Unix()}
}

// StartTime returns the window start.
func (k Key) StartTime() time.Time { return time.Unix(k.Start, 0).UTC() }

// EndTime returns the exclusive window end.
func (k Key) EndTime() time.Time { return k.Kind.End(k.StartTime()) }

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Scope, k.Kind, k.Start)
}

// Limit bounds one window. Zero values mean unlimited.
type Limit struct {
	MaxRequests int64
	MaxCost     float64
}

func (l Limit) maxRequests() int64 {
	if l.MaxRequests <= 0 {
		return 1 << 53
	}
	return l.MaxRequests
}

func (l Limit) maxCost() float64 {
	if l.MaxCost <= 0 {
		return 1e300
	}
	return l.MaxCost + costEpsilon
}

// check returns why admitting one more request of cost into c would break the limit.
func (l Limit) check(c Counter, cost float64) DenyReason {
	if c.Requests+1 > l.maxRequests() {
		return DenyRequests
	}
	if c.Cost+cost > l.maxCost() {
		return DenyCost
	}
	return DenyNone
}

// Counter is the state of one window.
type Counter struct {
	Requests int64
	Cost     float64
}

// DenyReason says which bound a denied reservation would have crossed.
type DenyReason int

const (
	DenyNone DenyReason = iota
	DenyRequests
	DenyCost
)

func (r DenyReason) String() string {
	switch r {
	case DenyRequests:
		return "requests"
	case DenyCost:
		return "cost"
	}
	return "none"
}

// Decision is the outcome of a check-and-reserve.
type Decision struct {
	Admitted bool
	Reason   DenyReason
	// Counter is the window state after the reservation, or the current state when denied.
	Counter Counter
}

// Adjustment is a signed change applied to one window when a reservation settles.
type Adjustment struct {
	Key      Key
	Requests int64
	Cost     float64
}

// Store is the backing store for usage windows. Implementations must make
// CheckAndReserve atomic per key and Settle atomic and idempotent per id.
type Store interface {
	// CheckAndReserve adds one request and cost to the window if the limit allows,
	// and leaves it untouched otherwise.
	CheckAndReserve(ctx context.Context, key Key, limit Limit, cost float64) (Decision, error)
	// Get returns the window state; missing windows are zero.
	Get(ctx context.Context, key Key) (Counter, error)
	// Settle applies adjustments once per id, clamping counters at zero.
	// It reports false when id was already settled.
	Settle(ctx context.Context, id string, at time.Time, adjustments []Adjustment) (bool, error)
	// Prune deletes windows that ended and settlements recorded before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
	// Close releases resources.
	Close() error
}

// Reservation records the windows charged for one dispatch attempt.
type Reservation struct {
	ID       string
	Estimate float64
	Keys     []Key
}

// Ledger is the accounting authority shared by every request.
type Ledger struct {
	store  Store
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithGrace sets how long a window is kept after it ends.
func WithGrace(d time.Duration) Option {
	return func(l *Ledger) { l.grace = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		grace: time.Hour,
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

// CheckAndReserve checks one window of scope at time at and reserves cost if allowed.
func (l *Ledger) CheckAndReserve(ctx context.Context, scope string, kind models.WindowKind, at time.Time, limit Limit, cost float64) (Decision, Key, error) {
	key := KeyFor(scope, kind, at)
	d, err := l.store.CheckAndReserve(ctx, key, limit, cost)
	if err != nil {
		return Decision{}, key, fmt.Errorf("check and reserve %s: %w", key, err)
	}
	return d, key, nil
}

// RecordActual reconciles a reservation with the real cost of the call. The
// difference from the estimate is applied immediately to every charged window.
func (l *Ledger) RecordActual(ctx context.Context, r *Reservation, actualCost float64) error {
	if actualCost < 0 {
		actualCost = 0
	}
	delta := actualCost - r.Estimate
	adj := make([]Adjustment, 0, len(r.Keys))
	for _, k := range r.Keys {
		adj = append(adj, Adjustment{Key: k, Cost: delta})
	}
	return l.settle(ctx, r.ID, adj)
}

// Release returns a reservation's request and estimate to every charged window.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	adj := make([]Adjustment, 0, len(r.Keys))
	for _, k := range r.Keys {
		adj = append(adj, Adjustment{Key: k, Requests: -1, Cost: -r.Estimate})
	}
	return l.settle(ctx, r.ID, adj)
}

func (l *Ledger) settle(ctx context.Context, id string, adj []Adjustment) error {
	applied, err := l.store.Settle(ctx, id, l.now(), adj)
	if err != nil {
		return fmt.Errorf("settle %s: %w", id, err)
	}
	if !applied {
		l.logger.Debug("duplicate settlement ignored", "reservation", id)
		return ErrAlreadySettled
	}
	return nil
}

// Window returns the counter of the window of scope containing at.
func (l *Ledger) Window(ctx context.Context, scope string, kind models.WindowKind, at time.Time) (Counter, error) {
	c, err := l.store.Get(ctx, KeyFor(scope, kind, at))
	if err != nil {
		return Counter{}, fmt.Errorf("read window: %w", err)
	}
	return c, nil
}

// Rolling is a scope's usage for the current UTC day.
type Rolling struct {
	RequestsToday int64
	CostToday     float64
}

// RollingUsage returns today's usage for scope.
func (l *Ledger) RollingUsage(ctx context.Context, scope string, at time.Time) (Rolling, error) {
	c, err := l.Window(ctx, scope, models.WindowDay, at)
	if err != nil {
		return Rolling{}, err
	}
	return Rolling{RequestsToday: c.Requests, CostToday: c.Cost}, nil
}

// Prune garbage-collects windows that ended more than the grace period ago.
func (l *Ledger) Prune(ctx context.Context) (int64, error) {
	n, err := l.store.Prune(ctx, l.now().Add(-l.grace))
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	if n > 0 {
		l.logger.Info("pruned usage windows", "count", n)
	}
	return n, nil
}

// Close closes the backing store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
