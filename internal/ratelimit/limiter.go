package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pitabwire/xrpc/model"
)

// Scope says where a limiter applies.
type Scope int

const (
	// Global limiters are consumed for every request before method resolution.
	Global Scope = iota
	// Shared limiters are declared once by name and referenced by many methods.
	Shared
	// PerRoute limiters belong to a single method.
	PerRoute
)

func (s Scope) String() string {
	switch s {
	case Global:
		return "global"
	case Shared:
		return "shared"
	case PerRoute:
		return "route"
	default:
		return "unknown"
	}
}

// KeyFunc derives the counter key for a request. Returning "" skips the
// limiter for that request.
type KeyFunc func(rc *model.RequestContext) string

// PointsFunc derives the cost of a request.
type PointsFunc func(rc *model.RequestContext) int

// Config declares one limiter.
type Config struct {
	Name       string
	Scope      Scope
	Duration   time.Duration
	Points     int
	CalcKey    KeyFunc
	CalcPoints PointsFunc
}

// Options carry the dependencies shared by every limiter of a server.
type Options struct {
	Store Store
	// FailClosed rejects requests when the store is unavailable. By default
	// the limiter lets them through and logs a warning.
	FailClosed bool
	Logger     *zap.Logger
	// OnReject is called with the limiter name whenever a request is refused.
	OnReject func(name string)
}

// Limiter consumes quota from one fixed-window budget.
type Limiter struct {
	name       string
	scope      Scope
	prefix     string
	window     time.Duration
	points     int
	calcKey    KeyFunc
	calcPoints PointsFunc
	opts       Options
}

// New validates cfg and creates a Limiter.
func New(cfg Config, opts Options) (*Limiter, error) {
	if cfg.Name == "" {
		return nil, errors.New("rate limiter name is required")
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("rate limiter %s: duration must be positive", cfg.Name)
	}
	if cfg.Points <= 0 {
		return nil, fmt.Errorf("rate limiter %s: points must be positive", cfg.Name)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("rate limiter %s: store is required", cfg.Name)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	l := &Limiter{
		name:       cfg.Name,
		scope:      cfg.Scope,
		prefix:     "rl:" + cfg.Scope.String() + ":" + cfg.Name + ":",
		window:     cfg.Duration,
		points:     cfg.Points,
		calcKey:    cfg.CalcKey,
		calcPoints: cfg.CalcPoints,
		opts:       opts,
	}
	if l.calcKey == nil {
		l.calcKey = ClientIP
	}
	if l.calcPoints == nil {
		l.calcPoints = func(*model.RequestContext) int { return 1 }
	}
	return l, nil
}

// Name returns the limiter name.
func (l *Limiter) Name() string { return l.name }

// Scope returns the limiter scope.
func (l *Limiter) Scope() Scope { return l.scope }

// With returns a view of the limiter that draws from the same counters but
// derives keys and costs with the given functions. Nil functions keep the
// limiter's own.
func (l *Limiter) With(calcKey KeyFunc, calcPoints PointsFunc) *Limiter {
	c := *l
	if calcKey != nil {
		c.calcKey = calcKey
	}
	if calcPoints != nil {
		c.calcPoints = calcPoints
	}
	return &c
}

// Status describes a limiter's budget after a consume.
type Status struct {
	Limiter    string
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	Window     time.Duration
}

// Headers renders the status as RateLimit-* response headers.
func (s *Status) Headers() map[string]string {
	return map[string]string{
		"RateLimit-Limit":     strconv.Itoa(s.Limit),
		"RateLimit-Remaining": strconv.Itoa(s.Remaining),
		"RateLimit-Reset":     strconv.Itoa(int(math.Ceil(s.ResetAfter.Seconds()))),
		"RateLimit-Policy":    fmt.Sprintf("%d;w=%d", s.Limit, int(s.Window.Seconds())),
	}
}

// Consume charges the request against the limiter. It returns a nil status
// when the limiter does not apply to the request, and a RateLimitExceeded
// *model.XRPCError once the budget is spent.
func (l *Limiter) Consume(ctx context.Context, rc *model.RequestContext) (*Status, error) {
	key := l.calcKey(rc)
	if key == "" {
		return nil, nil
	}
	points := l.calcPoints(rc)
	if points <= 0 {
		return nil, nil
	}

	res, err := l.opts.Store.Consume(ctx, l.prefix+key, points, l.points, l.window)
	if err != nil {
		if l.opts.FailClosed {
			return nil, fmt.Errorf("rate limiter %s: %w", l.name, err)
		}
		l.opts.Logger.Warn("rate limit store unavailable, allowing request",
			zap.String("limiter", l.name),
			zap.Error(err),
		)
		return nil, nil
	}

	st := &Status{
		Limiter:    l.name,
		Limit:      l.points,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter,
		Window:     l.window,
	}
	if !res.Allowed {
		if l.opts.OnReject != nil {
			l.opts.OnReject(l.name)
		}
		return st, model.NewRateLimitExceededError(st.Headers())
	}
	return st, nil
}

// Reset clears the request's counter. Resetting an absent counter is a no-op.
func (l *Limiter) Reset(ctx context.Context, rc *model.RequestContext) error {
	key := l.calcKey(rc)
	if key == "" {
		return nil
	}
	if err := l.opts.Store.Reset(ctx, l.prefix+key); err != nil {
		return fmt.Errorf("rate limiter %s: %w", l.name, err)
	}
	return nil
}

// ConsumeMany consumes limiters in declaration order and stops at the first
// one that is exceeded. Limiters consumed before the failure are not rolled
// back. On success it returns the tightest status, or nil when no limiter
// applied.
func ConsumeMany(ctx context.Context, rc *model.RequestContext, limiters []*Limiter) (*Status, error) {
	var tightest *Status
	for _, l := range limiters {
		st, err := l.Consume(ctx, rc)
		if err != nil {
			return st, err
		}
		if st != nil && (tightest == nil || st.Remaining < tightest.Remaining) {
			tightest = st
		}
	}
	return tightest, nil
}

// ResetMany resets every limiter and returns the combined errors.
func ResetMany(ctx context.Context, rc *model.RequestContext, limiters []*Limiter) error {
	var errs error
	for _, l := range limiters {
		errs = multierr.Append(errs, l.Reset(ctx, rc))
	}
	return errs
}

// ClientIP keys a request by the remote address of the transport
// connection.
func ClientIP(rc *model.RequestContext) string {
	if rc == nil || rc.Request == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(rc.Request.RemoteAddr)
	if err != nil {
		return rc.Request.RemoteAddr
	}
	return host
}
