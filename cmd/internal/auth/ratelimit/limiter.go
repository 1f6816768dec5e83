// Package ratelimit implements per-class fixed-window request quotas.
//
// Each class (read, write, delete, batch, auth) owns a table of counters keyed
// by "token:<t>" or "ip:<addr>". Windows start at the first hit for a key and
// reset once they elapse. The auth class counts failures only: the middleware
// refunds requests that finish below 400.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Class names.
const (
	ClassRead   = "read"
	ClassWrite  = "write"
	ClassDelete = "delete"
	ClassBatch  = "batch"
	ClassAuth   = "auth"
)

// Policy is a quota per window.
type Policy struct {
	Limit  int           `env:"LIMIT"`
	Window time.Duration `env:"WINDOW"`
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	// Start is the beginning of the window the hit was counted in.
	Start time.Time
}

type window struct {
	start time.Time
	count int
}

// Limiter is one class of fixed-window counters. It is safe for concurrent use.
type Limiter struct {
	class          string
	policy         Policy
	skipSuccessful bool

	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	onReject func(class string)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithOnReject registers a callback run on every rejection.
func WithOnReject(fn func(class string)) Option {
	return func(l *Limiter) { l.onReject = fn }
}

// SkipSuccessful makes the middleware refund requests answered below 400.
func SkipSuccessful() Option {
	return func(l *Limiter) { l.skipSuccessful = true }
}

// New constructs a Limiter. Non-positive policy values fall back to 1 per minute.
func New(class string, p Policy, opts ...Option) *Limiter {
	if p.Limit <= 0 {
		p.Limit = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	l := &Limiter{
		class:   class,
		policy:  p,
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Class returns the limiter's class name.
func (l *Limiter) Class() string { return l.class }

// Policy returns the configured quota.
func (l *Limiter) Policy() Policy { return l.policy }

// Allow counts one hit for key and reports whether it fits the quota.
// Rejected hits are not counted.
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.policy.Window)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	reset := w.start.Add(l.policy.Window)

	d := Decision{Limit: l.policy.Limit, Reset: reset, Start: w.start}
	if w.count >= l.policy.Limit {
		d.RetryAfter = reset.Sub(now)
		l.mu.Unlock()
		if l.onReject != nil {
			l.onReject(l.class)
		}
		return d
	}
	w.count++
	d.Allowed = true
	d.Remaining = l.policy.Limit - w.count
	l.mu.Unlock()
	return d
}

// Refund gives back the hit that produced d. It does nothing when d was a
// rejection or its window has since rolled over.
func (l *Limiter) Refund(key string, d Decision) {
	if !d.Allowed {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok && w.count > 0 && w.start.Equal(d.Start) {
		w.count--
	}
}

// Sweep drops elapsed windows and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for k, w := range l.windows {
		if !now.Before(w.start.Add(l.policy.Window)) {
			delete(l.windows, k)
			n++
		}
	}
	return n
}

// Config holds the quotas for every class.
type Config struct {
	Read   Policy `envPrefix:"CLASSWORKS_RATE_READ_"`
	Write  Policy `envPrefix:"CLASSWORKS_RATE_WRITE_"`
	Delete Policy `envPrefix:"CLASSWORKS_RATE_DELETE_"`
	Batch  Policy `envPrefix:"CLASSWORKS_RATE_BATCH_"`
	Auth   Policy `envPrefix:"CLASSWORKS_RATE_AUTH_"`
}

// DefaultConfig returns the production quotas.
func DefaultConfig() Config {
	return Config{
		Read:   Policy{Limit: 1024, Window: time.Minute},
		Write:  Policy{Limit: 512, Window: time.Minute},
		Delete: Policy{Limit: 256, Window: time.Minute},
		Batch:  Policy{Limit: 128, Window: time.Minute},
		Auth:   Policy{Limit: 5, Window: 30 * time.Minute},
	}
}

// Set bundles one Limiter per class.
type Set struct {
	Read, Write, Delete, Batch, Auth *Limiter
}

// NewSet builds every class from cfg. opts apply to every limiter; the auth
// class additionally skips successful requests.
func NewSet(cfg Config, opts ...Option) *Set {
	return &Set{
		Read:   New(ClassRead, cfg.Read, opts...),
		Write:  New(ClassWrite, cfg.Write, opts...),
		Delete: New(ClassDelete, cfg.Delete, opts...),
		Batch:  New(ClassBatch, cfg.Batch, opts...),
		Auth:   New(ClassAuth, cfg.Auth, append(append([]Option(nil), opts...), SkipSuccessful())...),
	}
}

func (s *Set) all() []*Limiter { return []*Limiter{s.Read, s.Write, s.Delete, s.Batch, s.Auth} }

// Sweep sweeps every class.
func (s *Set) Sweep() int {
	n := 0
	for _, l := range s.all() {
		n += l.Sweep()
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *Set) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Sweep()
		}
	}
}
