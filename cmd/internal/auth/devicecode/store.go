// Package devicecode holds the short-lived codes of the device authorization
// flow. A device asks for a code, a signed-in user binds an app token to it in
// the browser, and the device polls until it can collect the token once.
//
// Entries move pending -> bound -> consumed, or expire after TTL. The table is
// in-memory, single-process and guarded by one mutex.
package devicecode

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL is the lifetime of a code from creation.
	DefaultTTL = 15 * time.Minute

	// DefaultSweepInterval is how often Run removes expired entries.
	DefaultSweepInterval = 5 * time.Minute

	maxCreateAttempts = 64
)

const (
	digits = "0123456789"
	alnum  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

type entry struct {
	token     string
	createdAt time.Time
	expiresAt time.Time
}

// Status is a non-destructive view of a live entry.
type Status struct {
	HasToken  bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the device-code table.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
	gen     func() (string, error)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithGenerator overrides the random code generator.
func WithGenerator(gen func() (string, error)) Option {
	return func(s *Store) {
		if gen != nil {
			s.gen = gen
		}
	}
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		ttl:     DefaultTTL,
		now:     time.Now,
		gen:     NewCode,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// TTL returns the configured code lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// NewCode returns a random code of the form NNNN-XXXX: four digits, then four
// uppercase alphanumerics.
func NewCode() (string, error) {
	var b strings.Builder
	b.Grow(9)
	for i := 0; i < 4; i++ {
		c, err := pick(digits)
		if err != nil {
			return "", err
		}
		b.WriteByte(c)
	}
	b.WriteByte('-')
	for i := 0; i < 4; i++ {
		c, err := pick(alnum)
		if err != nil {
			return "", err
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

func pick(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("devicecode: rand: %w", err)
	}
	return alphabet[n.Int64()], nil
}

// Create registers a pending code. Collisions are checked against live
// entries only; an expired entry holding the same code is replaced.
func (s *Store) Create() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for i := 0; i < maxCreateAttempts; i++ {
		code, err := s.gen()
		if err != nil {
			return "", err
		}
		if e, ok := s.entries[code]; ok && !expired(e, now) {
			continue
		}
		s.entries[code] = entry{createdAt: now, expiresAt: now.Add(s.ttl)}
		return code, nil
	}
	return "", ErrExhausted
}

// BindToken attaches token to a live code, overwriting an earlier binding.
// It reports false for unknown or expired codes; an expired entry is removed.
func (s *Store) BindToken(code, token string) bool {
	code = strings.TrimSpace(code)
	if code == "" || token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[code]
	if !ok {
		return false
	}
	if expired(e, s.now()) {
		delete(s.entries, code)
		return false
	}
	e.token = token
	s.entries[code] = e
	return true
}

// GetAndRemove returns the bound token and deletes the entry in one step.
// Pending entries are left in place. A token is returned at most once.
func (s *Store) GetAndRemove(code string) (string, bool) {
	code = strings.TrimSpace(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[code]
	if !ok {
		return "", false
	}
	if expired(e, s.now()) {
		delete(s.entries, code)
		return "", false
	}
	if e.token == "" {
		return "", false
	}
	delete(s.entries, code)
	return e.token, true
}

// GetStatus peeks at a live entry. Expired entries read as absent.
func (s *Store) GetStatus(code string) (Status, bool) {
	code = strings.TrimSpace(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[code]
	if !ok {
		return Status{}, false
	}
	if expired(e, s.now()) {
		delete(s.entries, code)
		return Status{}, false
	}
	return Status{HasToken: e.token != "", CreatedAt: e.createdAt, ExpiresAt: e.expiresAt}, true
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for code, e := range s.entries {
		if expired(e, now) {
			delete(s.entries, code)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, live or not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps on every tick until ctx is done. onSweep, if set, receives the
// number of removed entries.
func (s *Store) Run(ctx context.Context, every time.Duration, onSweep func(removed int)) error {
	if every <= 0 {
		every = DefaultSweepInterval
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n := s.Sweep()
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}

func expired(e entry, now time.Time) bool { return now.After(e.expiresAt) }
