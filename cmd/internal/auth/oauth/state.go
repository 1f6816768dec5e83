package oauth

import (
	"context"
	"sync"
	"time"

	"classworks/cmd/security/token"
)

const (
	// DefaultStateMaxAge bounds the time between Begin and the callback.
	DefaultStateMaxAge = 5 * time.Minute

	// DefaultStateSweepInterval is how often Run drops stale entries.
	DefaultStateSweepInterval = time.Minute

	stateBytes = 32
)

// StateEntry is what Begin remembers about a pending authorization.
type StateEntry struct {
	Provider     string
	RedirectURI  string
	CodeVerifier string
	CreatedAt    time.Time
}

// StateStore is an in-memory, single-use table of pending states.
type StateStore struct {
	mu      sync.Mutex
	entries map[string]StateEntry
	maxAge  time.Duration
	now     func() time.Time
}

// StateOption configures a StateStore.
type StateOption func(*StateStore)

// WithStateClock overrides the time source.
func WithStateClock(now func() time.Time) StateOption {
	return func(s *StateStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStateMaxAge overrides DefaultStateMaxAge.
func WithStateMaxAge(d time.Duration) StateOption {
	return func(s *StateStore) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// NewStateStore constructs an empty StateStore.
func NewStateStore(opts ...StateOption) *StateStore {
	s := &StateStore{
		entries: make(map[string]StateEntry),
		maxAge:  DefaultStateMaxAge,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewState returns 32 random bytes, hex-encoded.
func NewState() (string, error) { return token.RandomHex(stateBytes) }

// Put stores e under state, stamping CreatedAt.
func (s *StateStore) Put(state string, e StateEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = s.now()
	s.entries[state] = e
}

// Take returns and deletes the entry. A stale entry is deleted and reported absent.
func (s *StateStore) Take(state string) (StateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	if !ok {
		return StateEntry{}, false
	}
	delete(s.entries, state)
	if s.stale(e, s.now()) {
		return StateEntry{}, false
	}
	return e, true
}

// Sweep removes stale entries and returns how many were removed.
func (s *StateStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.entries {
		if s.stale(e, now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps on every tick until ctx is done.
func (s *StateStore) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = DefaultStateSweepInterval
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

func (s *StateStore) stale(e StateEntry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > s.maxAge
}
