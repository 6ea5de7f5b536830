// Package memory provides the process-local access cache adapter.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"veriam.dev/internal/cache"
)

var ErrInvalidTTL = errors.New("memory cache: ttl must be greater than zero")

type entryKey struct {
	principalID string
	application string
}

type entry struct {
	roles   []string
	expires time.Time
}

// Adapter holds cache entries behind a single RWMutex. Expiry is checked by
// timestamp comparison at read time; Sweep only bounds memory and is never
// required for correctness. The per-principal generation counter makes Set a
// compare-and-set against InvalidatePrincipal: a population racing an
// invalidation loses.
type Adapter struct {
	mu      sync.RWMutex
	entries map[entryKey]entry
	gens    map[string]uint64
	now     func() time.Time
}

var _ cache.AccessCache = (*Adapter)(nil)

// Option configures the adapter.
type Option func(*Adapter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(a *Adapter) {
		if fn != nil {
			a.now = fn
		}
	}
}

func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		entries: map[entryKey]entry{},
		gens:    map[string]uint64{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Get(ctx context.Context, principalID, application string) ([]string, uint64, bool, error) {
	key := entryKey{principalID: principalID, application: application}
	now := a.now().UTC()

	a.mu.RLock()
	e, ok := a.entries[key]
	gen := a.gens[principalID]
	a.mu.RUnlock()
	if !ok {
		return nil, gen, false, nil
	}
	if now.After(e.expires) {
		a.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have
		// refreshed the entry since the read.
		if cur, ok := a.entries[key]; ok && now.After(cur.expires) {
			delete(a.entries, key)
		}
		a.mu.Unlock()
		return nil, gen, false, nil
	}
	return cloneRoles(e.roles), gen, true, nil
}

func (a *Adapter) Set(ctx context.Context, principalID, application string, roles []string, ttl time.Duration, gen uint64) error {
	if principalID == "" || application == "" {
		return errors.New("memory cache: principal and application are required")
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	key := entryKey{principalID: principalID, application: application}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gens[principalID] != gen {
		// The role set in hand predates an invalidation. Dropping the write
		// is not an error; the next read goes back to the store.
		return nil
	}
	a.entries[key] = entry{roles: cloneRoles(roles), expires: a.now().UTC().Add(ttl)}
	return nil
}

func (a *Adapter) InvalidatePrincipal(ctx context.Context, principalID string) error {
	a.mu.Lock()
	a.gens[principalID]++
	for key := range a.entries {
		if key.principalID == principalID {
			delete(a.entries, key)
		}
	}
	a.mu.Unlock()
	return nil
}

// Sweep removes expired entries. Callers run it on a ticker to bound memory.
func (a *Adapter) Sweep() {
	now := a.now().UTC()
	a.mu.Lock()
	for key, e := range a.entries {
		if now.After(e.expires) {
			delete(a.entries, key)
		}
	}
	a.mu.Unlock()
}

// Len reports the number of live plus not-yet-swept entries.
func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

func cloneRoles(roles []string) []string {
	if roles == nil {
		return nil
	}
	out := make([]string, len(roles))
	copy(out, roles)
	return out
}
