package identity

import (
	"context"
	"fmt"
	"slices"
	"time"

	"veriam.dev/internal/cache"
	"veriam.dev/internal/obs"
)

// AccessService answers "does this principal currently hold role R in
// application A" from the access cache, falling back to the credential store
// on a miss. A population carries the invalidation generation sampled before
// the store read, so a miss-then-populate race with a revoke costs at worst
// one redundant store query and never writes a pre-revoke role set back.
type AccessService struct {
	store Store
	cache cache.AccessCache
	ttl   time.Duration
}

// NewAccessService builds the verification service. TTL should equal the
// access token lifetime so a cached decision never outlives the token that
// relies on it.
func NewAccessService(store Store, c cache.AccessCache, ttl time.Duration) (*AccessService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: cache is required", ErrConfiguration)
	}
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	return &AccessService{store: store, cache: c, ttl: ttl}, nil
}

func (s *AccessService) roles(ctx context.Context, principalID, application string) ([]string, error) {
	roles, gen, hit, err := s.cache.Get(ctx, principalID, application)
	if err != nil {
		// A broken cache degrades to a store round-trip, not a denial.
		obs.LogEvent(map[string]any{"level": "warn", "msg": "access cache read failed", "error": err.Error()})
	} else if hit {
		obs.IncCacheEvent("hit")
		return roles, nil
	}
	obs.IncCacheEvent("miss")

	roles, err = s.store.CurrentRoles(ctx, principalID, application)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, principalID, application, roles, s.ttl, gen); err != nil {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "access cache write failed", "error": err.Error()})
	}
	return roles, nil
}

// Verify reports whether the principal currently holds the role in the
// application. With an empty role, holding any role is sufficient.
func (s *AccessService) Verify(ctx context.Context, principalID, application, role string) (bool, error) {
	if principalID == "" || application == "" {
		return false, fmt.Errorf("%w: principal and application are required", ErrInvalidInput)
	}
	roles, err := s.roles(ctx, principalID, application)
	if err != nil {
		return false, err
	}
	if role == "" {
		return len(roles) > 0, nil
	}
	return slices.Contains(roles, role), nil
}

// HasAnyRole reports whether the principal holds at least one of the roles.
func (s *AccessService) HasAnyRole(ctx context.Context, principalID, application string, wanted ...string) (bool, error) {
	roles, err := s.roles(ctx, principalID, application)
	if err != nil {
		return false, err
	}
	for _, want := range wanted {
		if slices.Contains(roles, want) {
			return true, nil
		}
	}
	return false, nil
}

// HasAllRoles reports whether the principal holds every one of the roles.
func (s *AccessService) HasAllRoles(ctx context.Context, principalID, application string, wanted ...string) (bool, error) {
	if len(wanted) == 0 {
		return false, fmt.Errorf("%w: at least one role is required", ErrInvalidInput)
	}
	roles, err := s.roles(ctx, principalID, application)
	if err != nil {
		return false, err
	}
	for _, want := range wanted {
		if !slices.Contains(roles, want) {
			return false, nil
		}
	}
	return true, nil
}

// InvalidatePrincipal drops every cached decision for the principal.
func (s *AccessService) InvalidatePrincipal(ctx context.Context, principalID string) error {
	obs.IncCacheEvent("invalidate")
	return s.cache.InvalidatePrincipal(ctx, principalID)
}
