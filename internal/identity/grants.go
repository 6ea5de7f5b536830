package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"veriam.dev/internal/cache"
)

// GrantService administers role grants. Every mutation ends with a synchronous
// cache invalidation for the affected principal: a stale entry would otherwise
// keep granting access for up to a full TTL window after an explicit revoke.
type GrantService struct {
	store Store
	cache cache.AccessCache
	now   func() time.Time
}

// GrantOption configures GrantService behavior.
type GrantOption func(*GrantService)

// WithGrantClock overrides the time source (useful for tests).
func WithGrantClock(fn func() time.Time) GrantOption {
	return func(s *GrantService) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewGrantService(store Store, c cache.AccessCache, opts ...GrantOption) (*GrantService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: cache is required", ErrConfiguration)
	}
	s := &GrantService{store: store, cache: c, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AssignRoleInput names the grant to create or refresh.
type AssignRoleInput struct {
	PrincipalID string
	Application string
	Role        string
	GrantedBy   string
	ExpiresAt   *time.Time
}

// AssignRole upserts a grant. Assigning an existing grant refreshes its
// metadata rather than duplicating it, so the call is idempotent.
func (s *GrantService) AssignRole(ctx context.Context, in AssignRoleInput) error {
	if in.PrincipalID == "" || in.Application == "" || in.Role == "" {
		return fmt.Errorf("%w: principal, application and role are required", ErrInvalidInput)
	}
	if _, err := s.store.FindPrincipalByID(ctx, in.PrincipalID); err != nil {
		return wrapLookup(err, "principal %s", in.PrincipalID)
	}
	app, err := s.store.FindApplication(ctx, in.Application)
	if err != nil {
		return wrapLookup(err, "application %s", in.Application)
	}
	if !app.Active {
		return fmt.Errorf("%w: application %s is inactive", ErrInvalidInput, in.Application)
	}
	if _, err := s.store.FindRole(ctx, in.Application, in.Role); err != nil {
		return wrapLookup(err, "role %s/%s", in.Application, in.Role)
	}

	err = s.store.UpsertGrant(ctx, Grant{
		PrincipalID: in.PrincipalID,
		Application: in.Application,
		Role:        in.Role,
		GrantedBy:   in.GrantedBy,
		GrantedAt:   s.now().UTC(),
		ExpiresAt:   in.ExpiresAt,
	})
	// Invalidate even when the upsert failed: the store state is uncertain
	// and a stale cached value is the worse failure mode.
	if invErr := s.cache.InvalidatePrincipal(ctx, in.PrincipalID); invErr != nil && err == nil {
		err = invErr
	}
	return err
}

// RevokeRole removes one grant and reports how many rows matched. Revoking an
// absent grant is not an error: invalidation still runs as a safety net.
func (s *GrantService) RevokeRole(ctx context.Context, principalID, application, role string) (int64, error) {
	if principalID == "" || application == "" || role == "" {
		return 0, fmt.Errorf("%w: principal, application and role are required", ErrInvalidInput)
	}
	if _, err := s.store.FindPrincipalByID(ctx, principalID); err != nil {
		return 0, wrapLookup(err, "principal %s", principalID)
	}
	if _, err := s.store.FindApplication(ctx, application); err != nil {
		return 0, wrapLookup(err, "application %s", application)
	}
	if _, err := s.store.FindRole(ctx, application, role); err != nil {
		return 0, wrapLookup(err, "role %s/%s", application, role)
	}
	affected, err := s.store.DeleteGrant(ctx, principalID, application, role)
	if invErr := s.cache.InvalidatePrincipal(ctx, principalID); invErr != nil && err == nil {
		err = invErr
	}
	return affected, err
}

// RevokeApplicationRoles removes every grant the principal holds in one
// application.
func (s *GrantService) RevokeApplicationRoles(ctx context.Context, principalID, application string) (int64, error) {
	if principalID == "" || application == "" {
		return 0, fmt.Errorf("%w: principal and application are required", ErrInvalidInput)
	}
	if _, err := s.store.FindPrincipalByID(ctx, principalID); err != nil {
		return 0, wrapLookup(err, "principal %s", principalID)
	}
	if _, err := s.store.FindApplication(ctx, application); err != nil {
		return 0, wrapLookup(err, "application %s", application)
	}
	affected, err := s.store.DeleteGrantsByApplication(ctx, principalID, application)
	if invErr := s.cache.InvalidatePrincipal(ctx, principalID); invErr != nil && err == nil {
		err = invErr
	}
	return affected, err
}

// ApplicationsWithGrants lists the applications in which the principal
// currently holds at least one role, sorted by name.
func (s *GrantService) ApplicationsWithGrants(ctx context.Context, principalID string) ([]string, error) {
	if principalID == "" {
		return nil, fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	byApp, err := s.store.AllCurrentRoles(ctx, principalID)
	if err != nil {
		return nil, err
	}
	apps := make([]string, 0, len(byApp))
	for app := range byApp {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps, nil
}

// RevokeAllRoles removes every grant the principal holds anywhere.
func (s *GrantService) RevokeAllRoles(ctx context.Context, principalID string) (int64, error) {
	if principalID == "" {
		return 0, fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	if _, err := s.store.FindPrincipalByID(ctx, principalID); err != nil {
		return 0, wrapLookup(err, "principal %s", principalID)
	}
	affected, err := s.store.DeleteAllGrants(ctx, principalID)
	if invErr := s.cache.InvalidatePrincipal(ctx, principalID); invErr != nil && err == nil {
		err = invErr
	}
	return affected, err
}

func wrapLookup(err error, format string, args ...any) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
