package identity

import "context"

// Store describes the persistence operations the identity core depends on.
// Implementations: internal/store/pg for PostgreSQL, MemStore for tests and
// single-process development.
type Store interface {
	FindPrincipalByUsername(ctx context.Context, username string) (*Principal, error)
	FindPrincipalByID(ctx context.Context, id string) (*Principal, error)
	CreatePrincipal(ctx context.Context, p *Principal) error
	UpdatePrincipal(ctx context.Context, p *Principal) error
	DeletePrincipal(ctx context.Context, id string) error

	FindApplication(ctx context.Context, name string) (*Application, error)
	FindRole(ctx context.Context, application, name string) (*Role, error)

	// CurrentRoles returns the non-expired role names granted to the
	// principal in the application, sorted.
	CurrentRoles(ctx context.Context, principalID, application string) ([]string, error)
	// AllCurrentRoles returns the non-expired roles per application.
	// Applications with no current grants are absent from the map.
	AllCurrentRoles(ctx context.Context, principalID string) (map[string][]string, error)

	// UpsertGrant creates the grant or, when the (principal, application,
	// role) tuple already exists, refreshes granted_by/granted_at/expires_at.
	UpsertGrant(ctx context.Context, g Grant) error
	DeleteGrant(ctx context.Context, principalID, application, role string) (int64, error)
	DeleteGrantsByApplication(ctx context.Context, principalID, application string) (int64, error)
	DeleteAllGrants(ctx context.Context, principalID string) (int64, error)
}
