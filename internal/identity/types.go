package identity

import "time"

// Principal is an authenticable identity record.
type Principal struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Provider     string    `json:"provider,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PrincipalSummary is the public projection of a principal returned by login.
type PrincipalSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Provider string `json:"provider,omitempty"`
}

// Summary strips credential material from a principal.
func (p *Principal) Summary() PrincipalSummary {
	return PrincipalSummary{
		ID:       p.ID,
		Username: p.Username,
		Email:    p.Email,
		Provider: p.Provider,
	}
}

// SyncPolicy controls directory auto-provisioning for an application.
type SyncPolicy struct {
	Allowed     bool   `json:"allowed"`
	DefaultRole string `json:"default_role,omitempty"`
}

// Application is a downstream system roles are scoped to. Applications are
// created by seed/configuration and are read-only to this core at runtime.
type Application struct {
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	Sync      SyncPolicy `json:"sync"`
	CreatedAt time.Time  `json:"created_at"`
}

// Role is scoped to exactly one application. Roles do not nest or inherit.
type Role struct {
	Application string `json:"application"`
	Name        string `json:"name"`
}

// Grant is a (principal, application, role) authorization fact. At most one
// grant exists per tuple; re-assignment updates the metadata in place.
type Grant struct {
	PrincipalID string     `json:"principal_id"`
	Application string     `json:"application"`
	Role        string     `json:"role"`
	GrantedBy   string     `json:"granted_by,omitempty"`
	GrantedAt   time.Time  `json:"granted_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the grant lapsed before now.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}
