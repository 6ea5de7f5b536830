package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"veriam.dev/internal/ids"
	"veriam.dev/internal/obs"
)

// DirectorySyncActor is recorded as granted_by on default-role grants created
// during directory auto-provisioning.
const DirectorySyncActor = "directory-sync"

// LoginService drives the provider chain, auto-provisions directory
// principals, and delegates token issuance. It is the single place that
// translates provider failure classifications into the public error taxonomy.
type LoginService struct {
	store  Store
	chain  *Chain
	tokens *TokenService
	grants *GrantService
	now    func() time.Time
}

// LoginOption configures LoginService behavior.
type LoginOption func(*LoginService)

// WithLoginClock overrides the time source (useful for tests).
func WithLoginClock(fn func() time.Time) LoginOption {
	return func(s *LoginService) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewLoginService(store Store, chain *Chain, tokens *TokenService, grants *GrantService, opts ...LoginOption) (*LoginService, error) {
	if store == nil || chain == nil || tokens == nil || grants == nil {
		return nil, fmt.Errorf("%w: store, chain, token and grant services are required", ErrConfiguration)
	}
	s := &LoginService{store: store, chain: chain, tokens: tokens, grants: grants, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoginResult is returned to the transport layer on a successful login.
type LoginResult struct {
	Tokens    TokenPair        `json:"tokens"`
	Principal PrincipalSummary `json:"principal"`
}

// Login authenticates the secret against the provider chain and issues a
// token pair. With an application name the tokens are scoped to it; without
// one they carry the full per-application role map.
func (s *LoginService) Login(ctx context.Context, username, secret, application string) (*LoginResult, error) {
	if username == "" || secret == "" {
		return nil, fmt.Errorf("%w: username and secret are required", ErrInvalidInput)
	}

	// Failed attempts are counted per provider inside the chain.
	res := s.chain.Authenticate(ctx, username, secret)
	if !res.OK {
		return nil, s.failureError(res)
	}

	principal, err := s.store.FindPrincipalByUsername(ctx, res.Username)
	switch {
	case errors.Is(err, ErrNotFound):
		principal, err = s.provision(ctx, res, application)
		if err != nil {
			obs.IncLogin(res.Provider, "provision_denied")
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if err := s.syncExisting(ctx, principal, res, application); err != nil {
			return nil, err
		}
	}

	input := TokenInput{
		PrincipalID: principal.ID,
		Username:    principal.Username,
		Provider:    res.Provider,
	}
	if application != "" {
		roles, err := s.store.CurrentRoles(ctx, principal.ID, application)
		if err != nil {
			return nil, err
		}
		if len(roles) == 0 {
			obs.IncLogin(res.Provider, "no_access")
			return nil, fmt.Errorf("%w: %s has no roles in %s", ErrNotAuthorized, principal.Username, application)
		}
		input.Application = application
		input.Roles = roles
	} else {
		apps, err := s.store.AllCurrentRoles(ctx, principal.ID)
		if err != nil {
			return nil, err
		}
		if len(apps) == 0 {
			obs.IncLogin(res.Provider, "no_access")
			return nil, fmt.Errorf("%w: %s has no roles in any application", ErrNotAuthorized, principal.Username)
		}
		input.Applications = apps
	}

	pair, err := s.tokens.GenerateTokenPair(input)
	if err != nil {
		return nil, err
	}
	obs.IncLogin(res.Provider, "success")
	return &LoginResult{Tokens: pair, Principal: principal.Summary()}, nil
}

// Refresh validates a refresh-class token, re-fetches current roles and
// issues a fresh pair. Roles are never copied from the old token: a grant
// change between issuance and refresh must be reflected.
func (s *LoginService) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	principal, err := s.store.FindPrincipalByID(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}

	input := TokenInput{
		PrincipalID: principal.ID,
		Username:    principal.Username,
		Provider:    claims.Provider,
	}
	if claims.Application != "" {
		roles, err := s.store.CurrentRoles(ctx, principal.ID, claims.Application)
		if err != nil {
			return nil, err
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("%w: %s has no roles in %s", ErrNotAuthorized, principal.Username, claims.Application)
		}
		input.Application = claims.Application
		input.Roles = roles
	} else {
		apps, err := s.store.AllCurrentRoles(ctx, principal.ID)
		if err != nil {
			return nil, err
		}
		if len(apps) == 0 {
			return nil, fmt.Errorf("%w: %s has no roles in any application", ErrNotAuthorized, principal.Username)
		}
		input.Applications = apps
	}

	pair, err := s.tokens.GenerateTokenPair(input)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Tokens: pair, Principal: principal.Summary()}, nil
}

// Validate statelessly verifies an access token and returns its claims.
func (s *LoginService) Validate(token string) (*Claims, error) {
	return s.tokens.VerifyAccessToken(token)
}

// provision creates a principal for an identity the directory vouched for.
// Permitted only when an application was requested and its sync policy allows
// it; otherwise the secret was valid but access is simply not configured.
func (s *LoginService) provision(ctx context.Context, res AuthResult, application string) (*Principal, error) {
	if application == "" {
		return nil, fmt.Errorf("%w: no application requested for unprovisioned principal %s", ErrNotAuthorized, res.Username)
	}
	app, err := s.store.FindApplication(ctx, application)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown application %s", ErrNotAuthorized, application)
	}
	if err != nil {
		return nil, err
	}
	if !app.Active || !app.Sync.Allowed {
		return nil, fmt.Errorf("%w: application %s does not allow directory sync", ErrNotAuthorized, application)
	}

	now := s.now().UTC()
	principal := &Principal{
		ID:       ids.New(),
		Username: res.Username,
		Email:    res.Email,
		// Directory principals must never verify against the local hasher.
		PasswordHash: SentinelPasswordHash,
		Provider:     res.Provider,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreatePrincipal(ctx, principal); err != nil {
		return nil, err
	}
	obs.LogEvent(map[string]any{
		"level":    "info",
		"msg":      "auto-provisioned directory principal",
		"username": principal.Username,
		"provider": principal.Provider,
		"app":      application,
	})
	if app.Sync.DefaultRole != "" {
		if err := s.grants.AssignRole(ctx, AssignRoleInput{
			PrincipalID: principal.ID,
			Application: application,
			Role:        app.Sync.DefaultRole,
			GrantedBy:   DirectorySyncActor,
		}); err != nil {
			return nil, err
		}
	}
	return principal, nil
}

// syncExisting records the authenticating provider on the principal and, for
// first-time directory logins into an application with a default role,
// assigns that baseline role.
func (s *LoginService) syncExisting(ctx context.Context, principal *Principal, res AuthResult, application string) error {
	if principal.Provider != res.Provider {
		principal.Provider = res.Provider
		if err := s.store.UpdatePrincipal(ctx, principal); err != nil {
			return err
		}
	}
	if res.Provider == LocalProviderName || application == "" {
		return nil
	}
	roles, err := s.store.CurrentRoles(ctx, principal.ID, application)
	if err != nil {
		return err
	}
	if len(roles) > 0 {
		return nil
	}
	app, err := s.store.FindApplication(ctx, application)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !app.Active || !app.Sync.Allowed || app.Sync.DefaultRole == "" {
		return nil
	}
	return s.grants.AssignRole(ctx, AssignRoleInput{
		PrincipalID: principal.ID,
		Application: application,
		Role:        app.Sync.DefaultRole,
		GrantedBy:   DirectorySyncActor,
	})
}

func (s *LoginService) failureError(res AuthResult) error {
	switch res.Reason {
	case FailureInfrastructure:
		if res.Err != nil {
			obs.LogEvent(map[string]any{"level": "error", "msg": "authentication backend unavailable", "error": res.Err.Error()})
		}
		return ErrInfrastructure
	case FailureCredentialRejected:
		return ErrCredentialRejected
	default:
		return ErrUnknownPrincipal
	}
}
