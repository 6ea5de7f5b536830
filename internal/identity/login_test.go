package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	memorycache "veriam.dev/internal/cache/memory"
)

type loginFixture struct {
	store  *MemStore
	chain  *Chain
	tokens *TokenService
	grants *GrantService
	logins *LoginService
}

func newLoginFixture(t *testing.T, providers ...AuthProvider) *loginFixture {
	t.Helper()
	store := NewMemStore()
	store.SeedApplication(Application{
		Name:   "docs",
		Active: true,
		Sync:   SyncPolicy{Allowed: true, DefaultRole: "viewer"},
	}, "viewer", "editor")
	store.SeedApplication(Application{Name: "admin-console", Active: true}, "operator")

	tokens, err := NewTokenService("test-secret")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	grants, err := NewGrantService(store, memorycache.NewAdapter())
	if err != nil {
		t.Fatalf("NewGrantService: %v", err)
	}
	if len(providers) == 0 {
		providers = []AuthProvider{NewLocalProvider(store)}
	}
	chain := NewChain(providers...)
	logins, err := NewLoginService(store, chain, tokens, grants)
	if err != nil {
		t.Fatalf("NewLoginService: %v", err)
	}
	return &loginFixture{store: store, chain: chain, tokens: tokens, grants: grants, logins: logins}
}

func (f *loginFixture) addLocalPrincipal(t *testing.T, id, username, password string) {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := f.store.CreatePrincipal(context.Background(), &Principal{
		ID:           id,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Provider:     LocalProviderName,
	}); err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
}

func TestLoginLocalSingleApplication(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t)
	f.addLocalPrincipal(t, "p-1", "alice", "pw")
	if err := f.grants.AssignRole(ctx, AssignRoleInput{PrincipalID: "p-1", Application: "docs", Role: "editor"}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	res, err := f.logins.Login(ctx, "alice", "pw", "docs")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Principal.ID != "p-1" || res.Principal.Username != "alice" {
		t.Fatalf("unexpected principal: %+v", res.Principal)
	}
	claims, err := f.tokens.VerifyAccessToken(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Application != "docs" || len(claims.Roles) != 1 || claims.Roles[0] != "editor" {
		t.Fatalf("unexpected role claims: %+v", claims)
	}
	if claims.Provider != LocalProviderName {
		t.Fatalf("unexpected provider: %s", claims.Provider)
	}
}

func TestLoginWithoutApplicationCarriesRoleMap(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t)
	f.addLocalPrincipal(t, "p-1", "alice", "pw")
	if err := f.grants.AssignRole(ctx, AssignRoleInput{PrincipalID: "p-1", Application: "docs", Role: "viewer"}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := f.grants.AssignRole(ctx, AssignRoleInput{PrincipalID: "p-1", Application: "admin-console", Role: "operator"}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	res, err := f.logins.Login(ctx, "alice", "pw", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := f.tokens.VerifyAccessToken(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if len(claims.Applications) != 2 {
		t.Fatalf("expected full role map, got %v", claims.Applications)
	}
}

func TestLoginFailureMapping(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t)
	f.addLocalPrincipal(t, "p-1", "alice", "pw")

	if _, err := f.logins.Login(ctx, "alice", "wrong", "docs"); !errors.Is(err, ErrCredentialRejected) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := f.logins.Login(ctx, "nobody", "pw", "docs"); !errors.Is(err, ErrUnknownPrincipal) {
		t.Fatalf("unknown username: %v", err)
	}
	if _, err := f.logins.Login(ctx, "", "pw", "docs"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty username: %v", err)
	}
	if _, err := f.logins.Login(ctx, "alice", "", "docs"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty secret: %v", err)
	}
}

func TestLoginInfrastructureFailureIsNot401(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t, &fakeProvider{
		name:      "directory",
		available: true,
		result:    Failure(FailureInfrastructure, errors.New("connection refused")),
	})

	_, err := f.logins.Login(ctx, "alice", "pw", "docs")
	if !errors.Is(err, ErrInfrastructure) {
		t.Fatalf("backend outage misreported: %v", err)
	}
	if errors.Is(err, ErrCredentialRejected) || errors.Is(err, ErrUnknownPrincipal) {
		t.Fatalf("outage conflated with bad credentials: %v", err)
	}
}

func TestLoginNoRolesIsNotAuthorized(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t)
	f.addLocalPrincipal(t, "p-1", "alice", "pw")

	if _, err := f.logins.Login(ctx, "alice", "pw", "admin-console"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("roleless single-application login: %v", err)
	}
	if _, err := f.logins.Login(ctx, "alice", "pw", ""); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("roleless multi-application login: %v", err)
	}
}

func TestLoginAutoProvisionsDirectoryPrincipal(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t, &fakeProvider{
		name:      "directory",
		available: true,
		result:    Success("alice", "alice@corp.example.com", "corp"),
	})

	res, err := f.logins.Login(ctx, "alice", "pw", "docs")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	principal, err := f.store.FindPrincipalByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("provisioned principal missing: %v", err)
	}
	if principal.PasswordHash != SentinelPasswordHash {
		t.Fatalf("provisioned principal has a usable local hash: %q", principal.PasswordHash)
	}
	if principal.Provider != "corp" || principal.Email != "alice@corp.example.com" {
		t.Fatalf("directory attributes not recorded: %+v", principal)
	}

	claims, err := f.tokens.VerifyAccessToken(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "viewer" {
		t.Fatalf("default role not granted: %v", claims.Roles)
	}

	// The default-role grant must name the sync actor, not a human admin.
	grant, ok := f.findGrant(principal.ID, "docs", "viewer")
	if !ok || grant.GrantedBy != DirectorySyncActor {
		t.Fatalf("unexpected grant provenance: %+v ok=%v", grant, ok)
	}
}

func (f *loginFixture) findGrant(principalID, application, role string) (Grant, bool) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	g, ok := f.store.grants[grantKey{principalID: principalID, application: application, role: role}]
	return g, ok
}

func TestLoginProvisionDeniedWithoutSync(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t, &fakeProvider{
		name:      "directory",
		available: true,
		result:    Success("alice", "alice@corp.example.com", "corp"),
	})

	// admin-console does not allow sync.
	if _, err := f.logins.Login(ctx, "alice", "pw", "admin-console"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("sync-disallowed application: %v", err)
	}
	// No application requested at all.
	if _, err := f.logins.Login(ctx, "alice", "pw", ""); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("no application requested: %v", err)
	}
	// Unknown application.
	if _, err := f.logins.Login(ctx, "alice", "pw", "nope"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("unknown application: %v", err)
	}
	// A denied provisioning must not leave a principal behind.
	if _, err := f.store.FindPrincipalByUsername(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("principal created despite denial: %v", err)
	}
}

func TestLoginSyncsProviderOnExistingPrincipal(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t, &fakeProvider{
		name:      "directory",
		available: true,
		result:    Success("alice", "alice@corp.example.com", "corp"),
	})
	if err := f.store.CreatePrincipal(ctx, &Principal{
		ID:           "p-1",
		Username:     "alice",
		PasswordHash: SentinelPasswordHash,
		Provider:     LocalProviderName,
	}); err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}

	if _, err := f.logins.Login(ctx, "alice", "pw", "docs"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	principal, err := f.store.FindPrincipalByID(ctx, "p-1")
	if err != nil {
		t.Fatalf("FindPrincipalByID: %v", err)
	}
	if principal.Provider != "corp" {
		t.Fatalf("provider tag not synced: %s", principal.Provider)
	}
	// First directory login into docs picked up the default role.
	roles, err := f.store.CurrentRoles(ctx, "p-1", "docs")
	if err != nil || len(roles) != 1 || roles[0] != "viewer" {
		t.Fatalf("default role not assigned on first login: %v err=%v", roles, err)
	}
}

func TestRefreshReflectsGrantChanges(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t)
	f.addLocalPrincipal(t, "p-1", "alice", "pw")
	if err := f.grants.AssignRole(ctx, AssignRoleInput{PrincipalID: "p-1", Application: "docs", Role: "viewer"}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	res, err := f.logins.Login(ctx, "alice", "pw", "docs")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := f.grants.AssignRole(ctx, AssignRoleInput{PrincipalID: "p-1", Application: "docs", Role: "editor"}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	refreshed, err := f.logins.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	claims, err := f.tokens.VerifyAccessToken(refreshed.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("refreshed token does not carry the new grant: %v", claims.Roles)
	}
}

func TestRefreshRejectsAccessTokenAndMissingPrincipal(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t)
	f.addLocalPrincipal(t, "p-1", "alice", "pw")
	if err := f.grants.AssignRole(ctx, AssignRoleInput{PrincipalID: "p-1", Application: "docs", Role: "viewer"}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	res, err := f.logins.Login(ctx, "alice", "pw", "docs")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := f.logins.Refresh(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrTokenWrongClass) {
		t.Fatalf("access token accepted for refresh: %v", err)
	}

	// A refresh token for a deleted principal is just invalid.
	if err := f.store.DeletePrincipal(ctx, "p-1"); err != nil {
		t.Fatalf("DeletePrincipal: %v", err)
	}
	if _, err := f.logins.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh for deleted principal: %v", err)
	}
}

func TestRefreshAfterRevokeIsNotAuthorized(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t)
	f.addLocalPrincipal(t, "p-1", "alice", "pw")
	if err := f.grants.AssignRole(ctx, AssignRoleInput{PrincipalID: "p-1", Application: "docs", Role: "viewer"}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	res, err := f.logins.Login(ctx, "alice", "pw", "docs")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.grants.RevokeAllRoles(ctx, "p-1"); err != nil {
		t.Fatalf("RevokeAllRoles: %v", err)
	}
	if _, err := f.logins.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("refresh after revoke: %v", err)
	}
}

func TestValidateReturnsClaims(t *testing.T) {
	ctx := context.Background()
	f := newLoginFixture(t)
	f.addLocalPrincipal(t, "p-1", "alice", "pw")
	if err := f.grants.AssignRole(ctx, AssignRoleInput{PrincipalID: "p-1", Application: "docs", Role: "viewer"}); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	res, err := f.logins.Login(ctx, "alice", "pw", "docs")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	claims, err := f.logins.Validate(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "p-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if _, err := f.logins.Validate(res.Tokens.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh token validated as access: %v", err)
	}

	later := time.Now().Add(30 * time.Minute)
	expired, err := NewTokenService("test-secret", WithTokenClock(func() time.Time { return later }))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	if _, err := expired.VerifyAccessToken(res.Tokens.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
}
