package identity

import (
	"context"
	"errors"
)

// LocalProviderName labels principals validated against the credential store.
const LocalProviderName = "local"

// LocalProvider authenticates against password hashes held in the credential
// store. Principals carrying the directory sentinel hash are reported as
// unknown here: they can only ever be validated by the directory that
// provisioned them.
type LocalProvider struct {
	store Store
}

func NewLocalProvider(store Store) *LocalProvider {
	return &LocalProvider{store: store}
}

func (p *LocalProvider) Name() string { return LocalProviderName }

func (p *LocalProvider) Available() bool { return p.store != nil }

func (p *LocalProvider) Authenticate(ctx context.Context, username, secret string) AuthResult {
	if username == "" || secret == "" {
		return Failure(FailureCredentialRejected, errors.New("empty username or secret"))
	}
	principal, err := p.store.FindPrincipalByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return Failure(FailureUnknownPrincipal, nil)
	}
	if err != nil {
		return Failure(FailureInfrastructure, err)
	}
	if principal.PasswordHash == "" || principal.PasswordHash == SentinelPasswordHash {
		return Failure(FailureUnknownPrincipal, nil)
	}
	if err := VerifyPassword(principal.PasswordHash, secret); err != nil {
		return Failure(FailureCredentialRejected, nil)
	}
	return Success(principal.Username, principal.Email, LocalProviderName)
}
