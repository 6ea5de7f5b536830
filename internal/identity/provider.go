package identity

import (
	"context"

	"veriam.dev/internal/obs"
)

// FailureReason classifies why a provider refused an authentication attempt.
// The distinction drives a 401- vs 503-class outer response, so it must not be
// lost on the way up.
type FailureReason int

const (
	// FailureUnknownPrincipal: the backend does not know the username.
	FailureUnknownPrincipal FailureReason = iota
	// FailureCredentialRejected: the backend definitively said the secret is wrong.
	FailureCredentialRejected
	// FailureInfrastructure: the backend could not be asked (network, timeout,
	// protocol-level failure).
	FailureInfrastructure
)

func (r FailureReason) String() string {
	switch r {
	case FailureUnknownPrincipal:
		return "unknown_principal"
	case FailureCredentialRejected:
		return "credential_rejected"
	case FailureInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// AuthResult is the tagged outcome of one authentication attempt.
type AuthResult struct {
	OK bool

	// Populated on success.
	Username string // canonical form reported by the backend
	Email    string
	Provider string // provenance label

	// Populated on failure.
	Reason FailureReason
	Err    error // underlying cause, diagnostics only
}

// Success builds a successful result with the canonical identity attributes.
func Success(username, email, provider string) AuthResult {
	return AuthResult{OK: true, Username: username, Email: email, Provider: provider}
}

// Failure builds a failed result with a classified reason.
func Failure(reason FailureReason, err error) AuthResult {
	return AuthResult{Reason: reason, Err: err}
}

// AuthProvider is a strategy for verifying a secret against one backend.
type AuthProvider interface {
	Name() string
	Available() bool
	Authenticate(ctx context.Context, username, secret string) AuthResult
}

// Chain invokes providers in order and returns the first success. Providers
// reporting Available() == false are skipped. When every invoked provider
// fails, the aggregate is infrastructure if any individual failure was
// infrastructural, otherwise credential-rejected if any backend definitively
// refused the secret, otherwise unknown-principal.
type Chain struct {
	providers []AuthProvider
}

func NewChain(providers ...AuthProvider) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Authenticate(ctx context.Context, username, secret string) AuthResult {
	var (
		invoked     int
		sawInfra    bool
		sawRejected bool
		lastErr     error
	)
	for _, p := range c.providers {
		if !p.Available() {
			continue
		}
		invoked++
		res := p.Authenticate(ctx, username, secret)
		if res.OK {
			return res
		}
		// Failures are counted per backend; the aggregate below collapses
		// them into one outcome for the caller.
		obs.IncLogin(p.Name(), res.Reason.String())
		switch res.Reason {
		case FailureInfrastructure:
			sawInfra = true
		case FailureCredentialRejected:
			sawRejected = true
		}
		if res.Err != nil {
			lastErr = res.Err
		}
	}
	switch {
	case invoked == 0:
		// Nothing could be asked, which is its own failure mode with no
		// provider name to pin it on.
		obs.IncLogin("chain", FailureInfrastructure.String())
		return Failure(FailureInfrastructure, lastErr)
	case sawInfra:
		return Failure(FailureInfrastructure, lastErr)
	case sawRejected:
		return Failure(FailureCredentialRejected, lastErr)
	default:
		return Failure(FailureUnknownPrincipal, lastErr)
	}
}
