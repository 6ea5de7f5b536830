package identity

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("identity: not found")
	ErrInvalidInput = errors.New("identity: invalid input")
	ErrConflict     = errors.New("identity: resource conflict")

	// ErrUnknownPrincipal means no backend recognized the username.
	ErrUnknownPrincipal = errors.New("identity: unknown principal")
	// ErrCredentialRejected means a backend definitively refused the secret.
	ErrCredentialRejected = errors.New("identity: credential rejected")
	// ErrInfrastructure means a backend could not be asked at all. It must
	// never be collapsed into a credential error on the way out.
	ErrInfrastructure = errors.New("identity: authentication backend unavailable")
	// ErrNotAuthorized means the credentials were valid but the principal
	// holds no access to the requested application.
	ErrNotAuthorized = errors.New("identity: not authorized for application")

	ErrTokenExpired = errors.New("identity: token expired")
	ErrTokenInvalid = errors.New("identity: invalid token")

	ErrDuplicateUsername = errors.New("identity: username already exists")
	ErrDuplicateEmail    = errors.New("identity: email already exists")

	// ErrConfiguration signals a caller-side wiring mistake, e.g. asking the
	// token service for neither single- nor multi-application claims.
	ErrConfiguration = errors.New("identity: configuration error")
)

// ErrTokenWrongClass is a refinement of ErrTokenInvalid raised when a refresh
// token is presented where an access token is required or vice versa. Callers
// that need the distinction match on it with errors.Is; everyone else sees a
// plain invalid token.
var ErrTokenWrongClass = fmt.Errorf("%w: wrong token class", ErrTokenInvalid)
