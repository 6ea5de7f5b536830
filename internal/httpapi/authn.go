package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"veriam.dev/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth requires a valid access token and attaches its claims to the
// request context. Stateless only: privilege-sensitive handlers re-check
// current grants through the access service themselves.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.logins.Validate(token)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrTokenExpired):
				writeError(w, r, http.StatusUnauthorized, "token expired")
			case errors.Is(err, identity.ErrTokenInvalid):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		ctx := identity.ContextWithClaims(r.Context(), claims)
		ctx = identity.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
