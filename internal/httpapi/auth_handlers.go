package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"veriam.dev/internal/identity"
	"veriam.dev/internal/obs"
)

type loginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Application string `json:"application,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	result, err := a.logins.Login(r.Context(), req.Username, req.Password, strings.TrimSpace(req.Application))
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	result, err := a.logins.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		obs.IncTokenVerification(identity.TokenClassRefresh, outcomeLabel(err))
		handleIdentityError(w, r, err)
		return
	}
	obs.IncTokenVerification(identity.TokenClassRefresh, "success")
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	claims, err := a.logins.Validate(token)
	if err != nil {
		obs.IncTokenVerification(identity.TokenClassAccess, outcomeLabel(err))
		handleIdentityError(w, r, err)
		return
	}
	obs.IncTokenVerification(identity.TokenClassAccess, "success")
	writeJSON(w, http.StatusOK, claims)
}

// handleIdentityError maps the core error taxonomy onto HTTP statuses. The
// credential/unknown distinction stays server-side: both surface as a generic
// 401. Infrastructure failures surface as 503, never as bad credentials.
func handleIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrInfrastructure):
		writeError(w, r, http.StatusServiceUnavailable, "authentication backend unavailable")
	case errors.Is(err, identity.ErrCredentialRejected), errors.Is(err, identity.ErrUnknownPrincipal):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, identity.ErrNotAuthorized):
		writeError(w, r, http.StatusForbidden, "not authorized for application")
	case errors.Is(err, identity.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "token expired")
	case errors.Is(err, identity.ErrTokenInvalid):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, identity.ErrDuplicateUsername), errors.Is(err, identity.ErrDuplicateEmail), errors.Is(err, identity.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		obs.LogEvent(map[string]any{"level": "error", "msg": "unhandled identity error", "error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, identity.ErrTokenExpired):
		return "expired"
	case errors.Is(err, identity.ErrTokenWrongClass):
		return "wrong_class"
	case errors.Is(err, identity.ErrTokenInvalid):
		return "invalid"
	default:
		return "error"
	}
}
