package httpapi

import (
	"net/http"
	"strings"
	"time"

	"veriam.dev/internal/audit"
	"veriam.dev/internal/identity"
)

type verifyAccessRequest struct {
	PrincipalID string `json:"principal_id"`
	Application string `json:"application"`
	Role        string `json:"role,omitempty"`
}

type assignGrantRequest struct {
	PrincipalID string     `json:"principal_id"`
	Application string     `json:"application"`
	Role        string     `json:"role"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type revokeGrantRequest struct {
	PrincipalID string `json:"principal_id"`
	Application string `json:"application,omitempty"`
	Role        string `json:"role,omitempty"`
}

func (a *API) handleVerifyAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	granted, err := a.access.Verify(r.Context(), strings.TrimSpace(req.PrincipalID), strings.TrimSpace(req.Application), strings.TrimSpace(req.Role))
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granted": granted})
}

// grantAdminRole is the role a caller must currently hold in an application
// to administer grants there.
const grantAdminRole = "admin"

// ensureGrantAdmin re-checks the caller's current grants through the access
// service. A valid token is not enough for grant mutations: the admin role
// could have been revoked since the token was issued.
func (a *API) ensureGrantAdmin(w http.ResponseWriter, r *http.Request, applications ...string) bool {
	claims, ok := identity.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing token claims")
		return false
	}
	for _, app := range applications {
		granted, err := a.access.Verify(r.Context(), claims.Subject, app, grantAdminRole)
		if err != nil {
			handleIdentityError(w, r, err)
			return false
		}
		if !granted {
			writeError(w, r, http.StatusForbidden, "grant administration requires the admin role in "+app)
			return false
		}
	}
	return true
}

func (a *API) handleGrants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleAssignGrant(w, r)
	case http.MethodDelete:
		a.handleRevokeGrant(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleAssignGrant(w http.ResponseWriter, r *http.Request) {
	var req assignGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	in := assignInput(r, req)
	if in.Application == "" {
		writeError(w, r, http.StatusBadRequest, "application is required")
		return
	}
	if !a.ensureGrantAdmin(w, r, in.Application) {
		return
	}
	err := a.grants.AssignRole(r.Context(), in)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "grant.assign", map[string]any{
		"principal_id": req.PrincipalID,
		"application":  req.Application,
		"role":         req.Role,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"principal_id": req.PrincipalID,
		"application":  req.Application,
		"role":         req.Role,
	})
}

// handleRevokeGrant dispatches on which fields are present: role set revokes
// one grant, application alone revokes every role there, principal alone
// revokes everything.
func (a *API) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	var req revokeGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	principalID := strings.TrimSpace(req.PrincipalID)
	application := strings.TrimSpace(req.Application)
	role := strings.TrimSpace(req.Role)

	var (
		affected int64
		err      error
		event    string
	)
	switch {
	case role != "" && application != "":
		if !a.ensureGrantAdmin(w, r, application) {
			return
		}
		affected, err = a.grants.RevokeRole(r.Context(), principalID, application, role)
		event = "grant.revoke"
	case application != "":
		if !a.ensureGrantAdmin(w, r, application) {
			return
		}
		affected, err = a.grants.RevokeApplicationRoles(r.Context(), principalID, application)
		event = "grant.revoke_application"
	case role != "":
		writeError(w, r, http.StatusBadRequest, "role requires an application")
		return
	default:
		// A principal-wide wipe touches every application the target holds
		// roles in, so the caller must administer all of them.
		apps, lookupErr := a.grants.ApplicationsWithGrants(r.Context(), principalID)
		if lookupErr != nil {
			handleIdentityError(w, r, lookupErr)
			return
		}
		if !a.ensureGrantAdmin(w, r, apps...) {
			return
		}
		affected, err = a.grants.RevokeAllRoles(r.Context(), principalID)
		event = "grant.revoke_all"
	}
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"principal_id": principalID,
		"application":  application,
		"role":         role,
		"affected":     affected,
	})
	writeJSON(w, http.StatusOK, map[string]any{"affected": affected})
}

func assignInput(r *http.Request, req assignGrantRequest) (in identity.AssignRoleInput) {
	in.PrincipalID = strings.TrimSpace(req.PrincipalID)
	in.Application = strings.TrimSpace(req.Application)
	in.Role = strings.TrimSpace(req.Role)
	in.ExpiresAt = req.ExpiresAt
	if claims, ok := identity.ClaimsFromContext(r.Context()); ok {
		in.GrantedBy = claims.Subject
	}
	return in
}
