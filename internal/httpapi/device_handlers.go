package httpapi

import (
	"net/http"
	"strings"

	"qazna.org/authcore/internal/audit"
	"qazna.org/authcore/internal/auth"
)

// GET /v1/auth/devices
func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.listDevices(w, r, callerID(r))
}

// /v1/auth/devices/{id}, /v1/auth/devices/revoke-all, /v1/auth/devices/users/{userId}[/{id}]
func (a *API) handleDeviceResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/auth/devices/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "revoke-all":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeAllDevices(w, r)

	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.revokeDevice(w, r, callerID(r), parts[0])

	case parts[0] == "users" && len(parts) == 2:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if _, ok := a.require(w, r, auth.RequireAll(auth.PermUserDevices)); !ok {
			return
		}
		a.listDevices(w, r, parts[1])

	case parts[0] == "users" && len(parts) == 3:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if _, ok := a.require(w, r, auth.RequireAll(auth.PermUserDevices)); !ok {
			return
		}
		a.revokeDevice(w, r, parts[1], parts[2])

	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request, accountID string) {
	devices, err := a.deps.Devices.ListDevices(r.Context(), accountID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *API) revokeDevice(w http.ResponseWriter, r *http.Request, accountID, deviceID string) {
	if err := a.deps.Devices.RevokeDevice(r.Context(), accountID, deviceID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventDeviceRevoked, map[string]any{
		"target_account_id": accountID,
		"device_id":         deviceID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// revokeAllDevices keeps the caller's own session alive.
func (a *API) revokeAllDevices(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w, r, auth.ErrUnauthenticated)
		return
	}
	n, err := a.deps.Devices.RevokeAllExceptCurrent(r.Context(), claims.Subject, claims.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventDevicesRevoked, map[string]any{"revoked": n})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}
