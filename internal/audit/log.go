package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/obs"
)

// Audit event names.
const (
	EventLogin            = "auth.login"
	EventLoginFailed      = "auth.login_failed"
	EventSignup           = "auth.signup"
	EventLogout           = "auth.logout"
	EventRefresh          = "auth.refresh"
	EventRefreshReuse     = "auth.refresh_reuse"
	EventEmailVerified    = "auth.email_verified"
	EventPasswordChanged  = "auth.password_changed"
	EventPasswordReset    = "auth.password_reset"
	EventProviderLinked   = "auth.provider_linked"
	EventProviderUnlinked = "auth.provider_unlinked"
	EventDeviceRevoked    = "auth.device_revoked"
	EventDevicesRevoked   = "auth.devices_revoked"
	EventRoleCreated      = "rbac.role_created"
	EventRoleUpdated      = "rbac.role_updated"
	EventRoleDeleted      = "rbac.role_deleted"
	EventRoleAssigned     = "rbac.role_assigned"
	EventRoleRevoked      = "rbac.role_revoked"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the request id, the authenticated account and
// its session, and the client address. Token material must never be passed in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		entry["account_id"] = claims.Subject
		if claims.SessionID != "" {
			entry["session_id"] = claims.SessionID
		}
	}
	if device, ok := auth.DeviceFromContext(ctx); ok && device.IPAddress != "" {
		entry["ip"] = device.IPAddress
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
