package auth

import "context"

type claimsContextKey struct{}
type tokenContextKey struct{}
type deviceContextKey struct{}

// ContextWithClaims attaches verified access claims to the context.
func ContextWithClaims(ctx context.Context, claims *AccessClaims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts the verified access claims from the context.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*AccessClaims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// AccountIDFromContext returns the authenticated account id, if any.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ContextWithDevice carries the client device metadata recorded on issued credentials.
func ContextWithDevice(ctx context.Context, info DeviceInfo) context.Context {
	return context.WithValue(ctx, deviceContextKey{}, &info)
}

// DeviceFromContext returns the device metadata of the originating request.
func DeviceFromContext(ctx context.Context) (*DeviceInfo, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(deviceContextKey{}).(*DeviceInfo)
	if !ok || v == nil {
		return nil, false
	}
	cp := *v
	return &cp, true
}
