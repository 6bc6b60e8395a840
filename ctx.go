package auth

import (
	"context"
)

var claimsCtxKey = &contextKey{"claims"}
var requestCtxKey = &contextKey{"request"}

type contextKey struct {
	name string
}

// RequestMeta describes the client behind a lifecycle call
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// WithRequestMeta sets the RequestMeta in the given context
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestCtxKey, meta)
}

// RequestMetaFromContext finds the RequestMeta in the context.
func RequestMetaFromContext(ctx context.Context) (RequestMeta, bool) {
	if ctx == nil {
		return RequestMeta{}, false
	}
	raw, ok := ctx.Value(requestCtxKey).(RequestMeta)
	return raw, ok
}

// WithClaimsContext sets the SessionClaims in the given context
func WithClaimsContext(ctx context.Context, claims *SessionClaims) context.Context {
	return context.WithValue(ctx, claimsCtxKey, claims)
}

// GetClaims extracts the SessionClaims from the context
func GetClaims(ctx context.Context) (*SessionClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	raw, ok := ctx.Value(claimsCtxKey).(*SessionClaims)
	return raw, ok && raw != nil
}
