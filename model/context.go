package model

import "context"

// RequestContext is the signed-in user's view of the vendor for one request:
// the session, the tenant the calls go to and the bearer token they carry.
// It is built once by the session middleware and only read afterwards.
type RequestContext struct {
	SessionID     string
	SubjectID     string
	Email         string
	OrgName       string
	TenantName    string
	Token         string
	CorrelationID string
	TraceID       string
}

// Authenticated reports whether rc carries a token for vendor calls.
// A nil context is not authenticated.
func (rc *RequestContext) Authenticated() bool {
	return rc != nil && rc.Token != ""
}

// TenantKey is "org/tenant", or "/" for a nil context.
func (rc *RequestContext) TenantKey() string {
	if rc == nil {
		return "/"
	}
	return rc.OrgName + "/" + rc.TenantName
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
