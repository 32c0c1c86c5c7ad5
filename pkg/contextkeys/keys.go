// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/schoolguard/pkg/contextkeys"
//	ctx = contextkeys.WithPrincipal(ctx, principal)
//	principal, _ := ctx.Value(contextkeys.PrincipalKey).(*auth.Principal)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains *auth.Principal
	// Set by: middleware.AuthGuard (pkg/middleware/auth.go)
	// Required by: every protected endpoint, role/permission guards, scope resolver
	// Type: *auth.Principal
	PrincipalKey Key = "principal"

	// TokenKey contains *auth.APIToken for opaque credentials
	// Set by: middleware.AuthGuard
	// Used by: logout (revokes the presented token)
	// Type: *auth.APIToken
	TokenKey Key = "api_token"

	// SchoolKey contains *tenancy.School
	// Set by: middleware.TenantGuard after the school passed its license checks,
	// or the super-admin's explicit target school
	// Used by: scope resolver, school-scoped handlers
	// Type: *tenancy.School
	SchoolKey Key = "school"

	// ImpersonationKey contains *auth.Impersonation
	// Set by: middleware.AuthGuard when the bearer is an impersonation credential
	// Used by: action attribution, activity log description
	// Type: *auth.Impersonation
	ImpersonationKey Key = "impersonation"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, activity log, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// WithToken adds the presented API token to the context
func WithToken(ctx context.Context, token interface{}) context.Context {
	return context.WithValue(ctx, TokenKey, token)
}

// WithSchool adds the resolved school to the context
func WithSchool(ctx context.Context, school interface{}) context.Context {
	return context.WithValue(ctx, SchoolKey, school)
}

// WithImpersonation adds impersonation details to the context
func WithImpersonation(ctx context.Context, imp interface{}) context.Context {
	return context.WithValue(ctx, ImpersonationKey, imp)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
