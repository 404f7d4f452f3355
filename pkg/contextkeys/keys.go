// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//   import "github.com/keystonehq/keystone/pkg/contextkeys"
//   ctx = context.WithValue(ctx, contextkeys.IdentityKey, ident)
//   ident := ctx.Value(contextkeys.IdentityKey).(*identity.Identity)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *identity.Identity
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: all protected endpoints, IAM permission middleware
	// Type: *identity.Identity
	IdentityKey Key = "identity"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, audit trail
	// Type: string
	RequestIDKey Key = "request_id"

	// CompanyIDKey contains the tenant selected for this request
	// Set by: middleware.TenantMiddleware from the X-Company-ID header
	// Used by: IAM checks, navigation, audit scoping
	// Type: int64
	CompanyIDKey Key = "company_id"
)

// WithValue is a typed convenience wrapper around context.WithValue
func WithValue(ctx context.Context, key Key, value interface{}) context.Context {
	return context.WithValue(ctx, key, value)
}

// Value retrieves the raw value stored under key
func Value(ctx context.Context, key Key) interface{} {
	return ctx.Value(key)
}
