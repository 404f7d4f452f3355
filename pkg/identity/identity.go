// Package identity carries the authenticated caller through the request
// context. Keystone does not authenticate users itself; the auth middleware
// verifies a bearer token against an external provider and publishes the
// resulting Identity for the IAM layer to consume.
package identity

import (
	"context"

	"github.com/keystonehq/keystone/pkg/contextkeys"
)

// Identity describes the authenticated caller
type Identity struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email,omitempty"`

	// SuperAdmin bypasses all permission resolution. The short-circuit is
	// applied at the calling boundary before any tenant context is
	// required, so a super-admin without a company header is still
	// granted access.
	SuperAdmin bool `json:"super_admin"`
}

// WithIdentity stores the identity on the context
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return contextkeys.WithValue(ctx, contextkeys.IdentityKey, ident)
}

// FromContext retrieves the identity from the context; nil when the request
// is unauthenticated.
func FromContext(ctx context.Context) *Identity {
	if ident, ok := contextkeys.Value(ctx, contextkeys.IdentityKey).(*Identity); ok {
		return ident
	}
	return nil
}

// WithCompanyID stores the request's tenant on the context
func WithCompanyID(ctx context.Context, companyID int64) context.Context {
	return contextkeys.WithValue(ctx, contextkeys.CompanyIDKey, companyID)
}

// CompanyFromContext retrieves the tenant; zero when no tenant was selected
func CompanyFromContext(ctx context.Context) int64 {
	if id, ok := contextkeys.Value(ctx, contextkeys.CompanyIDKey).(int64); ok {
		return id
	}
	return 0
}
