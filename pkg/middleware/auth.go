// Package middleware provides authentication and tenant-selection middleware
// for the Keystone API. Token verification is delegated to an external
// identity provider; the IAM engine only ever sees the resulting identity
// context.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/keystonehq/keystone/pkg/httputil"
	"github.com/keystonehq/keystone/pkg/identity"
	"github.com/keystonehq/keystone/pkg/observability"
)

// TokenVerifier validates a bearer token and returns the caller's identity
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*identity.Identity, error)
}

// OIDCVerifier validates ID tokens issued by an OpenID Connect provider
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider and prepares an ID token verifier
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// Verify validates the raw ID token and maps its claims onto an Identity.
// The provider is expected to issue a numeric "uid" claim and an optional
// "super_admin" boolean.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*identity.Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	var claims struct {
		UserID     int64  `json:"uid"`
		Email      string `json:"email"`
		SuperAdmin bool   `json:"super_admin"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}
	if claims.UserID == 0 {
		return nil, fmt.Errorf("token is missing the uid claim")
	}

	return &identity.Identity{
		UserID:     claims.UserID,
		Email:      claims.Email,
		SuperAdmin: claims.SuperAdmin,
	}, nil
}

// StaticVerifier accepts a single configured token and is intended for
// development and tests only.
type StaticVerifier struct {
	token string
	ident identity.Identity
}

// NewStaticVerifier creates a verifier granting ident to the holder of token
func NewStaticVerifier(token string, ident identity.Identity) *StaticVerifier {
	return &StaticVerifier{token: token, ident: ident}
}

// Verify compares the raw token against the configured one
func (v *StaticVerifier) Verify(_ context.Context, rawToken string) (*identity.Identity, error) {
	if rawToken != v.token {
		return nil, fmt.Errorf("unknown token")
	}
	ident := v.ident
	return &ident, nil
}

// AuthMiddleware authenticates requests via a bearer token
type AuthMiddleware struct {
	verifier TokenVerifier
	optional bool
}

// NewAuthMiddleware creates authentication middleware. When optional is true
// unauthenticated requests pass through without an identity.
func NewAuthMiddleware(verifier TokenVerifier, optional bool) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, optional: optional}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		ident, err := m.verifier.Verify(r.Context(), parts[1])
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := identity.WithIdentity(r.Context(), ident)
		ctx = observability.WithActorID(ctx, ident.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantHeader selects the tenant for a request
const TenantHeader = "X-Company-ID"

// TenantMiddleware parses the tenant header into the context. Requests
// without the header pass through tenant-less; handlers that need a tenant
// reject those themselves, which keeps the super-admin short-circuit
// reachable without a company context.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(TenantHeader)
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		companyID, err := strconv.ParseInt(header, 10, 64)
		if err != nil || companyID <= 0 {
			httputil.WriteBadRequest(w, "invalid "+TenantHeader+" header")
			return
		}

		ctx := identity.WithCompanyID(r.Context(), companyID)
		ctx = observability.WithCompanyID(ctx, companyID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
