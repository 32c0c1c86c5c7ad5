package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/contextkeys"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
)

// TokenValidator resolves an opaque API token
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.APIToken, error)
}

// UserLoader loads principals by id
type UserLoader interface {
	GetByID(ctx context.Context, id int64) (*auth.Principal, error)
}

// ImpersonationAuthenticator verifies impersonation credentials
type ImpersonationAuthenticator interface {
	// Authenticate returns the session and the impersonated user's id. An
	// expired credential closes its session and fails.
	Authenticate(ctx context.Context, credential string) (*auth.Impersonation, int64, error)
	// RecordAction appends to the session's action trail while it is active
	RecordAction(ctx context.Context, sessionID int64, action string, details map[string]interface{}) error
}

// AuthGuard is the authentication stage. It accepts an opaque token
// (sg_ prefix) or, when configured, an impersonation credential.
type AuthGuard struct {
	tokens        TokenValidator
	users         UserLoader
	impersonation ImpersonationAuthenticator
	logger        *logrus.Logger
}

// NewAuthGuard creates the authentication stage
func NewAuthGuard(tokens TokenValidator, users UserLoader, logger *logrus.Logger) *AuthGuard {
	return &AuthGuard{tokens: tokens, users: users, logger: logger}
}

// WithImpersonation enables impersonation credentials
func (g *AuthGuard) WithImpersonation(ia ImpersonationAuthenticator) *AuthGuard {
	g.impersonation = ia
	return g
}

// BearerToken returns the credential from "Authorization: Bearer <x>"
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, credential, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(credential)
}

func unauthenticated() *rbac.Denial {
	return &rbac.Denial{Status: http.StatusUnauthorized, Message: auth.MsgUnauthenticated}
}

// Authenticate resolves the request's principal. On success the returned
// request carries the principal and either the token or the impersonation.
func (g *AuthGuard) Authenticate(r *http.Request) (*http.Request, *rbac.Denial) {
	credential := BearerToken(r)
	if credential == "" {
		return r, unauthenticated()
	}
	ctx := r.Context()

	if strings.HasPrefix(credential, auth.TokenPrefix) {
		token, err := g.tokens.ValidateToken(ctx, credential)
		if err != nil {
			g.logger.WithError(err).Debug("rejected api token")
			return r, unauthenticated()
		}
		p, denial := g.loadActive(ctx, token.UserID)
		if denial != nil {
			return r, denial
		}
		ctx = contextkeys.WithPrincipal(ctx, p)
		ctx = contextkeys.WithToken(ctx, token)
		return r.WithContext(ctx), nil
	}

	if g.impersonation == nil {
		return r, unauthenticated()
	}
	imp, userID, err := g.impersonation.Authenticate(ctx, credential)
	if err != nil {
		g.logger.WithError(err).Debug("rejected impersonation credential")
		return r, unauthenticated()
	}
	p, denial := g.loadActive(ctx, userID)
	if denial != nil {
		return r, denial
	}
	ctx = contextkeys.WithPrincipal(ctx, p)
	ctx = contextkeys.WithImpersonation(ctx, imp)
	return r.WithContext(ctx), nil
}

func (g *AuthGuard) loadActive(ctx context.Context, userID int64) (*auth.Principal, *rbac.Denial) {
	p, err := g.users.GetByID(ctx, userID)
	if err != nil {
		g.logger.WithError(err).WithField("user_id", userID).Warn("failed to load token owner")
		return nil, unauthenticated()
	}
	if !p.Active {
		return nil, unauthenticated()
	}
	return p, nil
}

// RecordImpersonatedAction attributes the request to its impersonation
// session. Failures are logged and never fail the request.
func (g *AuthGuard) RecordImpersonatedAction(r *http.Request, action string) {
	imp := auth.ImpersonationFrom(r.Context())
	if imp == nil || g.impersonation == nil {
		return
	}
	details := map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
	}
	if err := g.impersonation.RecordAction(r.Context(), imp.SessionID, action, details); err != nil {
		g.logger.WithError(err).WithField("session_id", imp.SessionID).Warn("failed to record impersonated action")
	}
}

// Handler runs the authentication stage alone, for routes that need a
// principal but no further guards
func (g *AuthGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, denial := g.Authenticate(r)
		if denial != nil {
			denial.Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
