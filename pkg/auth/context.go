package auth

import (
	"context"
	"time"

	"github.com/platinummonkey/schoolguard/pkg/contextkeys"
)

// MsgUnauthenticated is returned with every 401
const MsgUnauthenticated = "Unauthorized. Please log in."

// PrincipalFrom returns the authenticated principal, or nil
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p
}

// TokenFrom returns the opaque token the request authenticated with, or nil
// when the request used another credential type.
func TokenFrom(ctx context.Context) *APIToken {
	t, _ := ctx.Value(contextkeys.TokenKey).(*APIToken)
	return t
}

// Impersonation marks a request made with an impersonation credential.
// The principal in the context is the impersonated user.
type Impersonation struct {
	SessionID      int64
	ImpersonatorID int64
	ExpiresAt      time.Time
}

// ImpersonationFrom returns the impersonation details, or nil for a normal
// request
func ImpersonationFrom(ctx context.Context) *Impersonation {
	imp, _ := ctx.Value(contextkeys.ImpersonationKey).(*Impersonation)
	return imp
}
