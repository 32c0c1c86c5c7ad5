package rbac

import (
	"net/http"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
)

const (
	MsgRoleDenied       = "Access denied. You do not have permission to access this resource."
	MsgPermissionDenied = "Access denied. You do not have the required permissions."
)

// Denial is a terminal guard outcome
type Denial struct {
	Status  int
	Message string
	Context map[string]interface{}
}

// Write renders the denial as a failure envelope
func (d *Denial) Write(w http.ResponseWriter) {
	httputil.WriteFailure(w, d.Status, d.Message, d.Context)
}

func unauthenticated() *Denial {
	return &Denial{Status: http.StatusUnauthorized, Message: auth.MsgUnauthenticated}
}

// CheckRoles denies unless p holds one of roles. It does not special-case
// super_admin; callers that want the bypass list it or run the guard inside
// middleware.Chain.
func CheckRoles(p *auth.Principal, roles []auth.Role) *Denial {
	if p == nil {
		return unauthenticated()
	}
	if p.HasAnyRole(roles...) {
		return nil
	}
	required := make([]string, len(roles))
	for i, r := range roles {
		required[i] = r.String()
	}
	return &Denial{
		Status:  http.StatusForbidden,
		Message: MsgRoleDenied,
		Context: map[string]interface{}{
			"required_roles": required,
			"your_role":      p.Role.String(),
		},
	}
}

// CheckPermissions denies unless p's role holds at least one of perms
func (r *Registry) CheckPermissions(p *auth.Principal, perms []Permission) *Denial {
	if p == nil {
		return unauthenticated()
	}
	if r.HasAnyPermission(p.Role, perms...) {
		return nil
	}
	required := make([]string, len(perms))
	for i, perm := range perms {
		required[i] = perm.String()
	}
	return &Denial{
		Status:  http.StatusForbidden,
		Message: MsgPermissionDenied,
		Context: map[string]interface{}{
			"required_permissions": required,
			"your_role":            p.Role.String(),
		},
	}
}

// RequireRole returns middleware enforcing CheckRoles
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d := CheckRoles(auth.PrincipalFrom(r.Context()), roles); d != nil {
				d.Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission returns middleware enforcing CheckPermissions
func (r *Registry) RequirePermission(perms ...Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if d := r.CheckPermissions(auth.PrincipalFrom(req.Context()), perms); d != nil {
				d.Write(w)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
