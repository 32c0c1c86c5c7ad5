package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/observability"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
)

// Guard stage names, used for spans and metrics
const (
	StageAuthenticate = "authenticate"
	StageTenant       = "tenant"
	StageRole         = "role"
	StagePermission   = "permission"
	StageMaintenance  = "maintenance"
)

// MsgMaintenance is returned to everyone but super-admins while the
// platform is in maintenance mode
const MsgMaintenance = "The platform is under maintenance. Please try again later."

// Guards is what a route requires beyond authentication
type Guards struct {
	Roles       []auth.Role
	Permissions []rbac.Permission

	// SkipTenant leaves out the school stage, for routes any authenticated
	// user may reach (me, logout)
	SkipTenant bool

	// SuperAdmin marks the platform route group. Non-super-admins are
	// denied and the attempt is logged as permission_denied; every
	// admitted request is logged as super_admin_access.
	SuperAdmin bool
}

// Chain runs the guard stages in a fixed order: authenticate, tenant,
// role, permission, then the activity log around the handler. A
// super_admin skips tenant membership, role and permission checks here and
// nowhere else; a school it names must still exist.
type Chain struct {
	auth     *AuthGuard
	tenant   *TenantGuard
	registry *rbac.Registry
	recorder *audit.Recorder
	activity *audit.Middleware
	logger   *logrus.Logger
	metrics  *observability.Metrics
	otel     *observability.OTelMetrics
	tracer   trace.Tracer

	maintenance func(ctx context.Context) bool
}

// ChainOption configures a Chain
type ChainOption func(*Chain)

// WithMetrics counts guard decisions in Prometheus
func WithMetrics(m *observability.Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// WithOTelMetrics counts guard denials through OpenTelemetry
func WithOTelMetrics(m *observability.OTelMetrics) ChainOption {
	return func(c *Chain) { c.otel = m }
}

// WithTracer overrides the tracer used for stage spans
func WithTracer(t trace.Tracer) ChainOption {
	return func(c *Chain) { c.tracer = t }
}

// WithMaintenance turns non-super-admin requests away with 503 while
// enabled reports true
func WithMaintenance(enabled func(ctx context.Context) bool) ChainOption {
	return func(c *Chain) { c.maintenance = enabled }
}

// NewChain builds the guard chain
func NewChain(authGuard *AuthGuard, tenant *TenantGuard, registry *rbac.Registry, recorder *audit.Recorder, logger *logrus.Logger, opts ...ChainOption) *Chain {
	c := &Chain{
		auth:     authGuard,
		tenant:   tenant,
		registry: registry,
		recorder: recorder,
		activity: audit.NewMiddleware(recorder),
		logger:   logger,
		tracer:   otel.Tracer("github.com/platinummonkey/schoolguard/pkg/middleware"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Require returns middleware enforcing g
func (c *Chain) Require(g Guards) func(http.Handler) http.Handler {
	// a super-admin's named school must exist on the platform group too
	checkTarget := !g.SkipTenant || g.SuperAdmin
	if g.SuperAdmin {
		g.Roles = []auth.Role{auth.RoleSuperAdmin}
		g.SkipTenant = true
	}
	return func(next http.Handler) http.Handler {
		inner := c.activity.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, denial := c.stage(r, StageAuthenticate, c.auth.Authenticate)
			if denial != nil {
				denial.Write(w)
				return
			}
			p := auth.PrincipalFrom(r.Context())

			if imp := auth.ImpersonationFrom(r.Context()); imp != nil {
				c.otel.RecordImpersonationAction(r.Context(), r.Method)
				c.auth.RecordImpersonatedAction(r, r.Method+" "+audit.RequestPath(r))
			}

			if p.IsSuperAdmin() {
				if checkTarget {
					if r, denial = c.stage(r, StageTenant, c.tenant.CheckTarget); denial != nil {
						denial.Write(w)
						return
					}
				}
				c.metrics.RecordDecision("super_admin", "bypass")
				if g.SuperAdmin {
					c.recordSuperAdminAccess(r)
				}
				inner.ServeHTTP(w, r)
				return
			}

			if c.maintenance != nil {
				r, denial = c.stage(r, StageMaintenance, func(r *http.Request) (*http.Request, *rbac.Denial) {
					if c.maintenance(r.Context()) {
						return r, &rbac.Denial{Status: http.StatusServiceUnavailable, Message: MsgMaintenance}
					}
					return r, nil
				})
				if denial != nil {
					denial.Write(w)
					return
				}
			}

			if !g.SkipTenant {
				r, denial = c.stage(r, StageTenant, func(r *http.Request) (*http.Request, *rbac.Denial) {
					return c.tenant.CheckMember(r, p)
				})
				if denial != nil {
					denial.Write(w)
					return
				}
			}

			if len(g.Roles) > 0 {
				r, denial = c.stage(r, StageRole, func(r *http.Request) (*http.Request, *rbac.Denial) {
					return r, rbac.CheckRoles(p, g.Roles)
				})
				if denial != nil {
					c.logDenial(r, p, g, StageRole)
					denial.Write(w)
					return
				}
			}

			if len(g.Permissions) > 0 {
				r, denial = c.stage(r, StagePermission, func(r *http.Request) (*http.Request, *rbac.Denial) {
					return r, c.registry.CheckPermissions(p, g.Permissions)
				})
				if denial != nil {
					c.logDenial(r, p, g, StagePermission)
					denial.Write(w)
					return
				}
			}

			inner.ServeHTTP(w, r)
		})
	}
}

// SuperAdmin is Require(Guards{SuperAdmin: true})
func (c *Chain) SuperAdmin() func(http.Handler) http.Handler {
	return c.Require(Guards{SuperAdmin: true})
}

// Authenticated requires a principal and an accessible school
func (c *Chain) Authenticated() func(http.Handler) http.Handler {
	return c.Require(Guards{})
}

// Roles requires one of roles
func (c *Chain) Roles(roles ...auth.Role) func(http.Handler) http.Handler {
	return c.Require(Guards{Roles: roles})
}

// Permissions requires at least one of perms
func (c *Chain) Permissions(perms ...rbac.Permission) func(http.Handler) http.Handler {
	return c.Require(Guards{Permissions: perms})
}

// stage runs one guard inside an authz.<name> span. A panicking guard
// denies the request.
func (c *Chain) stage(r *http.Request, name string, check func(*http.Request) (*http.Request, *rbac.Denial)) (out *http.Request, denial *rbac.Denial) {
	parent := trace.SpanFromContext(r.Context())
	ctx, span := c.tracer.Start(r.Context(), "authz."+name)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.WithField("stage", name).WithField("panic", fmt.Sprint(rec)).Error("guard panicked")
			out, denial = r, internalDenial()
		}
		if denial != nil {
			span.SetAttributes(attribute.Int("http.status_code", denial.Status))
			span.SetStatus(codes.Error, denial.Message)
			c.metrics.RecordDecision(name, "denied")
			c.otel.RecordGuardDenial(ctx, name, denial.Status)
			return
		}
		c.metrics.RecordDecision(name, "allowed")
		// keep what the guard stored, without the stage span
		out = out.WithContext(trace.ContextWithSpan(out.Context(), parent))
	}()

	return check(r.WithContext(ctx))
}

// logDenial reports a role or permission denial. On the platform group the
// attempt also goes to the activity log.
func (c *Chain) logDenial(r *http.Request, p *auth.Principal, g Guards, stage string) {
	c.logger.WithFields(logrus.Fields{
		"user_id":   p.ID,
		"user_role": p.Role.String(),
		"stage":     stage,
		"path":      r.URL.Path,
	}).Warn("Access denied")

	if !g.SuperAdmin {
		return
	}
	entry := audit.NewEntry(r, audit.ActionPermissionDenied)
	roles := make([]string, len(g.Roles))
	for i, role := range g.Roles {
		roles[i] = role.String()
	}
	entry.NewValues = map[string]interface{}{
		"route":          audit.RequestPath(r),
		"method":         r.Method,
		"required_roles": roles,
	}
	c.recorder.Record(r.Context(), entry)
}

func (c *Chain) recordSuperAdminAccess(r *http.Request) {
	entry := audit.NewEntry(r, audit.ActionSuperAdminAccess)
	entry.NewValues = map[string]interface{}{
		"route":  audit.RequestPath(r),
		"method": r.Method,
		"params": audit.RequestParams(r),
	}
	c.recorder.Record(r.Context(), entry)
}
