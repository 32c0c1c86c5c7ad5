package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
)

const (
	MsgInvalidCredentials = "Invalid credentials"
	MsgDeactivated        = "Your account has been deactivated."
)

// Login outcomes reported to metrics
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeInactive = "inactive"
	OutcomeError    = "error"
)

// dummyHash is compared against when no user matches, so unknown and known
// identifiers take the same time
var (
	dummyHash     string
	dummyHashOnce sync.Once
)

func verifyDummy(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = auth.HashPassword("schoolguard-timing-equalizer")
	})
	_ = auth.VerifyPassword(dummyHash, password)
}

// Users is the user lookup login needs. Satisfied by *auth.UserStore.
type Users interface {
	GetByLogin(ctx context.Context, identifier string) (*auth.Principal, error)
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
}

// Tokens issues and revokes bearer tokens. Satisfied by *auth.TokenManager.
type Tokens interface {
	CreateToken(ctx context.Context, userID int64, name string, ttl time.Duration) (*auth.APIToken, string, error)
	RevokeToken(ctx context.Context, t *auth.APIToken) error
}

// PermissionLister lists a role's permissions. Satisfied by *rbac.Registry.
type PermissionLister interface {
	Permissions(role auth.Role) []rbac.Permission
}

// LoginObserver counts login outcomes. Satisfied by *observability.Metrics.
type LoginObserver interface {
	RecordLogin(outcome string)
}

// Handlers serves login, logout and the current-user endpoint
type Handlers struct {
	users    Users
	tokens   Tokens
	perms    PermissionLister
	recorder *audit.Recorder
	observer LoginObserver
	logger   *logrus.Logger
	tokenTTL time.Duration
	now      func() time.Time
}

// NewHandlers creates session handlers. observer may be nil.
func NewHandlers(users Users, tokens Tokens, perms PermissionLister, recorder *audit.Recorder, observer LoginObserver, logger *logrus.Logger, tokenTTL time.Duration) *Handlers {
	return &Handlers{
		users:    users,
		tokens:   tokens,
		perms:    perms,
		recorder: recorder,
		observer: observer,
		logger:   logger,
		tokenTTL: tokenTTL,
		now:      time.Now,
	}
}

// RegisterRoutes registers the session routes. limit wraps login;
// authenticated wraps logout and me.
func (h *Handlers) RegisterRoutes(router *mux.Router, limit, authenticated func(http.Handler) http.Handler) {
	router.Handle("/auth/login", limit(http.HandlerFunc(h.login))).Methods("POST")
	router.Handle("/auth/logout", authenticated(http.HandlerFunc(h.logout))).Methods("POST")
	router.Handle("/auth/me", authenticated(http.HandlerFunc(h.me))).Methods("GET")
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,max=255"`
	Password string `json:"password" validate:"required"`
}

func (h *Handlers) observe(outcome string) {
	if h.observer != nil {
		h.observer.RecordLogin(outcome)
	}
}

// login handles POST /auth/login. The identifier may be an email or a
// phone number.
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	log := h.logger.WithField("email", strings.ToLower(strings.TrimSpace(req.Email)))

	user, err := h.users.GetByLogin(r.Context(), req.Email)
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		verifyDummy(req.Password)
		log.Warn("login for unknown user")
		h.failed(r, nil, req.Email, "unknown user")
		h.observe(OutcomeFailure)
		httputil.WriteUnauthorized(w, MsgInvalidCredentials)
		return
	case err != nil:
		log.WithError(err).Error("failed to load user for login")
		h.observe(OutcomeError)
		httputil.WriteInternalError(w)
		return
	}

	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		log.WithField("user_id", user.ID).Warn("login with wrong password")
		h.failed(r, user, req.Email, "wrong password")
		h.observe(OutcomeFailure)
		httputil.WriteUnauthorized(w, MsgInvalidCredentials)
		return
	}
	if !user.Active {
		log.WithField("user_id", user.ID).Warn("login to deactivated account")
		h.failed(r, user, req.Email, "account deactivated")
		h.observe(OutcomeInactive)
		httputil.WriteForbidden(w, MsgDeactivated)
		return
	}

	token, plaintext, err := h.tokens.CreateToken(r.Context(), user.ID, "auth-token", h.tokenTTL)
	if err != nil {
		log.WithError(err).Error("failed to issue token")
		h.observe(OutcomeError)
		httputil.WriteInternalError(w)
		return
	}
	now := h.now().UTC()
	if err := h.users.UpdateLastLogin(r.Context(), user.ID, now); err != nil {
		log.WithError(err).Warn("failed to record last login")
	}
	user.LastLogin = &now

	entry := audit.NewEntry(r, audit.ActionLogin)
	entry.UserID = &user.ID
	entry.SchoolID = user.SchoolID
	entry.EntityType = "user"
	entry.Description = "User logged in"
	h.recorder.Record(r.Context(), entry)
	h.observe(OutcomeSuccess)
	log.WithFields(logrus.Fields{"user_id": user.ID, "role": user.Role}).Info("login successful")

	httputil.WriteSuccess(w, httputil.Envelope{
		"token":      plaintext,
		"token_type": "Bearer",
		"expires_at": token.ExpiresAt,
		"user":       user,
	})
}

// failed records a login_failed entry. user is nil when nobody matched.
func (h *Handlers) failed(r *http.Request, user *auth.Principal, identifier, reason string) {
	entry := audit.NewEntry(r, audit.ActionLoginFailed)
	entry.EntityType = "user"
	entry.NewValues = map[string]interface{}{"email": identifier, "reason": reason}
	entry.Description = "Failed login attempt"
	if user != nil {
		entry.UserID = &user.ID
		entry.SchoolID = user.SchoolID
	}
	h.recorder.Record(r.Context(), entry)
}

// logout handles POST /auth/logout by revoking the presented token.
// Impersonation credentials are ended through their own endpoint.
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	if token := auth.TokenFrom(r.Context()); token != nil {
		if err := h.tokens.RevokeToken(r.Context(), token); err != nil {
			h.logger.WithError(err).WithField("token_id", token.ID).Error("failed to revoke token")
			httputil.WriteInternalError(w)
			return
		}
	}
	entry := audit.NewEntry(r, audit.ActionLogout)
	entry.EntityType = "user"
	entry.Description = "User logged out"
	h.recorder.Record(r.Context(), entry)
	httputil.WriteSuccessMessage(w, "Logged out successfully", nil)
}

// me handles GET /auth/me
func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	body := httputil.Envelope{
		"user":        p,
		"permissions": h.perms.Permissions(p.Role),
	}
	if imp := auth.ImpersonationFrom(r.Context()); imp != nil {
		body["impersonation"] = httputil.Envelope{
			"session_id":      imp.SessionID,
			"impersonator_id": imp.ImpersonatorID,
			"expires_at":      imp.ExpiresAt,
		}
	}
	httputil.WriteSuccess(w, body)
}
