package announcements

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
	"github.com/platinummonkey/schoolguard/pkg/scope"
)

const msgNotFound = "Announcement not found."

// Guard wraps a route in the authorization chain
type Guard interface {
	Permissions(perms ...rbac.Permission) func(http.Handler) http.Handler
}

// PermissionSource answers role to permission lookups
type PermissionSource interface {
	RoleHasPermission(role auth.Role, perm rbac.Permission) bool
}

// Handlers serves announcements
type Handlers struct {
	store    *Store
	resolver *scope.Resolver
	perms    PermissionSource
	logger   *logrus.Logger
	now      func() time.Time
}

// NewHandlers creates announcement handlers
func NewHandlers(store *Store, resolver *scope.Resolver, perms PermissionSource, logger *logrus.Logger) *Handlers {
	return &Handlers{
		store:    store,
		resolver: resolver,
		perms:    perms,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterRoutes registers the announcement routes, each behind its guard
func (h *Handlers) RegisterRoutes(router *mux.Router, guard Guard) {
	view := guard.Permissions(rbac.AnnouncementsView, rbac.AnnouncementsViewAll)
	router.Handle("/announcements", view(http.HandlerFunc(h.list))).Methods("GET")
	router.Handle("/announcements/{id:[0-9]+}", view(http.HandlerFunc(h.get))).Methods("GET")
	router.Handle("/announcements",
		guard.Permissions(rbac.AnnouncementsCreate)(http.HandlerFunc(h.create))).Methods("POST")
	router.Handle("/announcements/{id:[0-9]+}",
		guard.Permissions(rbac.AnnouncementsUpdate)(http.HandlerFunc(h.update))).Methods("PUT")
	router.Handle("/announcements/{id:[0-9]+}",
		guard.Permissions(rbac.AnnouncementsDelete)(http.HandlerFunc(h.delete))).Methods("DELETE")
	router.Handle("/announcements/{id:[0-9]+}/publish",
		guard.Permissions(rbac.AnnouncementsPublish)(http.HandlerFunc(h.publish))).Methods("POST")
}

// audience is the role a listing is filtered to. Holders of
// announcements.view_all see every audience and drafts.
func (h *Handlers) audience(p *auth.Principal) *auth.Role {
	if h.perms.RoleHasPermission(p.Role, rbac.AnnouncementsViewAll) {
		return nil
	}
	role := p.Role
	return &role
}

// list handles GET /announcements: the caller's school OR global
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	requested, err := httputil.ParseQueryInt64Ptr(r, "school_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	perPage, err := httputil.ParseQueryInt(r, "per_page", 20)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	page, err := httputil.ParseQueryInt(r, "page", 1)
	if err != nil || page < 1 {
		httputil.WriteBadRequest(w, "invalid page")
		return
	}

	items, total, err := h.store.List(r.Context(), h.resolver.Tenant(p, requested, Columns), ListFilter{
		Audience: h.audience(p),
		Now:      h.now(),
		Limit:    perPage,
		Offset:   (page - 1) * perPage,
	})
	if err != nil {
		h.logger.WithError(err).Error("failed to list announcements")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"announcements": items, "total": total})
}

// get handles GET /announcements/{id}
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	a, ok := h.load(w, r)
	if !ok {
		return
	}
	p := auth.PrincipalFrom(r.Context())
	pred := h.resolver.Tenant(p, nil, Columns)
	visible := pred.Allows(scope.Row{SchoolID: a.SchoolID, Global: a.IsGlobal})
	if aud := h.audience(p); visible && aud != nil {
		visible = a.Targets(*aud) && a.Published(h.now())
	}
	if !visible {
		httputil.WriteNotFound(w, msgNotFound)
		return
	}
	httputil.WriteSuccess(w, a)
}

type createRequest struct {
	SchoolID    *int64      `json:"school_id"`
	Title       string      `json:"title" validate:"required,max=255"`
	Body        string      `json:"body" validate:"required"`
	TargetRoles []auth.Role `json:"target_roles" validate:"required,min=1"`
	IsGlobal    bool        `json:"is_global"`
	PublishedAt *time.Time  `json:"published_at"`
	ExpiresAt   *time.Time  `json:"expires_at"`
}

// create handles POST /announcements. Only super-admins publish global
// announcements; anyone else asking for one gets a school announcement.
func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	var req createRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	if !validWindow(w, req.TargetRoles, req.PublishedAt, req.ExpiresAt) {
		return
	}

	a := &Announcement{
		Title:       req.Title,
		Body:        req.Body,
		TargetRoles: req.TargetRoles,
		IsGlobal:    req.IsGlobal && p.IsSuperAdmin(),
		Active:      true,
		PublishedAt: req.PublishedAt,
		ExpiresAt:   req.ExpiresAt,
		CreatedBy:   p.ID,
	}
	if !a.IsGlobal {
		s := scope.Resolve(p, req.SchoolID)
		if s.SchoolID == nil {
			httputil.WriteValidationErrors(w, map[string]string{"school_id": "The field is required."})
			return
		}
		a.SchoolID = s.SchoolID
	}

	if err := h.store.Create(r.Context(), a); err != nil {
		h.logger.WithError(err).Error("failed to create announcement")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteCreated(w, "Announcement created successfully", a)
}

type updateRequest struct {
	Title       *string     `json:"title" validate:"omitempty,min=1,max=255"`
	Body        *string     `json:"body" validate:"omitempty,min=1"`
	TargetRoles []auth.Role `json:"target_roles" validate:"omitempty,min=1"`
	PublishedAt *time.Time  `json:"published_at"`
	ExpiresAt   *time.Time  `json:"expires_at"`
	Active      *bool       `json:"active"`
}

// update handles PUT /announcements/{id}
func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadEditable(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.Title != nil {
		a.Title = *req.Title
	}
	if req.Body != nil {
		a.Body = *req.Body
	}
	if req.TargetRoles != nil {
		a.TargetRoles = req.TargetRoles
	}
	if req.PublishedAt != nil {
		a.PublishedAt = req.PublishedAt
	}
	if req.ExpiresAt != nil {
		a.ExpiresAt = req.ExpiresAt
	}
	if req.Active != nil {
		a.Active = *req.Active
	}
	if !validWindow(w, a.TargetRoles, a.PublishedAt, a.ExpiresAt) {
		return
	}
	h.save(w, r, a, "Announcement updated successfully")
}

// publish handles POST /announcements/{id}/publish: activates the
// announcement and makes it live now unless it already is
func (h *Handlers) publish(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadEditable(w, r)
	if !ok {
		return
	}
	now := h.now().UTC()
	a.Active = true
	if a.PublishedAt == nil || a.PublishedAt.After(now) {
		a.PublishedAt = &now
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		a.ExpiresAt = nil
	}
	h.save(w, r, a, "Announcement published successfully")
}

// delete handles DELETE /announcements/{id}
func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadEditable(w, r)
	if !ok {
		return
	}
	err := h.store.Delete(r.Context(), a.ID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, msgNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("announcement_id", a.ID).Error("failed to delete announcement")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccessMessage(w, "Announcement deleted successfully", nil)
}

func (h *Handlers) save(w http.ResponseWriter, r *http.Request, a *Announcement, msg string) {
	err := h.store.Update(r.Context(), a)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, msgNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("announcement_id", a.ID).Error("failed to update announcement")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccessMessage(w, msg, a)
}

func (h *Handlers) load(w http.ResponseWriter, r *http.Request) (*Announcement, bool) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return nil, false
	}
	a, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, msgNotFound)
		return nil, false
	}
	if err != nil {
		h.logger.WithError(err).WithField("announcement_id", id).Error("failed to load announcement")
		httputil.WriteInternalError(w)
		return nil, false
	}
	return a, true
}

// loadEditable is load restricted to what p may change: super-admins
// change anything, everyone else only their own school's announcements.
// Global announcements are read-only to schools.
func (h *Handlers) loadEditable(w http.ResponseWriter, r *http.Request) (*Announcement, bool) {
	a, ok := h.load(w, r)
	if !ok {
		return nil, false
	}
	p := auth.PrincipalFrom(r.Context())
	if p.IsSuperAdmin() {
		return a, true
	}
	if a.SchoolID == nil || !p.BelongsTo(*a.SchoolID) {
		httputil.WriteNotFound(w, msgNotFound)
		return nil, false
	}
	return a, true
}

func validWindow(w http.ResponseWriter, roles []auth.Role, published, expires *time.Time) bool {
	for _, role := range roles {
		if !role.Valid() {
			httputil.WriteValidationErrors(w, map[string]string{"target_roles": "The selected target role is invalid."})
			return false
		}
	}
	if published != nil && expires != nil && !expires.After(*published) {
		httputil.WriteValidationErrors(w, map[string]string{"expires_at": "The expiry must be after the publish time."})
		return false
	}
	return true
}
