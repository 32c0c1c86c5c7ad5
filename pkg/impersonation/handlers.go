package impersonation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
)

// Handlers serves the super-admin impersonation routes
type Handlers struct {
	service *Service
	logger  *logrus.Logger
}

// NewHandlers creates impersonation handlers
func NewHandlers(service *Service, logger *logrus.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers impersonation routes on the super-admin router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users/{id:[0-9]+}/impersonate", h.start).Methods("POST")
	router.HandleFunc("/impersonation/history", h.history).Methods("GET")
	router.HandleFunc("/impersonation/{id:[0-9]+}", h.get).Methods("GET")
	router.HandleFunc("/impersonation/{id:[0-9]+}/end", h.end).Methods("POST")
}

type startRequest struct {
	Reason string `json:"reason"`
}

// start handles POST /users/{id}/impersonate. Target checks run before the
// reason is validated.
func (h *Handlers) start(w http.ResponseWriter, r *http.Request) {
	targetID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req startRequest
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	res, err := h.service.Start(r.Context(), StartRequest{
		SuperAdmin: auth.PrincipalFrom(r.Context()),
		TargetID:   targetID,
		Reason:     req.Reason,
		IPAddress:  audit.ClientIP(r),
		UserAgent:  r.UserAgent(),
	})
	switch {
	case errors.Is(err, ErrTargetNotFound):
		httputil.WriteNotFound(w, "User not found.")
		return
	case errors.Is(err, ErrSelf):
		httputil.WriteBadRequest(w, "Cannot impersonate yourself")
		return
	case errors.Is(err, ErrSuperAdminTarget):
		httputil.WriteForbidden(w, "Cannot impersonate another Super Admin")
		return
	case errors.Is(err, ErrNotSuperAdmin):
		httputil.WriteForbidden(w, "Access denied. Super Admin privileges required.")
		return
	case errors.Is(err, ErrReasonRequired):
		httputil.WriteValidationErrors(w, map[string]string{
			"reason": "The reason field is required and may not be greater than 500 characters.",
		})
		return
	case err != nil:
		h.logger.WithError(err).WithField("target_user_id", targetID).Error("failed to start impersonation")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccessMessage(w, "Impersonation session started", httputil.Envelope{
		"token": res.Token,
		"user": httputil.Envelope{
			"id":        res.User.ID,
			"name":      res.User.Name,
			"email":     res.User.Email,
			"role":      res.User.Role,
			"school_id": res.User.SchoolID,
		},
		"impersonation_log_id": res.Session.ID,
		"original_user_id":     res.Session.SuperAdminID,
		"expires_at":           res.Session.TokenExpiresAt,
	})
}

// end handles POST /impersonation/{id}/end
func (h *Handlers) end(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	session, err := h.service.End(r.Context(), auth.PrincipalFrom(r.Context()), id, audit.ClientIP(r), r.UserAgent())
	if errors.Is(err, ErrSessionNotFound) {
		httputil.WriteNotFound(w, "Impersonation session not found.")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("session_id", id).Error("failed to end impersonation")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccessMessage(w, "Impersonation session ended", session)
}

// get handles GET /impersonation/{id}
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	session, err := h.service.Get(r.Context(), id)
	if errors.Is(err, ErrSessionNotFound) {
		httputil.WriteNotFound(w, "Impersonation session not found.")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, session)
}

// history handles GET /impersonation/history
func (h *Handlers) history(w http.ResponseWriter, r *http.Request) {
	adminID, err := httputil.ParseQueryInt64Ptr(r, "admin_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	f := ListFilter{SuperAdminID: adminID}
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid boolean for query param active: "+v)
			return
		}
		f.ActiveOnly = active
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
	f.Limit = perPage
	f.Offset = (page - 1) * perPage

	sessions, total, err := h.service.List(r.Context(), f)
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"sessions": sessions, "total": total})
}
