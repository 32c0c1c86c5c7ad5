package attendance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
	"github.com/platinummonkey/schoolguard/pkg/scope"
)

// Guard wraps a route in the authorization chain
type Guard interface {
	Permissions(perms ...rbac.Permission) func(http.Handler) http.Handler
}

// PermissionSource answers role to permission lookups
type PermissionSource interface {
	RoleHasPermission(role auth.Role, perm rbac.Permission) bool
}

// ClassAccess decides whether a principal may act on a class
type ClassAccess interface {
	CanAccessClass(ctx context.Context, p *auth.Principal, classID int64) bool
}

// Handlers serves attendance marking and listing
type Handlers struct {
	store    *Store
	resolver *scope.Resolver
	perms    PermissionSource
	classes  ClassAccess
	logger   *logrus.Logger
	now      func() time.Time
}

// NewHandlers creates attendance handlers
func NewHandlers(store *Store, resolver *scope.Resolver, perms PermissionSource, classes ClassAccess, logger *logrus.Logger) *Handlers {
	return &Handlers{
		store:    store,
		resolver: resolver,
		perms:    perms,
		classes:  classes,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterRoutes registers the attendance routes, each behind its guard
func (h *Handlers) RegisterRoutes(router *mux.Router, guard Guard) {
	mark := guard.Permissions(rbac.AttendanceMark, rbac.AttendanceMarkOwnClass)
	view := guard.Permissions(rbac.AttendanceView, rbac.AttendanceViewAll,
		rbac.AttendanceViewOwnClass, rbac.AttendanceViewOwn)
	router.Handle("/attendance", mark(http.HandlerFunc(h.mark))).Methods("POST")
	router.Handle("/attendance", view(http.HandlerFunc(h.list))).Methods("GET")
}

type markRequest struct {
	SchoolID   *int64 `json:"school_id"`
	Date       string `json:"date" validate:"required,datetime=2006-01-02"`
	Attendance []Mark `json:"attendance" validate:"required,min=1,max=500,dive"`
}

// mark handles POST /attendance. Holders of attendance.mark may mark any
// class of the school; holders of only attendance.mark_own_class are
// limited to the classes they are assigned to.
func (h *Handlers) mark(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	var req markRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	if day, _ := time.Parse(DateLayout, req.Date); day.After(h.now().UTC()) {
		httputil.WriteValidationErrors(w, map[string]string{"date": "The date may not be in the future."})
		return
	}

	s := scope.Resolve(p, req.SchoolID)
	if s.SchoolID == nil {
		httputil.WriteValidationErrors(w, map[string]string{"school_id": "The field is required."})
		return
	}
	schoolID := *s.SchoolID

	ids := make([]int64, 0, len(req.Attendance))
	for _, m := range req.Attendance {
		ids = append(ids, m.StudentID)
	}
	classes, err := h.store.StudentClasses(r.Context(), schoolID, ids)
	if errors.Is(err, ErrStudentNotFound) {
		httputil.WriteValidationErrors(w, map[string]string{"attendance": "The selected student is invalid."})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to load student classes")
		httputil.WriteInternalError(w)
		return
	}

	if !h.perms.RoleHasPermission(p.Role, rbac.AttendanceMark) {
		for _, class := range distinct(classes) {
			if !h.classes.CanAccessClass(r.Context(), p, class) {
				httputil.WriteFailure(w, http.StatusForbidden,
					"You can only mark attendance for your assigned classes.",
					map[string]interface{}{"class_id": class})
				return
			}
		}
	}

	records, err := h.store.Mark(r.Context(), schoolID, req.Date, p.ID, req.Attendance, classes)
	if err != nil {
		h.logger.WithError(err).WithField("school_id", schoolID).Error("failed to mark attendance")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccessMessage(w, "Attendance recorded successfully", records)
}

func distinct(classes map[int64]int64) []int64 {
	seen := make(map[int64]bool, len(classes))
	out := make([]int64, 0, len(classes))
	for _, c := range classes {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// list handles GET /attendance
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	requested, err := httputil.ParseQueryInt64Ptr(r, "school_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	f := Filter{Date: r.URL.Query().Get("date")}
	if f.ClassID, err = httputil.ParseQueryInt64Ptr(r, "class_id"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if f.StudentID, err = httputil.ParseQueryInt64Ptr(r, "student_id"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	for key, dst := range map[string]*string{"date": &f.Date, "from": &f.From, "to": &f.To} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, v); err != nil {
			httputil.WriteBadRequest(w, fmt.Sprintf("invalid date for query param %s: %s", key, v))
			return
		}
		*dst = v
	}
	perPage, err := httputil.ParseQueryInt(r, "per_page", 100)
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

	pred, err := h.resolver.For(r.Context(), p, requested, Columns)
	if err != nil {
		h.logger.WithError(err).Error("failed to resolve attendance scope")
		httputil.WriteInternalError(w)
		return
	}
	records, total, err := h.store.List(r.Context(), pred, f)
	if err != nil {
		h.logger.WithError(err).Error("failed to list attendance")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"records": records, "total": total})
}
