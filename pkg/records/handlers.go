package records

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/attendance"
	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
	"github.com/platinummonkey/schoolguard/pkg/scope"
)

const msgStudentNotFound = "Student not found."

// Guard wraps a route in the authorization chain
type Guard interface {
	Permissions(perms ...rbac.Permission) func(http.Handler) http.Handler
}

// PermissionSource answers role to permission lookups
type PermissionSource interface {
	RoleHasPermission(role auth.Role, perm rbac.Permission) bool
}

// StudentAccess evaluates the relationship predicates for one student
type StudentAccess interface {
	CanAccessStudent(ctx context.Context, p *auth.Principal, studentID int64) bool
	CanViewStudentResource(ctx context.Context, p *auth.Principal, studentID int64, c auth.Capability) bool
}

// Handlers serves student records and the per-student resources
type Handlers struct {
	store      *Store
	attendance *attendance.Store
	resolver   *scope.Resolver
	perms      PermissionSource
	access     StudentAccess
	logger     *logrus.Logger
}

// NewHandlers creates records handlers
func NewHandlers(store *Store, att *attendance.Store, resolver *scope.Resolver, perms PermissionSource, access StudentAccess, logger *logrus.Logger) *Handlers {
	return &Handlers{
		store:      store,
		attendance: att,
		resolver:   resolver,
		perms:      perms,
		access:     access,
		logger:     logger,
	}
}

// RegisterRoutes registers the student routes, each behind its guard
func (h *Handlers) RegisterRoutes(router *mux.Router, guard Guard) {
	students := guard.Permissions(rbac.StudentsView, rbac.StudentsViewAll, rbac.StudentsViewOwnClass)
	grades := guard.Permissions(rbac.GradesView, rbac.GradesViewAll, rbac.GradesViewOwnClass,
		rbac.GradesViewOwnSubject, rbac.GradesViewOwn)
	att := guard.Permissions(rbac.AttendanceView, rbac.AttendanceViewAll,
		rbac.AttendanceViewOwnClass, rbac.AttendanceViewOwn)
	fees := guard.Permissions(rbac.FeesView, rbac.FeesViewAll, rbac.FeesViewOwn)

	router.Handle("/students", students(http.HandlerFunc(h.list))).Methods("GET")
	router.Handle("/students/{id:[0-9]+}", students(http.HandlerFunc(h.get))).Methods("GET")
	router.Handle("/students/{id:[0-9]+}/grades", grades(http.HandlerFunc(h.grades))).Methods("GET")
	router.Handle("/students/{id:[0-9]+}/attendance", att(http.HandlerFunc(h.studentAttendance))).Methods("GET")
	router.Handle("/students/{id:[0-9]+}/fees", fees(http.HandlerFunc(h.fees))).Methods("GET")
}

// list handles GET /students. Holders of students.view_all see the whole
// tenant; everyone else goes through the relationship layer.
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	requested, err := httputil.ParseQueryInt64Ptr(r, "school_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	f := StudentFilter{Search: httputil.ParseQueryString(r, "search", "")}
	if f.ClassID, err = httputil.ParseQueryInt64Ptr(r, "class_id"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	perPage, err := httputil.ParseQueryInt(r, "per_page", 50)
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

	var pred scope.Predicate
	if h.perms.RoleHasPermission(p.Role, rbac.StudentsViewAll) {
		pred = h.resolver.Tenant(p, requested, Columns)
	} else if pred, err = h.resolver.For(r.Context(), p, requested, Columns); err != nil {
		h.logger.WithError(err).Error("failed to resolve student scope")
		httputil.WriteInternalError(w)
		return
	}

	students, total, err := h.store.ListStudents(r.Context(), pred, f)
	if err != nil {
		h.logger.WithError(err).Error("failed to list students")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"students": students, "total": total})
}

// get handles GET /students/{id}
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	st, ok := h.visibleStudent(w, r, rbac.StudentsViewAll, "")
	if !ok {
		return
	}
	httputil.WriteSuccess(w, st)
}

// grades handles GET /students/{id}/grades
func (h *Handlers) grades(w http.ResponseWriter, r *http.Request) {
	st, ok := h.visibleStudent(w, r, rbac.GradesViewAll, auth.CapabilityGrades)
	if !ok {
		return
	}
	grades, err := h.store.Grades(r.Context(), st.ID, r.URL.Query().Get("term"))
	if err != nil {
		h.logger.WithError(err).WithField("student_id", st.ID).Error("failed to load grades")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"student": st, "grades": grades})
}

// studentAttendance handles GET /students/{id}/attendance
func (h *Handlers) studentAttendance(w http.ResponseWriter, r *http.Request) {
	st, ok := h.visibleStudent(w, r, rbac.AttendanceViewAll, auth.CapabilityAttendance)
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "per_page", 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	// visibility is settled above; the tenant predicate only pins the school
	pred := h.resolver.Tenant(auth.PrincipalFrom(r.Context()), &st.SchoolID, attendance.Columns)
	records, total, err := h.attendance.List(r.Context(), pred, attendance.Filter{
		StudentID: &st.ID,
		From:      r.URL.Query().Get("from"),
		To:        r.URL.Query().Get("to"),
		Limit:     limit,
	})
	if err != nil {
		h.logger.WithError(err).WithField("student_id", st.ID).Error("failed to load attendance")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"student": st, "records": records, "total": total})
}

// fees handles GET /students/{id}/fees
func (h *Handlers) fees(w http.ResponseWriter, r *http.Request) {
	st, ok := h.visibleStudent(w, r, rbac.FeesViewAll, auth.CapabilityFees)
	if !ok {
		return
	}
	statement, err := h.store.Fees(r.Context(), st.ID)
	if err != nil {
		h.logger.WithError(err).WithField("student_id", st.ID).Error("failed to load fees")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"student": st, "statement": statement})
}

// visibleStudent loads the student named in the path and writes a 404 unless
// p may see it: the student must be in p's tenant, and p must either hold
// all (the resource's unscoped permission) or pass the relationship check
// for c. An empty c checks the student record itself.
func (h *Handlers) visibleStudent(w http.ResponseWriter, r *http.Request, all rbac.Permission, c auth.Capability) (*Student, bool) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return nil, false
	}
	st, err := h.store.GetStudent(r.Context(), id)
	if errors.Is(err, ErrStudentNotFound) {
		httputil.WriteNotFound(w, msgStudentNotFound)
		return nil, false
	}
	if err != nil {
		h.logger.WithError(err).WithField("student_id", id).Error("failed to load student")
		httputil.WriteInternalError(w)
		return nil, false
	}

	p := auth.PrincipalFrom(r.Context())
	if !h.visible(r.Context(), p, st, all, c) {
		httputil.WriteNotFound(w, msgStudentNotFound)
		return nil, false
	}
	return st, true
}

func (h *Handlers) visible(ctx context.Context, p *auth.Principal, st *Student, all rbac.Permission, c auth.Capability) bool {
	s := scope.Resolve(p, nil)
	if !s.Unrestricted && (s.SchoolID == nil || *s.SchoolID != st.SchoolID) {
		return false
	}
	if h.perms.RoleHasPermission(p.Role, all) {
		return true
	}
	if c == "" {
		return h.access.CanAccessStudent(ctx, p, st.ID)
	}
	return h.access.CanViewStudentResource(ctx, p, st.ID, c)
}
