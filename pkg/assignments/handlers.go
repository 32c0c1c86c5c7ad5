package assignments

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
	"github.com/platinummonkey/schoolguard/pkg/scope"
)

// Guard wraps a route in the authorization chain
type Guard interface {
	Permissions(perms ...rbac.Permission) func(http.Handler) http.Handler
}

// Handlers serves teacher assignments and parent links
type Handlers struct {
	store    *Store
	recorder *audit.Recorder
	logger   *logrus.Logger
}

// NewHandlers creates assignment handlers
func NewHandlers(store *Store, recorder *audit.Recorder, logger *logrus.Logger) *Handlers {
	return &Handlers{store: store, recorder: recorder, logger: logger}
}

// RegisterRoutes registers the school-scoped routes, each behind its guard
func (h *Handlers) RegisterRoutes(router *mux.Router, guard Guard) {
	view := guard.Permissions(rbac.ClassesView, rbac.ClassesViewAll)
	manage := guard.Permissions(rbac.ClassesAssignTeachers)
	router.Handle("/teacher-assignments", view(http.HandlerFunc(h.list))).Methods("GET")
	router.Handle("/teacher-assignments", manage(http.HandlerFunc(h.create))).Methods("POST")
	router.Handle("/teacher-assignments/{id:[0-9]+}", manage(http.HandlerFunc(h.update))).Methods("PUT")
	router.Handle("/teacher-assignments/{id:[0-9]+}", manage(http.HandlerFunc(h.delete))).Methods("DELETE")

	students := guard.Permissions(rbac.StudentsView)
	linkAdmin := guard.Permissions(rbac.StudentsUpdate)
	router.Handle("/parent-links", students(http.HandlerFunc(h.listLinks))).Methods("GET")
	router.Handle("/parent-links", linkAdmin(http.HandlerFunc(h.link))).Methods("POST")
	router.Handle("/parent-links/{parent_id:[0-9]+}/students/{student_id:[0-9]+}", linkAdmin(http.HandlerFunc(h.unlink))).Methods("DELETE")
}

// list handles GET /teacher-assignments
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	requested, err := httputil.ParseQueryInt64Ptr(r, "school_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	s := scope.Resolve(auth.PrincipalFrom(r.Context()), requested)
	if s.Empty() {
		httputil.WriteSuccess(w, []*Assignment{})
		return
	}

	f := ListFilter{
		SchoolID:        s.SchoolID,
		AcademicSession: r.URL.Query().Get("academic_session"),
		Term:            r.URL.Query().Get("term"),
	}
	for key, dst := range map[string]**int64{"teacher_id": &f.TeacherID, "class_id": &f.ClassID, "subject_id": &f.SubjectID} {
		v, err := httputil.ParseQueryInt64Ptr(r, key)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		*dst = v
	}
	if v := r.URL.Query().Get("class_teacher_only"); v != "" {
		only, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid boolean for query param class_teacher_only: "+v)
			return
		}
		f.ClassTeacherOnly = only
	}

	out, err := h.store.List(r.Context(), f)
	if err != nil {
		h.logger.WithError(err).Error("failed to list teacher assignments")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, out)
}

type createRequest struct {
	SchoolID        *int64 `json:"school_id"`
	TeacherID       int64  `json:"teacher_id" validate:"required,gt=0"`
	ClassID         int64  `json:"class_id" validate:"required,gt=0"`
	SubjectID       *int64 `json:"subject_id" validate:"omitempty,gt=0"`
	IsClassTeacher  bool   `json:"is_class_teacher"`
	AcademicSession string `json:"academic_session" validate:"max=20"`
	Term            string `json:"term" validate:"max=20"`
}

// create handles POST /teacher-assignments. Super-admins name the school;
// everyone else assigns within their own.
func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	schoolID, ok := targetSchool(w, auth.PrincipalFrom(r.Context()), req.SchoolID)
	if !ok {
		return
	}

	a := &Assignment{
		SchoolID:        schoolID,
		TeacherID:       req.TeacherID,
		ClassID:         req.ClassID,
		SubjectID:       req.SubjectID,
		IsClassTeacher:  req.IsClassTeacher,
		AcademicSession: req.AcademicSession,
		Term:            req.Term,
	}
	change, err := h.store.Assign(r.Context(), a)
	if !h.writeStoreError(w, err) {
		return
	}
	h.recordClassTeacherChange(r, schoolID, change)
	httputil.WriteCreated(w, "Teacher assignment created successfully", a)
}

type updateRequest struct {
	TeacherID       *int64  `json:"teacher_id" validate:"omitempty,gt=0"`
	ClassID         *int64  `json:"class_id" validate:"omitempty,gt=0"`
	SubjectID       *int64  `json:"subject_id" validate:"omitempty,gte=0"`
	IsClassTeacher  *bool   `json:"is_class_teacher"`
	AcademicSession *string `json:"academic_session" validate:"omitempty,max=20"`
	Term            *string `json:"term" validate:"omitempty,max=20"`
	Active          *bool   `json:"active"`
}

// update handles PUT /teacher-assignments/{id}. A subject_id of 0 clears
// the subject.
func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req updateRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	s := scope.Resolve(auth.PrincipalFrom(r.Context()), nil)
	if s.Empty() {
		httputil.WriteNotFound(w, "Teacher assignment not found.")
		return
	}

	patch := Patch{
		TeacherID:       req.TeacherID,
		ClassID:         req.ClassID,
		IsClassTeacher:  req.IsClassTeacher,
		AcademicSession: req.AcademicSession,
		Term:            req.Term,
		Active:          req.Active,
	}
	if req.SubjectID != nil {
		if *req.SubjectID == 0 {
			patch.ClearSubject = true
		} else {
			patch.SubjectID = req.SubjectID
		}
	}

	a, change, err := h.store.Update(r.Context(), id, s.SchoolID, patch)
	if !h.writeStoreError(w, err) {
		return
	}
	h.recordClassTeacherChange(r, a.SchoolID, change)
	httputil.WriteSuccessMessage(w, "Teacher assignment updated successfully", a)
}

// delete handles DELETE /teacher-assignments/{id}
func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	s := scope.Resolve(auth.PrincipalFrom(r.Context()), nil)
	if s.Empty() {
		httputil.WriteNotFound(w, "Teacher assignment not found.")
		return
	}
	if _, err := h.store.Delete(r.Context(), id, s.SchoolID); !h.writeStoreError(w, err) {
		return
	}
	httputil.WriteSuccessMessage(w, "Teacher assignment deleted successfully", nil)
}

// listLinks handles GET /parent-links. Parents only ever see their own
// links and students only the links to themselves.
func (h *Handlers) listLinks(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	requested, err := httputil.ParseQueryInt64Ptr(r, "school_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	s := scope.Resolve(p, requested)
	if s.Empty() {
		httputil.WriteSuccess(w, []*ParentLink{})
		return
	}

	f := LinkFilter{SchoolID: s.SchoolID}
	if f.ParentID, err = httputil.ParseQueryInt64Ptr(r, "parent_id"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if f.StudentID, err = httputil.ParseQueryInt64Ptr(r, "student_id"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	switch p.Role {
	case auth.RoleParent:
		self := p.ID
		f.ParentID = &self
	case auth.RoleStudent:
		studentID, _, found, err := h.store.StudentOfUser(r.Context(), p.ID)
		if err != nil {
			httputil.WriteInternalError(w)
			return
		}
		if !found {
			httputil.WriteSuccess(w, []*ParentLink{})
			return
		}
		f.StudentID = &studentID
	}

	links, err := h.store.Links(r.Context(), f)
	if err != nil {
		h.logger.WithError(err).Error("failed to list parent links")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, links)
}

type linkRequest struct {
	SchoolID          *int64 `json:"school_id"`
	ParentID          int64  `json:"parent_id" validate:"required,gt=0"`
	StudentID         int64  `json:"student_id" validate:"required,gt=0"`
	Relationship      string `json:"relationship" validate:"omitempty,max=50"`
	CanViewGrades     *bool  `json:"can_view_grades"`
	CanViewAttendance *bool  `json:"can_view_attendance"`
	CanViewFees       *bool  `json:"can_view_fees"`
}

func flag(v *bool) bool {
	return v == nil || *v
}

// link handles POST /parent-links. Omitted capability flags default to true.
func (h *Handlers) link(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	schoolID, ok := targetSchool(w, auth.PrincipalFrom(r.Context()), req.SchoolID)
	if !ok {
		return
	}
	l := &ParentLink{
		SchoolID:          schoolID,
		ParentID:          req.ParentID,
		StudentID:         req.StudentID,
		Relationship:      req.Relationship,
		CanViewGrades:     flag(req.CanViewGrades),
		CanViewAttendance: flag(req.CanViewAttendance),
		CanViewFees:       flag(req.CanViewFees),
	}
	if !h.writeStoreError(w, h.store.Link(r.Context(), l)) {
		return
	}
	httputil.WriteCreated(w, "Parent linked successfully", l)
}

// unlink handles DELETE /parent-links/{parent_id}/students/{student_id}
func (h *Handlers) unlink(w http.ResponseWriter, r *http.Request) {
	parentID, ok := httputil.ParsePathInt64OrError(w, r, "parent_id")
	if !ok {
		return
	}
	studentID, ok := httputil.ParsePathInt64OrError(w, r, "student_id")
	if !ok {
		return
	}
	s := scope.Resolve(auth.PrincipalFrom(r.Context()), nil)
	if s.Empty() {
		httputil.WriteNotFound(w, "Parent link not found.")
		return
	}
	if !h.writeStoreError(w, h.store.Unlink(r.Context(), parentID, studentID, s.SchoolID)) {
		return
	}
	httputil.WriteSuccessMessage(w, "Parent unlinked successfully", nil)
}

// targetSchool is the school a write lands in: the caller's own, or for a
// super-admin the one named in the body
func targetSchool(w http.ResponseWriter, p *auth.Principal, requested *int64) (int64, bool) {
	if p.IsSuperAdmin() {
		if requested == nil || *requested <= 0 {
			httputil.WriteValidationErrors(w, map[string]string{"school_id": "The field is required."})
			return 0, false
		}
		return *requested, true
	}
	if p.SchoolID == nil {
		httputil.WriteForbidden(w, "You must be assigned to a school to access this resource.")
		return 0, false
	}
	return *p.SchoolID, true
}

func (h *Handlers) writeStoreError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrAssignmentNotFound):
		httputil.WriteNotFound(w, "Teacher assignment not found.")
	case errors.Is(err, ErrLinkNotFound):
		httputil.WriteNotFound(w, "Parent link not found.")
	case errors.Is(err, ErrClassNotFound):
		httputil.WriteValidationErrors(w, map[string]string{"class_id": "The selected class is invalid."})
	case errors.Is(err, ErrNotTeacher):
		httputil.WriteValidationErrors(w, map[string]string{"teacher_id": "The selected teacher is invalid."})
	case errors.Is(err, ErrStudentNotFound):
		httputil.WriteValidationErrors(w, map[string]string{"student_id": "The selected student is invalid."})
	case errors.Is(err, ErrNotParent):
		httputil.WriteValidationErrors(w, map[string]string{"parent_id": "The selected parent is invalid."})
	case errors.Is(err, ErrDuplicate):
		httputil.WriteValidationErrors(w, map[string]string{"teacher_id": "The teacher is already assigned to this class and subject."})
	default:
		h.logger.WithError(err).Error("assignment store failure")
		httputil.WriteInternalError(w)
	}
	return false
}

func (h *Handlers) recordClassTeacherChange(r *http.Request, schoolID int64, change *ClassTeacherChange) {
	if !change.Changed() {
		return
	}
	entry := audit.NewEntry(r, audit.ActionClassTeacherChange)
	sid := schoolID
	entry.SchoolID = &sid
	entry.EntityType = "class"
	entry.EntityID = strconv.FormatInt(change.ClassID, 10)
	entry.OldValues = map[string]interface{}{"class_teacher_id": change.PreviousTeacher}
	entry.NewValues = map[string]interface{}{"class_teacher_id": change.NewTeacher}
	entry.Description = "Class teacher changed for class #" + entry.EntityID
	h.recorder.Record(r.Context(), entry)
}
