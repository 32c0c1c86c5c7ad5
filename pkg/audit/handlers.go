package audit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
	"github.com/platinummonkey/schoolguard/pkg/scope"
)

// Store is the query side of the activity log
type Store interface {
	Logger
	Search(ctx context.Context, f Filter) (*Page, error)
	Export(ctx context.Context, f Filter) ([]*Entry, error)
	Get(ctx context.Context, id int64) (*Entry, error)
	Stats(ctx context.Context, since time.Time) (*Stats, error)
	ActionTypes(ctx context.Context) ([]string, error)
}

// Handlers serves the activity log API
type Handlers struct {
	store     Store
	recorder  *Recorder
	retention *Retention
	now       func() time.Time
}

// NewHandlers creates activity log handlers. retention may be nil, in which
// case the cleanup route is not registered.
func NewHandlers(store Store, recorder *Recorder, retention *Retention) *Handlers {
	return &Handlers{
		store:     store,
		recorder:  recorder,
		retention: retention,
		now:       time.Now,
	}
}

// RegisterSchoolRoutes registers the tenant-scoped log route
func (h *Handlers) RegisterSchoolRoutes(router *mux.Router) {
	router.HandleFunc("/activity-logs", h.listLogs).Methods("GET")
}

// RegisterSuperAdminRoutes registers the platform log routes. The router is
// expected to sit behind the super-admin guard.
func (h *Handlers) RegisterSuperAdminRoutes(router *mux.Router) {
	router.HandleFunc("/logs", h.listLogs).Methods("GET")
	router.HandleFunc("/logs/security", h.securityLogs).Methods("GET")
	router.HandleFunc("/logs/system", h.systemLogs).Methods("GET")
	router.HandleFunc("/logs/stats", h.stats).Methods("GET")
	router.HandleFunc("/logs/export", h.export).Methods("GET")
	router.HandleFunc("/logs/action-types", h.actionTypes).Methods("GET")
	router.HandleFunc("/logs/{id:[0-9]+}", h.getLog).Methods("GET")
	if h.retention != nil {
		router.HandleFunc("/logs/cleanup", h.cleanup).Methods("POST")
	}
}

// listLogs handles GET /activity-logs and GET /logs. The tenant comes from
// the caller's scope, so only super-admins can pick a school.
func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	f, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	f.Action = r.URL.Query().Get("action")
	f.EntityType = r.URL.Query().Get("entity_type")
	f.Search = r.URL.Query().Get("search")
	h.writePage(w, r, f)
}

// securityLogs handles GET /logs/security
func (h *Handlers) securityLogs(w http.ResponseWriter, r *http.Request) {
	f, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	f.Actions = SecurityActions
	// unknown severities are ignored
	if actions := ActionsForSeverity(Severity(r.URL.Query().Get("severity"))); actions != nil {
		f.Actions = actions
	}
	h.writePage(w, r, f)
}

// systemLogs handles GET /logs/system
func (h *Handlers) systemLogs(w http.ResponseWriter, r *http.Request) {
	f, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	f.SchoolID = nil
	f.Actions = SystemActions
	f.OrSystemWide = true
	h.writePage(w, r, f)
}

func (h *Handlers) writePage(w http.ResponseWriter, r *http.Request, f Filter) {
	if f.SchoolID == nil && !auth.PrincipalFrom(r.Context()).IsSuperAdmin() {
		httputil.WriteSuccess(w, &Page{Entries: []*Entry{}, Limit: f.Limit, Offset: f.Offset})
		return
	}
	page, err := h.store.Search(r.Context(), f)
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, page)
}

// parseFilter reads the school, user, date range and pagination parameters
func (h *Handlers) parseFilter(w http.ResponseWriter, r *http.Request) (Filter, bool) {
	var f Filter
	fields := map[string]string{}

	requested, err := httputil.ParseQueryInt64Ptr(r, "school_id")
	if err != nil {
		fields["school_id"] = "The field must be an integer."
	}
	s := scope.Resolve(auth.PrincipalFrom(r.Context()), requested)
	f.SchoolID = s.SchoolID

	if f.UserID, err = httputil.ParseQueryInt64Ptr(r, "user_id"); err != nil {
		fields["user_id"] = "The field must be an integer."
	}

	from, err := httputil.ParseQueryDate(r, "from_date")
	if err != nil {
		fields["from_date"] = "The field must be a date (YYYY-MM-DD)."
	}
	to, err := httputil.ParseQueryDate(r, "to_date")
	if err != nil {
		fields["to_date"] = "The field must be a date (YYYY-MM-DD)."
	}
	f.Since, f.Until = dayRange(from, to)

	perPage, err := httputil.ParseQueryInt(r, "per_page", DefaultPageSize)
	if err != nil || perPage < 1 {
		fields["per_page"] = "The field must be a positive integer."
	}
	page, err := httputil.ParseQueryInt(r, "page", 1)
	if err != nil || page < 1 {
		fields["page"] = "The field must be a positive integer."
	}
	if perPage > MaxPageSize {
		perPage = MaxPageSize
	}
	f.Limit = perPage
	f.Offset = (page - 1) * perPage

	if len(fields) > 0 {
		httputil.WriteValidationErrors(w, fields)
		return f, false
	}
	return f, true
}

// dayRange turns inclusive dates into [Since, Until)
func dayRange(from, to *time.Time) (*time.Time, *time.Time) {
	var since, until *time.Time
	if from != nil {
		s := truncateDay(*from)
		since = &s
	}
	if to != nil {
		u := truncateDay(*to).AddDate(0, 0, 1)
		until = &u
	}
	return since, until
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// stats handles GET /logs/stats?days=N
func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	days, err := httputil.ParseQueryInt(r, "days", 30)
	if err != nil || days < 1 || days > 365 {
		httputil.WriteValidationErrors(w, map[string]string{
			"days": "The field must be between 1 and 365.",
		})
		return
	}
	stats, err := h.store.Stats(r.Context(), h.now().UTC().AddDate(0, 0, -days))
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, stats)
}

type exportQuery struct {
	Format   string `json:"format" validate:"required,oneof=csv json"`
	FromDate string `json:"from_date" validate:"required,datetime=2006-01-02"`
	ToDate   string `json:"to_date" validate:"required,datetime=2006-01-02"`
	SchoolID string `json:"school_id" validate:"omitempty,numeric"`
	Action   string `json:"action" validate:"omitempty,max=100"`
}

// export handles GET /logs/export
func (h *Handlers) export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := exportQuery{
		Format:   q.Get("format"),
		FromDate: q.Get("from_date"),
		ToDate:   q.Get("to_date"),
		SchoolID: q.Get("school_id"),
		Action:   q.Get("action"),
	}
	if fields := httputil.ValidateStruct(req); fields != nil {
		httputil.WriteValidationErrors(w, fields)
		return
	}
	from, _ := time.Parse(httputil.DateLayout, req.FromDate)
	to, _ := time.Parse(httputil.DateLayout, req.ToDate)
	if to.Before(from) {
		httputil.WriteValidationErrors(w, map[string]string{
			"to_date": "The field must be a date after or equal to from_date.",
		})
		return
	}

	f := Filter{Action: req.Action}
	f.Since, f.Until = dayRange(&from, &to)
	if req.SchoolID != "" {
		id, _ := strconv.ParseInt(req.SchoolID, 10, 64)
		f.SchoolID = &id
	}

	entries, err := h.store.Export(r.Context(), f)
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}

	entry := NewEntry(r, ActionLogsExported)
	entry.NewValues = map[string]interface{}{
		"format":     req.Format,
		"count":      len(entries),
		"date_range": []string{req.FromDate, req.ToDate},
	}
	h.recorder.Record(r.Context(), entry)

	if ExportFormat(req.Format) == ExportJSON {
		httputil.WriteSuccess(w, entries)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+ExportFilename(h.now())+`"`)
	w.WriteHeader(http.StatusOK)
	if err := WriteCSV(w, entries); err != nil && h.recorder != nil && h.recorder.errLog != nil {
		h.recorder.errLog.WithError(err).WithField("rows", len(entries)).Error("activity log CSV export interrupted")
	}
}

// actionTypes handles GET /logs/action-types
func (h *Handlers) actionTypes(w http.ResponseWriter, r *http.Request) {
	actions, err := h.store.ActionTypes(r.Context())
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, actions)
}

// getLog handles GET /logs/{id}
func (h *Handlers) getLog(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	entry, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrEntryNotFound) {
		httputil.WriteNotFound(w, "Activity log not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, entry)
}

type cleanupRequest struct {
	RetentionDays int `json:"retention_days" validate:"omitempty,min=1,max=3650"`
}

// cleanup handles POST /logs/cleanup. An empty body uses the configured
// retention period.
func (h *Handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.ContentLength != 0 {
		if !httputil.DecodeAndValidate(w, r, &req) {
			return
		}
	}

	res, err := h.retention.Run(r.Context(), req.RetentionDays)
	if err != nil && res == nil {
		httputil.WriteInternalError(w)
		return
	}

	entry := NewEntry(r, ActionLogsCleaned)
	logged := res.Entry()
	entry.NewValues = logged.NewValues
	entry.Description = logged.Description
	h.recorder.Record(r.Context(), entry)

	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccessMessage(w, "Activity logs cleaned up", res)
}
