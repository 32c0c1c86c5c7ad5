package tenancy

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
	"github.com/platinummonkey/schoolguard/pkg/scope"
)

// Handlers serves the super-admin school routes
type Handlers struct {
	store    *Store
	recorder *audit.Recorder
	users    UserDirectory
	now      func() time.Time
}

// NewHandlers creates school handlers
func NewHandlers(store *Store, recorder *audit.Recorder) *Handlers {
	return &Handlers{store: store, recorder: recorder, now: time.Now}
}

// RegisterRoutes registers school routes on the super-admin router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/schools", h.listSchools).Methods("GET")
	router.HandleFunc("/schools", h.createSchool).Methods("POST")
	router.HandleFunc("/schools/{id:[0-9]+}", h.getSchool).Methods("GET")
	router.HandleFunc("/schools/{id:[0-9]+}/suspend", h.suspendSchool).Methods("POST")
	router.HandleFunc("/schools/{id:[0-9]+}/activate", h.activateSchool).Methods("POST")
	router.HandleFunc("/schools/{id:[0-9]+}/license", h.updateLicense).Methods("PUT")
	if h.users != nil {
		router.HandleFunc("/users", h.listUsers).Methods("GET")
	}
}

// listSchools handles GET /schools
func (h *Handlers) listSchools(w http.ResponseWriter, r *http.Request) {
	requested, err := httputil.ParseQueryInt64Ptr(r, "school_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	s := scope.Resolve(auth.PrincipalFrom(r.Context()), requested)
	if s.Empty() {
		httputil.WriteSuccess(w, httputil.Envelope{"schools": []*School{}, "total": 0})
		return
	}

	f := ListFilter{ID: s.SchoolID, Search: r.URL.Query().Get("search")}
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid boolean for query param active: "+v)
			return
		}
		f.Active = &active
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

	schools, total, err := h.store.List(r.Context(), f)
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"schools": schools, "total": total})
}

type createSchoolRequest struct {
	Name              string `json:"name" validate:"required,max=255"`
	Subdomain         string `json:"subdomain" validate:"required,max=50,alphanum"`
	Domain            string `json:"domain" validate:"omitempty,fqdn"`
	SubscriptionPlan  string `json:"subscription_plan" validate:"omitempty,oneof=basic standard premium enterprise"`
	LicenseValidUntil string `json:"license_valid_until" validate:"omitempty,datetime=2006-01-02"`
}

// createSchool handles POST /schools
func (h *Handlers) createSchool(w http.ResponseWriter, r *http.Request) {
	var req createSchoolRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	school := &School{
		Name:             req.Name,
		Subdomain:        req.Subdomain,
		Domain:           req.Domain,
		SubscriptionPlan: Plan(req.SubscriptionPlan),
		Active:           true,
	}
	if req.LicenseValidUntil != "" {
		until := endOfDay(req.LicenseValidUntil)
		school.LicenseValidUntil = &until
	}
	if err := h.store.Create(r.Context(), school); err != nil {
		if errors.Is(err, ErrSubdomainTaken) {
			httputil.WriteValidationErrors(w, map[string]string{"subdomain": "The subdomain has already been taken."})
			return
		}
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteCreated(w, "School created successfully", school)
}

// getSchool handles GET /schools/{id}
func (h *Handlers) getSchool(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	school, err := h.store.Get(r.Context(), id)
	if !h.writeLookupError(w, err) {
		return
	}
	httputil.WriteSuccess(w, school)
}

type suspendRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// suspendSchool handles POST /schools/{id}/suspend
func (h *Handlers) suspendSchool(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req suspendRequest
	if r.ContentLength != 0 && !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	school, err := h.store.Suspend(r.Context(), id, req.Reason, h.now())
	if !h.writeLookupError(w, err) {
		return
	}
	h.record(r, audit.ActionSchoolSuspended, school, map[string]interface{}{"active": true},
		map[string]interface{}{"active": false, "reason": school.Meta["suspended_reason"]})
	httputil.WriteSuccessMessage(w, "School suspended successfully", school)
}

// activateSchool handles POST /schools/{id}/activate
func (h *Handlers) activateSchool(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	school, err := h.store.Activate(r.Context(), id, h.now())
	if !h.writeLookupError(w, err) {
		return
	}
	h.record(r, audit.ActionSchoolActivated, school, map[string]interface{}{"active": false},
		map[string]interface{}{"active": true})
	httputil.WriteSuccessMessage(w, "School activated successfully", school)
}

type licenseRequest struct {
	LicenseValidUntil string `json:"license_valid_until" validate:"required,datetime=2006-01-02"`
	SubscriptionPlan  string `json:"subscription_plan" validate:"omitempty,oneof=basic standard premium enterprise"`
}

// updateLicense handles PUT /schools/{id}/license
func (h *Handlers) updateLicense(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req licenseRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	before, err := h.store.Get(r.Context(), id)
	if !h.writeLookupError(w, err) {
		return
	}
	until := endOfDay(req.LicenseValidUntil)

	school, err := h.store.UpdateLicense(r.Context(), id, &until, Plan(req.SubscriptionPlan))
	if !h.writeLookupError(w, err) {
		return
	}
	h.record(r, audit.ActionLicenseUpdated, school,
		map[string]interface{}{"license_valid_until": before.LicenseValidUntil, "subscription_plan": before.SubscriptionPlan},
		map[string]interface{}{"license_valid_until": school.LicenseValidUntil, "subscription_plan": school.SubscriptionPlan})
	httputil.WriteSuccessMessage(w, "School license updated successfully", school)
}

// endOfDay is the last second of a validated YYYY-MM-DD date, in UTC
func endOfDay(date string) time.Time {
	day, _ := time.Parse(httputil.DateLayout, date)
	return day.AddDate(0, 0, 1).Add(-time.Second)
}

// writeLookupError writes the response for err and reports whether the
// handler should continue
func (h *Handlers) writeLookupError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSchoolNotFound):
		httputil.WriteNotFound(w, "School not found.")
	default:
		httputil.WriteInternalError(w)
	}
	return false
}

func (h *Handlers) record(r *http.Request, action string, school *School, oldValues, newValues map[string]interface{}) {
	entry := audit.NewEntry(r, action)
	id := school.ID
	entry.SchoolID = &id
	entry.EntityType = "school"
	entry.EntityID = strconv.FormatInt(school.ID, 10)
	entry.OldValues = oldValues
	entry.NewValues = newValues
	h.recorder.Record(r.Context(), entry)
}
