package tenancy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/contextkeys"
	"github.com/platinummonkey/schoolguard/pkg/database"
)

type memoryLogger struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *memoryLogger) Log(ctx context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

type handlerFixture struct {
	store    *Store
	handlers *Handlers
	audit    *memoryLogger
	now      time.Time
}

var superAdmin = &auth.Principal{ID: 1, Role: auth.RoleSuperAdmin, Name: "Root"}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	store := NewStore(database.NewTestDB(t))
	mem := &memoryLogger{}
	logger, _ := test.NewNullLogger()
	h := NewHandlers(store, audit.NewRecorder(mem, logger))
	now := time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	return &handlerFixture{store: store, handlers: h, audit: mem, now: now}
}

func (hf *handlerFixture) serve(t *testing.T, p *auth.Principal, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p != nil {
				r = r.WithContext(contextkeys.WithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	})
	hf.handlers.RegisterRoutes(router.PathPrefix("/api/v1/super-admin").Subrouter())

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func (hf *handlerFixture) create(t *testing.T, name, subdomain string, active bool) *School {
	t.Helper()
	s := &School{Name: name, Subdomain: subdomain, Active: active}
	require.NoError(t, hf.store.Create(context.Background(), s))
	return s
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func schoolPath(id int64, suffix string) string {
	return "/api/v1/super-admin/schools/" + strconv.FormatInt(id, 10) + suffix
}

func TestHandlers_ListSchools(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.create(t, "Alpha High", "alpha", true)
	hf.create(t, "Beta College", "beta", false)

	w := hf.serve(t, superAdmin, "GET", "/api/v1/super-admin/schools", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["total"])

	w = hf.serve(t, superAdmin, "GET", "/api/v1/super-admin/schools?active=false", "")
	require.Equal(t, http.StatusOK, w.Code)
	data = decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["total"])
	schools := data["schools"].([]interface{})
	assert.Equal(t, "Beta College", schools[0].(map[string]interface{})["name"])

	w = hf.serve(t, superAdmin, "GET", "/api/v1/super-admin/schools?active=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_ListSchoolsScopedForNonSuperAdmin(t *testing.T) {
	hf := newHandlerFixture(t)
	alpha := hf.create(t, "Alpha High", "alpha", true)
	hf.create(t, "Beta College", "beta", true)

	admin := &auth.Principal{ID: 7, Role: auth.RoleSchoolAdmin, SchoolID: &alpha.ID}
	w := hf.serve(t, admin, "GET", "/api/v1/super-admin/schools", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["total"])

	orphan := &auth.Principal{ID: 8, Role: auth.RoleTeacher}
	w = hf.serve(t, orphan, "GET", "/api/v1/super-admin/schools", "")
	require.Equal(t, http.StatusOK, w.Code)
	data = decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(0), data["total"])
}

func TestHandlers_CreateSchool(t *testing.T) {
	hf := newHandlerFixture(t)

	w := hf.serve(t, superAdmin, "POST", "/api/v1/super-admin/schools",
		`{"name":"Hillside","subdomain":"hillside","subscription_plan":"premium","license_valid_until":"2027-06-30"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "School created successfully", body["message"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "premium", data["subscription_plan"])
	assert.Equal(t, "2027-06-30T23:59:59Z", data["license_valid_until"])

	w = hf.serve(t, superAdmin, "POST", "/api/v1/super-admin/schools", `{"name":"Other","subdomain":"hillside"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errs := decode(t, w)["errors"].(map[string]interface{})
	assert.Contains(t, errs, "subdomain")

	w = hf.serve(t, superAdmin, "POST", "/api/v1/super-admin/schools", `{"subdomain":"x","subscription_plan":"gold"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errs = decode(t, w)["errors"].(map[string]interface{})
	assert.Contains(t, errs, "name")
	assert.Contains(t, errs, "subscription_plan")
}

func TestHandlers_GetSchool(t *testing.T) {
	hf := newHandlerFixture(t)
	school := hf.create(t, "Hillside", "hillside", true)

	w := hf.serve(t, superAdmin, "GET", schoolPath(school.ID, ""), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hillside", decode(t, w)["data"].(map[string]interface{})["name"])

	w = hf.serve(t, superAdmin, "GET", schoolPath(9999, ""), "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "School not found.", decode(t, w)["message"])
}

func TestHandlers_SuspendAndActivate(t *testing.T) {
	hf := newHandlerFixture(t)
	school := hf.create(t, "Hillside", "hillside", true)

	w := hf.serve(t, superAdmin, "POST", schoolPath(school.ID, "/suspend"), `{"reason":"Unpaid invoice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "School suspended successfully", decode(t, w)["message"])

	stored, err := hf.store.Get(context.Background(), school.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, "Unpaid invoice", stored.Meta["suspended_reason"])

	w = hf.serve(t, superAdmin, "POST", schoolPath(school.ID, "/activate"), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "School activated successfully", decode(t, w)["message"])

	require.Len(t, hf.audit.entries, 2)
	suspended := hf.audit.entries[0]
	assert.Equal(t, audit.ActionSchoolSuspended, suspended.Action)
	assert.Equal(t, "school", suspended.EntityType)
	assert.Equal(t, strconv.FormatInt(school.ID, 10), suspended.EntityID)
	require.NotNil(t, suspended.SchoolID)
	assert.Equal(t, school.ID, *suspended.SchoolID)
	require.NotNil(t, suspended.UserID)
	assert.Equal(t, superAdmin.ID, *suspended.UserID)
	assert.Equal(t, "Unpaid invoice", suspended.NewValues["reason"])
	assert.Equal(t, audit.ActionSchoolActivated, hf.audit.entries[1].Action)
}

func TestHandlers_SuspendWithoutBodyUsesDefaultReason(t *testing.T) {
	hf := newHandlerFixture(t)
	school := hf.create(t, "Hillside", "hillside", true)

	w := hf.serve(t, superAdmin, "POST", schoolPath(school.ID, "/suspend"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]interface{})
	meta := data["meta"].(map[string]interface{})
	assert.Equal(t, "No reason provided", meta["suspended_reason"])
	assert.Equal(t, "2026-04-20T12:00:00Z", meta["suspended_at"])

	w = hf.serve(t, superAdmin, "POST", schoolPath(9999, "/suspend"), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, hf.audit.entries, 1)
}

func TestHandlers_UpdateLicense(t *testing.T) {
	hf := newHandlerFixture(t)
	school := hf.create(t, "Hillside", "hillside", true)

	w := hf.serve(t, superAdmin, "PUT", schoolPath(school.ID, "/license"),
		`{"license_valid_until":"2027-12-31","subscription_plan":"enterprise"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stored, err := hf.store.Get(context.Background(), school.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanEnterprise, stored.SubscriptionPlan)
	require.NotNil(t, stored.LicenseValidUntil)
	assert.Equal(t, time.Date(2027, 12, 31, 23, 59, 59, 0, time.UTC), stored.LicenseValidUntil.UTC())

	require.Len(t, hf.audit.entries, 1)
	entry := hf.audit.entries[0]
	assert.Equal(t, audit.ActionLicenseUpdated, entry.Action)
	assert.Equal(t, PlanBasic, entry.OldValues["subscription_plan"])
	assert.Equal(t, PlanEnterprise, entry.NewValues["subscription_plan"])

	w = hf.serve(t, superAdmin, "PUT", schoolPath(school.ID, "/license"), `{"license_valid_until":"31/12/2027"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decode(t, w)["errors"], "license_valid_until")
}
