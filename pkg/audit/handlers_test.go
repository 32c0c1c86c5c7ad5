package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/schoolguard/pkg/auth"
)

type handlerFixture struct {
	*fixture
	handlers *Handlers
	now      time.Time
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := newFixture(t)
	logger, _ := test.NewNullLogger()
	recorder := NewRecorder(f.logger, logger)
	h := NewHandlers(f.logger, recorder, NewRetention(f.logger, recorder, logger))
	now := time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	h.retention.now = h.now
	return &handlerFixture{fixture: f, handlers: h, now: now}
}

func (hf *handlerFixture) serve(t *testing.T, p *auth.Principal, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := mux.NewRouter()
	router.Use(withPrincipal(p))
	hf.handlers.RegisterSchoolRoutes(router.PathPrefix("/api/v1").Subrouter())
	hf.handlers.RegisterSuperAdminRoutes(router.PathPrefix("/api/v1/super-admin").Subrouter())

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func pageTotal(t *testing.T, w *httptest.ResponseRecorder) float64 {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]interface{})
	return data["total"].(float64)
}

var superAdmin = &auth.Principal{ID: 1000, Role: auth.RoleSuperAdmin}

func TestHandlers_SchoolListIsTenantScoped(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.log(t, &hf.alpha, &hf.admin, ActionCreate, hf.now, "")
	hf.log(t, &hf.beta, &hf.teacher, ActionCreate, hf.now, "")
	hf.log(t, &hf.beta, &hf.teacher, ActionDelete, hf.now, "")

	admin := &auth.Principal{ID: hf.admin, Role: auth.RoleSchoolAdmin, SchoolID: &hf.alpha}

	// another school's id in the query is ignored
	w := hf.serve(t, admin, http.MethodGet, "/api/v1/activity-logs?school_id="+itoa(hf.beta), "")
	assert.Equal(t, float64(1), pageTotal(t, w))

	w = hf.serve(t, superAdmin, http.MethodGet, "/api/v1/activity-logs", "")
	assert.Equal(t, float64(3), pageTotal(t, w))

	w = hf.serve(t, superAdmin, http.MethodGet, "/api/v1/activity-logs?school_id="+itoa(hf.beta)+"&action=delete", "")
	assert.Equal(t, float64(1), pageTotal(t, w))

	// a principal without a school sees nothing
	w = hf.serve(t, &auth.Principal{ID: 5, Role: auth.RoleTeacher}, http.MethodGet, "/api/v1/activity-logs", "")
	assert.Equal(t, float64(0), pageTotal(t, w))
}

func TestHandlers_ListValidation(t *testing.T) {
	hf := newHandlerFixture(t)
	w := hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs?from_date=yesterday&page=0", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errs := decode(t, w)["errors"].(map[string]interface{})
	assert.Contains(t, errs, "from_date")
	assert.Contains(t, errs, "page")
}

func TestHandlers_SecurityLog(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.log(t, &hf.alpha, nil, ActionLoginFailed, hf.now, "")
	hf.log(t, &hf.alpha, nil, ActionPasswordChanged, hf.now, "")
	hf.log(t, &hf.alpha, nil, ActionLogin, hf.now, "")
	hf.log(t, &hf.alpha, nil, ActionCreate, hf.now, "")

	assert.Equal(t, float64(3), pageTotal(t, hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/security", "")))
	assert.Equal(t, float64(1), pageTotal(t, hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/security?severity=high", "")))
	assert.Equal(t, float64(1), pageTotal(t, hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/security?severity=medium", "")))
	assert.Equal(t, float64(3), pageTotal(t, hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/security?severity=low", "")))
}

func TestHandlers_SystemLog(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.log(t, &hf.alpha, nil, ActionSettingsUpdated, hf.now, "")
	hf.log(t, nil, nil, ActionLogin, hf.now, "")
	hf.log(t, &hf.alpha, nil, ActionLogin, hf.now, "")

	assert.Equal(t, float64(2), pageTotal(t, hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/system", "")))
}

func TestHandlers_Stats(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.log(t, &hf.alpha, nil, ActionLoginFailed, hf.now.AddDate(0, 0, -2), "")
	hf.log(t, &hf.alpha, nil, ActionLoginFailed, hf.now.AddDate(0, 0, -40), "")

	w := hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["total_logs"])
	assert.Equal(t, float64(1), data["failed_logins"])
	assert.Len(t, data["daily_activity"], 1)

	w = hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/stats?days=60", "")
	assert.Equal(t, float64(2), decode(t, w)["data"].(map[string]interface{})["total_logs"])

	w = hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/stats?days=0", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandlers_ExportCSV(t *testing.T) {
	hf := newHandlerFixture(t)
	day := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	hf.log(t, &hf.alpha, &hf.admin, ActionLogin, day.Add(23*time.Hour), "signed in")
	hf.log(t, &hf.beta, &hf.teacher, ActionLogin, day.Add(2*time.Hour), "")
	hf.log(t, &hf.alpha, &hf.admin, ActionLogin, day.AddDate(0, 0, 1), "next day")

	w := hf.serve(t, superAdmin, http.MethodGet,
		"/api/v1/super-admin/logs/export?format=csv&from_date=2026-04-10&to_date=2026-04-10&school_id="+itoa(hf.alpha), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="activity_logs_2026-04-20.csv"`, w.Header().Get("Content-Disposition"))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, CSVHeader, lines[0])
	assert.Contains(t, lines[1], ",signed in,")
	assert.Contains(t, lines[1], ",Alpha High,")

	exported, err := hf.logger.Search(context.Background(), Filter{Action: ActionLogsExported})
	require.NoError(t, err)
	require.Len(t, exported.Entries, 1)
	assert.Equal(t, "csv", exported.Entries[0].NewValues["format"])
	assert.Equal(t, float64(1), exported.Entries[0].NewValues["count"])
	assert.Equal(t, []interface{}{"2026-04-10", "2026-04-10"}, exported.Entries[0].NewValues["date_range"])
}

func TestHandlers_ExportJSONAndValidation(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.log(t, &hf.alpha, nil, ActionLogin, time.Date(2026, 4, 10, 5, 0, 0, 0, time.UTC), "")

	w := hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/export?format=json&from_date=2026-04-01&to_date=2026-04-30", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)

	cases := map[string]string{
		"format":    "/api/v1/super-admin/logs/export?format=xml&from_date=2026-04-01&to_date=2026-04-30",
		"from_date": "/api/v1/super-admin/logs/export?format=csv&to_date=2026-04-30",
		"to_date":   "/api/v1/super-admin/logs/export?format=csv&from_date=2026-04-30&to_date=2026-04-01",
		"school_id": "/api/v1/super-admin/logs/export?format=csv&from_date=2026-04-01&to_date=2026-04-30&school_id=abc",
	}
	for field, target := range cases {
		w := hf.serve(t, superAdmin, http.MethodGet, target, "")
		require.Equal(t, http.StatusUnprocessableEntity, w.Code, field)
		assert.Contains(t, decode(t, w)["errors"], field)
	}
}

func TestHandlers_GetAndActionTypes(t *testing.T) {
	hf := newHandlerFixture(t)
	id := hf.log(t, &hf.alpha, nil, ActionLogin, hf.now, "")

	w := hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/"+itoa(id), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ActionLogin, decode(t, w)["data"].(map[string]interface{})["action"])

	w = hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/9999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Activity log not found", decode(t, w)["message"])

	w = hf.serve(t, superAdmin, http.MethodGet, "/api/v1/super-admin/logs/action-types", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{ActionLogin}, decode(t, w)["data"])
}

func TestHandlers_Cleanup(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.log(t, &hf.alpha, nil, ActionView, hf.now.AddDate(0, 0, -50), "")
	hf.log(t, &hf.alpha, nil, ActionView, hf.now.AddDate(0, 0, -5), "")

	w := hf.serve(t, superAdmin, http.MethodPost, "/api/v1/super-admin/logs/cleanup", `{"retention_days": 30}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["deleted"])
	assert.Equal(t, true, data["complete"])

	cleaned, err := hf.logger.Search(context.Background(), Filter{Action: ActionLogsCleaned})
	require.NoError(t, err)
	require.Len(t, cleaned.Entries, 1)
	assert.Equal(t, superAdmin.ID, *cleaned.Entries[0].UserID)

	w = hf.serve(t, superAdmin, http.MethodPost, "/api/v1/super-admin/logs/cleanup", `{"retention_days": -1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
