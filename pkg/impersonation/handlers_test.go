package impersonation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/contextkeys"
)

func (f *fixture) serve(t *testing.T, p *auth.Principal, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	logger, _ := test.NewNullLogger()
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(contextkeys.WithPrincipal(r.Context(), p))
			next.ServeHTTP(w, r)
		})
	})
	NewHandlers(f.service, logger).RegisterRoutes(router.PathPrefix("/api/v1/super-admin").Subrouter())

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

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func impersonatePath(id int64) string {
	return "/api/v1/super-admin/users/" + strconv.FormatInt(id, 10) + "/impersonate"
}

func TestHandlers_Start(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		target  int64
		body    string
		status  int
		message string
	}{
		{"unknown user", 9999, `{"reason":"x"}`, http.StatusNotFound, "User not found."},
		{"self", f.root.ID, `{"reason":"x"}`, http.StatusBadRequest, "Cannot impersonate yourself"},
		{"super admin", f.other.ID, `{"reason":"x"}`, http.StatusForbidden, "Cannot impersonate another Super Admin"},
		{"no reason", f.teacher.ID, "", http.StatusUnprocessableEntity, "Validation failed"},
		{"bad json", f.teacher.ID, `{"reason":`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.serve(t, f.root, "POST", impersonatePath(tt.target), tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.message != "" {
				assert.Equal(t, tt.message, decode(t, w)["message"])
			}
		})
	}

	w := f.serve(t, f.root, "POST", impersonatePath(f.teacher.ID), `{"reason":"Parent complaint"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Impersonation session started", body["message"])
	data := body["data"].(map[string]interface{})
	assert.NotEmpty(t, data["token"])
	assert.Equal(t, float64(f.root.ID), data["original_user_id"])
	user := data["user"].(map[string]interface{})
	assert.Equal(t, float64(f.teacher.ID), user["id"])
	assert.Equal(t, "teacher", user["role"])
}

func TestHandlers_EndAndHistory(t *testing.T) {
	f := newFixture(t)
	res := f.start(t, f.teacher)
	endPath := "/api/v1/super-admin/impersonation/" + strconv.FormatInt(res.Session.ID, 10) + "/end"

	w := f.serve(t, f.other, "POST", endPath, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.serve(t, f.root, "POST", endPath, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Impersonation session ended", decode(t, w)["message"])

	w = f.serve(t, f.root, "POST", endPath, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.serve(t, f.root, "GET", "/api/v1/super-admin/impersonation/history?admin_id="+strconv.FormatInt(f.root.ID, 10), "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["total"])
	sessions := data["sessions"].([]interface{})
	assert.NotNil(t, sessions[0].(map[string]interface{})["ended_at"])

	w = f.serve(t, f.root, "GET", "/api/v1/super-admin/impersonation/history?active=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["data"].(map[string]interface{})["total"])

	w = f.serve(t, f.root, "GET", "/api/v1/super-admin/impersonation/"+strconv.FormatInt(res.Session.ID, 10), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Investigating ticket #42", decode(t, w)["data"].(map[string]interface{})["reason"])

	w = f.serve(t, f.root, "GET", "/api/v1/super-admin/impersonation/9999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
