package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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
	"github.com/platinummonkey/schoolguard/pkg/middleware"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
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

func (m *memoryLogger) last() *audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	return m.entries[len(m.entries)-1]
}

type outcomes struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *outcomes) RecordLogin(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[outcome]++
}

type fixture struct {
	db       *database.DB
	users    *auth.UserStore
	tokens   *auth.TokenManager
	handlers *Handlers
	audit    *memoryLogger
	outcomes *outcomes
	limiter  middleware.Limiter
	school   int64
	teacher  int64
	retired  int64
}

const password = "correct horse battery"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := database.NewTestDB(t)
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		users:    auth.NewUserStore(db),
		tokens:   auth.NewTokenManager(db, nil, 0),
		audit:    &memoryLogger{},
		outcomes: &outcomes{counts: map[string]int{}},
		limiter: middleware.NewMemoryLimiter(&middleware.RateLimitConfig{
			RequestsPerWindow: 3,
			WindowDuration:    time.Minute,
		}),
	}
	f.school = database.InsertSchool(t, db, database.SchoolFixture{Name: "Alpha", Active: true})
	f.teacher = database.InsertUser(t, db, &f.school, "ada@alpha.test", "teacher", hash, true)
	f.retired = database.InsertUser(t, db, &f.school, "old@alpha.test", "teacher", hash, false)
	_, err = db.ExecContext(context.Background(), "UPDATE users SET phone = $1 WHERE id = $2", "+2348000000001", f.teacher)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	f.handlers = NewHandlers(f.users, f.tokens, rbac.NewDefaultRegistry(),
		audit.NewRecorder(f.audit, logger), f.outcomes, logger, 12*time.Hour)
	return f
}

// serve routes one request. A non-nil principal stands in for the
// authentication layer.
func (f *fixture) serve(t *testing.T, p *auth.Principal, token *auth.APIToken, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	logger, _ := test.NewNullLogger()
	authenticated := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p == nil {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}
			ctx := contextkeys.WithPrincipal(r.Context(), p)
			if token != nil {
				ctx = contextkeys.WithToken(ctx, token)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	limit := middleware.RateLimit(f.limiter, middleware.LoginKey, logger, nil)

	router := mux.NewRouter()
	f.handlers.RegisterRoutes(router.PathPrefix("/api/v1").Subrouter(), limit, authenticated)

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.5:4312"
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

func loginBody(identifier, pw string) string {
	return fmt.Sprintf(`{"email":%q,"password":%q}`, identifier, pw)
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)

	w := f.serve(t, nil, nil, "POST", "/api/v1/auth/login", loginBody("ADA@alpha.test", password))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "Bearer", data["token_type"])
	assert.NotEmpty(t, data["expires_at"])
	user := data["user"].(map[string]interface{})
	assert.Equal(t, float64(f.teacher), user["id"])
	assert.NotContains(t, user, "password_hash")

	tok, err := f.tokens.ValidateToken(context.Background(), data["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, f.teacher, tok.UserID)

	p, err := f.users.GetByID(context.Background(), f.teacher)
	require.NoError(t, err)
	assert.NotNil(t, p.LastLogin)

	entry := f.audit.last()
	require.NotNil(t, entry)
	assert.Equal(t, audit.ActionLogin, entry.Action)
	assert.Equal(t, f.teacher, *entry.UserID)
	assert.Equal(t, f.school, *entry.SchoolID)
	assert.Equal(t, 1, f.outcomes.counts[OutcomeSuccess])
}

func TestLogin_ByPhone(t *testing.T) {
	f := newFixture(t)
	w := f.serve(t, nil, nil, "POST", "/api/v1/auth/login", loginBody("+2348000000001", password))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		password   string
		status     int
		message    string
		outcome    string
		attributed bool
	}{
		{"unknown user", "ghost@alpha.test", password, http.StatusUnauthorized, MsgInvalidCredentials, OutcomeFailure, false},
		{"wrong password", "ada@alpha.test", "nope", http.StatusUnauthorized, MsgInvalidCredentials, OutcomeFailure, true},
		{"deactivated", "old@alpha.test", password, http.StatusForbidden, MsgDeactivated, OutcomeInactive, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.serve(t, nil, nil, "POST", "/api/v1/auth/login", loginBody(tt.identifier, tt.password))
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.message, decode(t, w)["message"])

			entry := f.audit.last()
			require.NotNil(t, entry)
			assert.Equal(t, audit.ActionLoginFailed, entry.Action)
			assert.Equal(t, tt.identifier, entry.NewValues["email"])
			assert.NotContains(t, entry.NewValues, "password")
			assert.Equal(t, tt.attributed, entry.UserID != nil)
			assert.Equal(t, 1, f.outcomes.counts[tt.outcome])
		})
	}
}

func TestLogin_Validation(t *testing.T) {
	f := newFixture(t)
	w := f.serve(t, nil, nil, "POST", "/api/v1/auth/login", `{"email":"ada@alpha.test"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decode(t, w)["errors"], "password")
	assert.Nil(t, f.audit.last())
}

func TestLogin_RateLimited(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		w := f.serve(t, nil, nil, "POST", "/api/v1/auth/login", loginBody("ada@alpha.test", "wrong"))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := f.serve(t, nil, nil, "POST", "/api/v1/auth/login", loginBody("ada@alpha.test", password))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, middleware.MsgTooManyAttempts, decode(t, w)["message"])

	// the limit is per identifier
	w = f.serve(t, nil, nil, "POST", "/api/v1/auth/login", loginBody("+2348000000001", password))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok, plaintext, err := f.tokens.CreateToken(ctx, f.teacher, "auth-token", time.Hour)
	require.NoError(t, err)
	p := &auth.Principal{ID: f.teacher, Role: auth.RoleTeacher, SchoolID: &f.school}

	w := f.serve(t, p, tok, "POST", "/api/v1/auth/logout", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Logged out successfully", decode(t, w)["message"])

	_, err = f.tokens.ValidateToken(ctx, plaintext)
	assert.Error(t, err)
	assert.Equal(t, audit.ActionLogout, f.audit.last().Action)

	w = f.serve(t, nil, nil, "POST", "/api/v1/auth/logout", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	p := &auth.Principal{ID: f.teacher, Role: auth.RoleTeacher, SchoolID: &f.school, Name: "Ada"}

	w := f.serve(t, p, nil, "GET", "/api/v1/auth/me", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "Ada", data["user"].(map[string]interface{})["name"])
	assert.Contains(t, data["permissions"], string(rbac.AttendanceMarkOwnClass))
	assert.NotContains(t, data["permissions"], string(rbac.SettingsUpdate))
	assert.NotContains(t, data, "impersonation")
	assert.Nil(t, f.audit.last())
}
