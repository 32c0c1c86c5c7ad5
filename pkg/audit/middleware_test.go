package audit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/contextkeys"
)

// memoryLogger collects entries in memory
type memoryLogger struct {
	mu      sync.Mutex
	entries []*Entry
	err     error
}

func (m *memoryLogger) Log(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryLogger) all() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Entry(nil), m.entries...)
}

func withPrincipal(p *auth.Principal) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p != nil {
				r = r.WithContext(contextkeys.WithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func activityRouter(t *testing.T, p *auth.Principal, mem *memoryLogger, handler http.HandlerFunc) *mux.Router {
	t.Helper()
	logger, _ := test.NewNullLogger()
	mw := NewMiddleware(NewRecorder(mem, logger))

	router := mux.NewRouter()
	router.Use(withPrincipal(p), mw.Handler)
	router.HandleFunc("/api/v1/students/{id}", handler)
	router.HandleFunc("/api/v1/students", handler)
	router.HandleFunc("/api/v1/auth/me", handler)
	router.HandleFunc("/api/v1/report-cards", handler)
	return router
}

func TestActionForMethod(t *testing.T) {
	assert.Equal(t, ActionView, ActionForMethod(http.MethodGet))
	assert.Equal(t, ActionCreate, ActionForMethod(http.MethodPost))
	assert.Equal(t, ActionUpdate, ActionForMethod(http.MethodPut))
	assert.Equal(t, ActionUpdate, ActionForMethod(http.MethodPatch))
	assert.Equal(t, ActionDelete, ActionForMethod(http.MethodDelete))
	assert.Equal(t, ActionAccess, ActionForMethod(http.MethodOptions))
}

func TestEntityTypeForPath(t *testing.T) {
	assert.Equal(t, "student", EntityTypeForPath("api/v1/students/12"))
	assert.Equal(t, "attendance", EntityTypeForPath("api/v1/attendance"))
	assert.Equal(t, "report-card", EntityTypeForPath("api/v1/report-cards"))
	assert.Equal(t, "classe", EntityTypeForPath("api/v1/classes/3"))
	assert.Equal(t, "", EntityTypeForPath("api/v1/unknown"))
}

func TestShouldSkip(t *testing.T) {
	assert.True(t, ShouldSkip("api/v1/auth/me"))
	assert.True(t, ShouldSkip("sanctum/csrf-cookie"))
	assert.True(t, ShouldSkip("api/v1/locale/en"))
	assert.False(t, ShouldSkip("api/v1/students"))
}

func TestMiddleware_LogsMutationWithRedactedBody(t *testing.T) {
	school := int64(7)
	p := &auth.Principal{ID: 3, Role: auth.RoleSchoolAdmin, SchoolID: &school}
	mem := &memoryLogger{}

	var seenBody string
	router := activityRouter(t, p, mem, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusOK)
	})

	body := `{"name":"Ada","password":"hunter2","nested":{"token":"t","grade":"A"}}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/students/42?term=1", strings.NewReader(body))
	req.Header.Set("User-Agent", strings.Repeat("u", 700))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	router.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, body, seenBody, "handler sees the original body")

	entries := mem.all()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, ActionUpdate, e.Action)
	assert.Equal(t, "student", e.EntityType)
	assert.Equal(t, "42", e.EntityID)
	assert.Equal(t, "PUT api/v1/students/42", e.Description)
	assert.Equal(t, "203.0.113.9", e.IPAddress)
	assert.Len(t, e.UserAgent, MaxUserAgentLength)
	assert.Equal(t, int64(3), *e.UserID)
	assert.Equal(t, int64(7), *e.SchoolID)
	assert.Equal(t, "Ada", e.NewValues["name"])
	assert.Equal(t, "1", e.NewValues["term"])
	assert.NotContains(t, e.NewValues, "password")
	assert.Equal(t, map[string]interface{}{"grade": "A"}, e.NewValues["nested"])
}

func TestMiddleware_GetHasNoValues(t *testing.T) {
	mem := &memoryLogger{}
	router := activityRouter(t, &auth.Principal{ID: 1, Role: auth.RoleSuperAdmin}, mem, func(w http.ResponseWriter, r *http.Request) {})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/students?search=x", nil))

	entries := mem.all()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionView, entries[0].Action)
	assert.Nil(t, entries[0].NewValues)
	assert.Nil(t, entries[0].SchoolID)
}

func TestMiddleware_SkipsListedPathsAndAnonymous(t *testing.T) {
	mem := &memoryLogger{}
	router := activityRouter(t, &auth.Principal{ID: 1, Role: auth.RoleTeacher}, mem, func(w http.ResponseWriter, r *http.Request) {})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	assert.Empty(t, mem.all())

	anon := activityRouter(t, nil, mem, func(w http.ResponseWriter, r *http.Request) {})
	anon.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/students", strings.NewReader("{}")))
	assert.Empty(t, mem.all())
}

func TestMiddleware_AttributesImpersonation(t *testing.T) {
	mem := &memoryLogger{}
	logger, _ := test.NewNullLogger()
	mw := NewMiddleware(NewRecorder(mem, logger))

	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/report-cards", nil)
	ctx := contextkeys.WithPrincipal(req.Context(), &auth.Principal{ID: 9, Role: auth.RoleTeacher})
	ctx = contextkeys.WithImpersonation(ctx, &auth.Impersonation{SessionID: 5, ImpersonatorID: 1, ExpiresAt: time.Now().Add(time.Hour)})
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	entries := mem.all()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionDelete, entries[0].Action)
	assert.Contains(t, entries[0].Description, "impersonated by super admin #1, session #5")
}

func TestMiddleware_WriteFailureIsSwallowed(t *testing.T) {
	mem := &memoryLogger{err: assert.AnError}
	logger, hook := test.NewNullLogger()
	failures := 0
	rec := NewRecorder(mem, logger)
	rec.OnFailure(func() { failures++ })

	h := NewMiddleware(rec).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/students", strings.NewReader(`{}`))
	req = req.WithContext(contextkeys.WithPrincipal(req.Context(), &auth.Principal{ID: 1, Role: auth.RoleSchoolAdmin}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, failures)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "activity logging failed", hook.LastEntry().Message)
}

func TestMiddleware_WritesBeforeResponseReturns(t *testing.T) {
	mem := &memoryLogger{}
	failing := &memoryLogger{err: assert.AnError}
	logger, _ := test.NewNullLogger()
	failures := 0
	rec := NewRecorder(NewMultiLogger(mem, failing), logger)
	rec.OnFailure(func() { failures++ })

	h := NewMiddleware(rec).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	const requests = 500
	for i := 0; i < requests; i++ {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/students/7", strings.NewReader(`{}`))
		req = req.WithContext(contextkeys.WithPrincipal(req.Context(), &auth.Principal{ID: 1, Role: auth.RoleTeacher}))
		h.ServeHTTP(httptest.NewRecorder(), req)

		// no waiting: the entry is stored by the time ServeHTTP returns
		require.Len(t, mem.all(), i+1)
	}
	assert.Equal(t, requests, failures, "every failed write is counted")
}

func TestRecorder_RecoversPanics(t *testing.T) {
	logger, hook := test.NewNullLogger()
	rec := NewRecorder(panicLogger{}, logger)

	assert.NotPanics(t, func() {
		rec.Record(context.Background(), &Entry{Action: ActionLogin})
	})
	assert.Len(t, hook.Entries, 1)

	var nilRec *Recorder
	assert.NotPanics(t, func() { nilRec.Record(context.Background(), &Entry{}) })
}

type panicLogger struct{}

func (panicLogger) Log(ctx context.Context, e *Entry) error { panic("boom") }

func TestMultiLogger(t *testing.T) {
	a, b := &memoryLogger{}, &memoryLogger{err: assert.AnError}
	logger, hook := test.NewNullLogger()
	multi := NewMultiLogger(b, a, NewMirrorLogger(logger))

	err := multi.Log(context.Background(), &Entry{Action: ActionLogin, Description: "login"})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, a.all(), 1, "later loggers still run")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, ActionLogin, hook.LastEntry().Data["audit_action"])
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(r))

	r.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5")
	assert.Equal(t, "203.0.113.5", ClientIP(r))
}
