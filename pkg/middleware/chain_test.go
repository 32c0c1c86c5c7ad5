package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/observability"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
	"github.com/platinummonkey/schoolguard/pkg/tenancy"
)

type fakeTokens map[string]*auth.APIToken

func (f fakeTokens) ValidateToken(ctx context.Context, token string) (*auth.APIToken, error) {
	if t, ok := f[token]; ok {
		return t, nil
	}
	return nil, auth.ErrInvalidToken
}

type fakeUsers map[int64]*auth.Principal

func (f fakeUsers) GetByID(ctx context.Context, id int64) (*auth.Principal, error) {
	if p, ok := f[id]; ok {
		return p, nil
	}
	return nil, errors.New("user not found")
}

type fakeSchools struct {
	schools map[int64]*tenancy.School
	err     error
}

func (f *fakeSchools) Get(ctx context.Context, id int64) (*tenancy.School, error) {
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.schools[id]; ok {
		return s, nil
	}
	return nil, tenancy.ErrSchoolNotFound
}

type impSession struct {
	imp    *auth.Impersonation
	userID int64
}

type fakeImpersonation struct {
	mu       sync.Mutex
	sessions map[string]impSession
	actions  []string
}

func (f *fakeImpersonation) Authenticate(ctx context.Context, credential string) (*auth.Impersonation, int64, error) {
	s, ok := f.sessions[credential]
	if !ok {
		return nil, 0, errors.New("invalid impersonation credential")
	}
	return s.imp, s.userID, nil
}

func (f *fakeImpersonation) RecordAction(ctx context.Context, sessionID int64, action string, details map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

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

func (m *memoryLogger) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Action
	}
	return out
}

func int64Ptr(v int64) *int64 { return &v }

const (
	activeSchool   = 10
	inactiveSchool = 11
	expiredSchool  = 12
	missingSchool  = 13
)

type chainFixture struct {
	chain         *Chain
	audit         *memoryLogger
	schools       *fakeSchools
	impersonation *fakeImpersonation
	metrics       *observability.Metrics
}

func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()
	past := time.Now().Add(-24 * time.Hour)

	users := fakeUsers{
		1: {ID: 1, Role: auth.RoleSuperAdmin, Active: true},
		2: {ID: 2, Role: auth.RoleSchoolAdmin, SchoolID: int64Ptr(activeSchool), Active: true},
		3: {ID: 3, Role: auth.RoleTeacher, SchoolID: int64Ptr(activeSchool), Active: true},
		4: {ID: 4, Role: auth.RoleParent, SchoolID: int64Ptr(activeSchool), Active: true},
		5: {ID: 5, Role: auth.RoleTeacher, Active: true},
		6: {ID: 6, Role: auth.RoleTeacher, SchoolID: int64Ptr(inactiveSchool), Active: true},
		7: {ID: 7, Role: auth.RoleTeacher, SchoolID: int64Ptr(expiredSchool), Active: true},
		8: {ID: 8, Role: auth.RoleTeacher, SchoolID: int64Ptr(missingSchool), Active: true},
		9: {ID: 9, Role: auth.RoleTeacher, SchoolID: int64Ptr(activeSchool), Active: false},
	}
	tokens := fakeTokens{}
	for id := range users {
		tokens[tokenFor(id)] = &auth.APIToken{ID: id, UserID: id}
	}

	schools := &fakeSchools{schools: map[int64]*tenancy.School{
		activeSchool:   {ID: activeSchool, Name: "Hillside", Active: true},
		inactiveSchool: {ID: inactiveSchool, Name: "Closed", Active: false},
		expiredSchool:  {ID: expiredSchool, Name: "Lapsed", Active: true, LicenseValidUntil: &past},
	}}

	imp := &fakeImpersonation{sessions: map[string]impSession{
		"imp-credential": {imp: &auth.Impersonation{SessionID: 77, ImpersonatorID: 1}, userID: 2},
	}}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mem := &memoryLogger{}
	recorder := audit.NewRecorder(mem, logger)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	authGuard := NewAuthGuard(tokens, users, logger).WithImpersonation(imp)
	chain := NewChain(authGuard, NewTenantGuard(schools, logger), rbac.NewDefaultRegistry(), recorder, logger,
		WithMetrics(metrics))

	return &chainFixture{chain: chain, audit: mem, schools: schools, impersonation: imp, metrics: metrics}
}

func tokenFor(id int64) string {
	return auth.TokenPrefix + "user" + strconv.FormatInt(id, 10)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, method, target, credential string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestChainAuthentication(t *testing.T) {
	f := newChainFixture(t)
	h := f.chain.Authenticated()(okHandler())

	for name, credential := range map[string]string{
		"missing":       "",
		"unknown token": auth.TokenPrefix + "nope",
		"unknown jwt":   "not-a-session",
		"inactive user": tokenFor(9),
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve(h, http.MethodGet, "/api/v1/students", credential)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, auth.MsgUnauthenticated, body["message"])
		})
	}

	t.Run("basic scheme rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/students", nil)
		req.Header.Set("Authorization", "Basic "+tokenFor(3))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/api/v1/students", tokenFor(3))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestChainTenantStage(t *testing.T) {
	f := newChainFixture(t)
	h := f.chain.Authenticated()(okHandler())

	tests := []struct {
		name    string
		user    int64
		status  int
		message string
	}{
		{"no school", 5, http.StatusForbidden, MsgNoSchool},
		{"inactive school", 6, http.StatusForbidden, MsgSchoolInactive},
		{"expired license", 7, http.StatusForbidden, MsgLicenseExpired},
		{"missing school", 8, http.StatusForbidden, MsgSchoolInactive},
		{"active school", 3, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, http.MethodGet, "/api/v1/classes", tokenFor(tt.user))
			assert.Equal(t, tt.status, rec.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, decodeBody(t, rec)["message"])
			}
		})
	}

	t.Run("loader failure is a 500", func(t *testing.T) {
		f.schools.err = errors.New("connection refused")
		defer func() { f.schools.err = nil }()
		rec := serve(h, http.MethodGet, "/api/v1/classes", tokenFor(3))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Internal server error", decodeBody(t, rec)["message"])
	})

	t.Run("school stored on context", func(t *testing.T) {
		var seen *tenancy.School
		h := f.chain.Authenticated()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = tenancy.FromContext(r.Context())
		}))
		serve(h, http.MethodGet, "/api/v1/classes", tokenFor(3))
		require.NotNil(t, seen)
		assert.Equal(t, int64(activeSchool), seen.ID)
	})
}

func TestChainRoleAndPermissionStages(t *testing.T) {
	f := newChainFixture(t)

	t.Run("role denied", func(t *testing.T) {
		h := f.chain.Roles(auth.RoleSchoolAdmin)(okHandler())
		rec := serve(h, http.MethodGet, "/api/v1/users", tokenFor(3))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, rbac.MsgRoleDenied, body["message"])
		assert.Equal(t, []interface{}{"school_admin"}, body["required_roles"])
		assert.Equal(t, "teacher", body["your_role"])
	})

	t.Run("permission any-of", func(t *testing.T) {
		h := f.chain.Permissions(rbac.AttendanceMark, rbac.AttendanceMarkOwnClass)(okHandler())
		assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/api/v1/attendance", tokenFor(3)).Code)

		rec := serve(h, http.MethodPost, "/api/v1/attendance", tokenFor(4))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, rbac.MsgPermissionDenied, body["message"])
		assert.Equal(t, []interface{}{"attendance.mark", "attendance.mark_own_class"}, body["required_permissions"])
		assert.Equal(t, "parent", body["your_role"])
	})

	t.Run("tenant runs before role", func(t *testing.T) {
		h := f.chain.Roles(auth.RoleSchoolAdmin)(okHandler())
		rec := serve(h, http.MethodGet, "/api/v1/users", tokenFor(6))
		assert.Equal(t, MsgSchoolInactive, decodeBody(t, rec)["message"])
	})

	t.Run("role denials outside the platform group are not audited", func(t *testing.T) {
		assert.NotContains(t, f.audit.actions(), audit.ActionPermissionDenied)
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AuthzDecisionsTotal.WithLabelValues(StageRole, "denied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AuthzDecisionsTotal.WithLabelValues(StagePermission, "denied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AuthzDecisionsTotal.WithLabelValues(StageTenant, "denied")))
}

func TestChainSuperAdminBypass(t *testing.T) {
	f := newChainFixture(t)
	h := f.chain.Require(Guards{Roles: []auth.Role{auth.RoleSchoolAdmin}, Permissions: []rbac.Permission{rbac.AttendanceMark}})(okHandler())

	t.Run("no school required", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/v1/attendance", tokenFor(1)).Code)
	})

	t.Run("named school must exist", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/api/v1/attendance?school_id=999", tokenFor(1))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, MsgSchoolNotFound, decodeBody(t, rec)["message"])
	})

	t.Run("inactive school reachable", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/v1/attendance?school_id=11", tokenFor(1)).Code)
	})

	t.Run("school header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/attendance", nil)
		req.Header.Set("Authorization", "Bearer "+tokenFor(1))
		req.Header.Set(SchoolHeader, "abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestChainSuperAdminGroup(t *testing.T) {
	f := newChainFixture(t)
	h := f.chain.SuperAdmin()(okHandler())

	rec := serve(h, http.MethodGet, "/api/v1/super-admin/schools", tokenFor(2))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, rbac.MsgRoleDenied, decodeBody(t, rec)["message"])

	require.Len(t, f.audit.entries, 1)
	denied := f.audit.entries[0]
	assert.Equal(t, audit.ActionPermissionDenied, denied.Action)
	assert.Equal(t, int64(2), *denied.UserID)
	assert.Equal(t, "api/v1/super-admin/schools", denied.NewValues["route"])
	assert.Equal(t, []string{"super_admin"}, denied.NewValues["required_roles"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/super-admin/schools",
		bytes.NewBufferString(`{"name":"New","password":"hunter2"}`))
	req.Header.Set("Authorization", "Bearer "+tokenFor(1))
	var body []byte
	h = f.chain.SuperAdmin()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.JSONEq(t, `{"name":"New","password":"hunter2"}`, string(body))

	assert.Equal(t, []string{audit.ActionPermissionDenied, audit.ActionSuperAdminAccess, audit.ActionCreate}, f.audit.actions())
	access := f.audit.entries[1]
	params := access.NewValues["params"].(map[string]interface{})
	assert.Equal(t, "New", params["name"])
	assert.NotContains(t, params, "password")
}

func TestChainSuperAdminGroupTargetSchool(t *testing.T) {
	f := newChainFixture(t)
	var seen *tenancy.School
	h := f.chain.SuperAdmin()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = tenancy.FromContext(r.Context())
	}))

	rec := serve(h, http.MethodGet, "/api/v1/super-admin/users?school_id=999", tokenFor(1))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, MsgSchoolNotFound, decodeBody(t, rec)["message"])
	assert.Empty(t, f.audit.actions())

	rec = serve(h, http.MethodGet, "/api/v1/super-admin/users?school_id=abc", tokenFor(1))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// inactive schools stay reachable for the platform
	rec = serve(h, http.MethodGet, fmt.Sprintf("/api/v1/super-admin/users?school_id=%d", inactiveSchool), tokenFor(1))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, int64(inactiveSchool), seen.ID)

	// me and logout never look at school_id
	h = f.chain.Require(Guards{SkipTenant: true})(okHandler())
	rec = serve(h, http.MethodGet, "/api/v1/auth/me?school_id=999", tokenFor(1))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChainImpersonation(t *testing.T) {
	f := newChainFixture(t)
	var seen *auth.Principal
	h := f.chain.Authenticated()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.PrincipalFrom(r.Context())
	}))

	rec := serve(h, http.MethodPost, "/api/v1/classes", "imp-credential")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, int64(2), seen.ID)
	assert.Equal(t, []string{"POST api/v1/classes"}, f.impersonation.actions)

	require.Len(t, f.audit.entries, 1)
	assert.Contains(t, f.audit.entries[0].Description, "impersonated by super admin #1, session #77")
}

func TestChainGuardPanic(t *testing.T) {
	f := newChainFixture(t)
	f.chain.tenant = NewTenantGuard(nil, logrus.New())
	h := f.chain.Authenticated()(okHandler())

	rec := serve(h, http.MethodGet, "/api/v1/classes", tokenFor(3))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChainMaintenanceMode(t *testing.T) {
	f := newChainFixture(t)
	on := true
	f.chain.maintenance = func(context.Context) bool { return on }

	h := f.chain.Authenticated()(okHandler())
	rec := serve(h, http.MethodGet, "/api/v1/students", tokenFor(3))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, MsgMaintenance, decodeBody(t, rec)["message"])

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/v1/students", tokenFor(1)).Code,
		"super-admins pass")
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/v1/students", "").Code,
		"authentication still runs first")

	on = false
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/v1/students", tokenFor(3)).Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AuthzDecisionsTotal.WithLabelValues(StageMaintenance, "denied")))
}
