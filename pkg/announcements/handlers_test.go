package announcements

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/contextkeys"
	"github.com/platinummonkey/schoolguard/pkg/database"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
	"github.com/platinummonkey/schoolguard/pkg/scope"
)

var fixedNow = time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)

type registryGuard struct {
	registry *rbac.Registry
}

func (g registryGuard) Permissions(perms ...rbac.Permission) func(http.Handler) http.Handler {
	return g.registry.RequirePermission(perms...)
}

type fixture struct {
	store    *Store
	handlers *Handlers
	school   int64
	other    int64
	admin    *auth.Principal
	teacher  *auth.Principal
	parent   *auth.Principal
	foreign  *auth.Principal
	root     *auth.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := database.NewTestDB(t)
	f := &fixture{store: NewStore(db)}
	f.school = database.InsertSchool(t, db, database.SchoolFixture{Name: "Alpha", Active: true})
	f.other = database.InsertSchool(t, db, database.SchoolFixture{Name: "Beta", Active: true})
	f.admin = &auth.Principal{ID: database.InsertUser(t, db, &f.school, "admin@alpha.test", "school_admin", "x", true), Role: auth.RoleSchoolAdmin, SchoolID: &f.school}
	f.teacher = &auth.Principal{ID: database.InsertUser(t, db, &f.school, "t@alpha.test", "teacher", "x", true), Role: auth.RoleTeacher, SchoolID: &f.school}
	f.parent = &auth.Principal{ID: database.InsertUser(t, db, &f.school, "p@alpha.test", "parent", "x", true), Role: auth.RoleParent, SchoolID: &f.school}
	f.foreign = &auth.Principal{ID: database.InsertUser(t, db, &f.other, "admin@beta.test", "school_admin", "x", true), Role: auth.RoleSchoolAdmin, SchoolID: &f.other}
	f.root = &auth.Principal{ID: database.InsertUser(t, db, nil, "root@platform.test", "super_admin", "x", true), Role: auth.RoleSuperAdmin}

	logger, _ := test.NewNullLogger()
	f.handlers = NewHandlers(f.store, scope.NewResolver(nil), rbac.NewDefaultRegistry(), logger)
	f.handlers.now = func() time.Time { return fixedNow }
	return f
}

func (f *fixture) seed(t *testing.T, a *Announcement) *Announcement {
	t.Helper()
	if a.CreatedBy == 0 {
		a.CreatedBy = f.admin.ID
	}
	require.NoError(t, f.store.Create(context.Background(), a))
	return a
}

func (f *fixture) do(t *testing.T, p *auth.Principal, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(contextkeys.WithPrincipal(r.Context(), p)))
		})
	})
	f.handlers.RegisterRoutes(router, registryGuard{rbac.NewDefaultRegistry()})

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func ptime(t time.Time) *time.Time {
	return &t
}

func titles(t *testing.T, w *httptest.ResponseRecorder) []string {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Data struct {
			Announcements []Announcement `json:"announcements"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	out := make([]string, 0, len(body.Data.Announcements))
	for _, a := range body.Data.Announcements {
		out = append(out, a.Title)
	}
	return out
}

func TestListVisibility(t *testing.T) {
	f := newFixture(t)
	live := ptime(fixedNow.Add(-time.Hour))
	everyone := []auth.Role{auth.RoleTeacher, auth.RoleParent, auth.RoleSchoolAdmin}

	f.seed(t, &Announcement{SchoolID: &f.school, Title: "sports day", Body: "b", TargetRoles: everyone, Active: true, PublishedAt: live})
	f.seed(t, &Announcement{SchoolID: &f.school, Title: "staff meeting", Body: "b", TargetRoles: []auth.Role{auth.RoleTeacher}, Active: true, PublishedAt: live})
	f.seed(t, &Announcement{SchoolID: &f.school, Title: "draft", Body: "b", TargetRoles: everyone, Active: true})
	f.seed(t, &Announcement{SchoolID: &f.school, Title: "expired", Body: "b", TargetRoles: everyone, Active: true,
		PublishedAt: ptime(fixedNow.Add(-48 * time.Hour)), ExpiresAt: ptime(fixedNow.Add(-24 * time.Hour))})
	f.seed(t, &Announcement{SchoolID: &f.other, Title: "beta only", Body: "b", TargetRoles: everyone, Active: true, PublishedAt: live})
	f.seed(t, &Announcement{IsGlobal: true, Title: "maintenance", Body: "b", TargetRoles: everyone, Active: true, PublishedAt: live, CreatedBy: f.root.ID})

	assert.ElementsMatch(t, []string{"sports day", "staff meeting", "maintenance"}, titles(t, f.do(t, f.teacher, "GET", "/announcements", "")))
	assert.ElementsMatch(t, []string{"sports day", "maintenance"}, titles(t, f.do(t, f.parent, "GET", "/announcements", "")))
	assert.ElementsMatch(t, []string{"sports day", "staff meeting", "draft", "expired", "maintenance"},
		titles(t, f.do(t, f.admin, "GET", "/announcements", "")))
	assert.Len(t, titles(t, f.do(t, f.root, "GET", "/announcements", "")), 6)
	assert.ElementsMatch(t, []string{"beta only", "maintenance"},
		titles(t, f.do(t, f.root, "GET", fmt.Sprintf("/announcements?school_id=%d", f.other), "")))
	// a member's school filter is ignored
	assert.ElementsMatch(t, []string{"beta only", "maintenance"},
		titles(t, f.do(t, f.foreign, "GET", fmt.Sprintf("/announcements?school_id=%d", f.school), "")))
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	live := ptime(fixedNow.Add(-time.Hour))
	own := f.seed(t, &Announcement{SchoolID: &f.school, Title: "own", Body: "b", TargetRoles: []auth.Role{auth.RoleTeacher}, Active: true, PublishedAt: live})
	global := f.seed(t, &Announcement{IsGlobal: true, Title: "global", Body: "b", TargetRoles: []auth.Role{auth.RoleParent}, Active: true, PublishedAt: live})

	tests := []struct {
		name string
		who  *auth.Principal
		id   int64
		want int
	}{
		{"teacher own school", f.teacher, own.ID, http.StatusOK},
		{"parent not in audience", f.parent, own.ID, http.StatusNotFound},
		{"other school", f.foreign, own.ID, http.StatusNotFound},
		{"global reaches parent", f.parent, global.ID, http.StatusOK},
		{"global not for teacher", f.teacher, global.ID, http.StatusNotFound},
		{"admin of another school sees global", f.foreign, global.ID, http.StatusOK},
		{"missing", f.admin, 987654, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.who, "GET", fmt.Sprintf("/announcements/%d", tt.id), "")
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	t.Run("school admin cannot create global", func(t *testing.T) {
		w := f.do(t, f.admin, "POST", "/announcements",
			`{"title":"t","body":"b","target_roles":["teacher"],"is_global":true}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var body struct {
			Message string       `json:"message"`
			Data    Announcement `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "Announcement created successfully", body.Message)
		assert.False(t, body.Data.IsGlobal)
		require.NotNil(t, body.Data.SchoolID)
		assert.Equal(t, f.school, *body.Data.SchoolID)
	})

	t.Run("super admin global", func(t *testing.T) {
		w := f.do(t, f.root, "POST", "/announcements",
			`{"title":"t","body":"b","target_roles":["parent"],"is_global":true}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"school_id":null`)
	})

	t.Run("super admin school announcement needs a school", func(t *testing.T) {
		w := f.do(t, f.root, "POST", "/announcements", `{"title":"t","body":"b","target_roles":["parent"]}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("validation", func(t *testing.T) {
		for _, body := range []string{
			`{"body":"b","target_roles":["teacher"]}`,
			`{"title":"t","body":"b","target_roles":[]}`,
			`{"title":"t","body":"b","target_roles":["janitor"]}`,
			`{"title":"t","body":"b","target_roles":["teacher"],"published_at":"2026-04-20T00:00:00Z","expires_at":"2026-04-19T00:00:00Z"}`,
		} {
			w := f.do(t, f.admin, "POST", "/announcements", body)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code, body)
		}
	})

	t.Run("teacher forbidden", func(t *testing.T) {
		w := f.do(t, f.teacher, "POST", "/announcements", `{"title":"t","body":"b","target_roles":["teacher"]}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestEditAndPublish(t *testing.T) {
	f := newFixture(t)
	draft := f.seed(t, &Announcement{SchoolID: &f.school, Title: "draft", Body: "b", TargetRoles: []auth.Role{auth.RoleTeacher}, Active: true})
	global := f.seed(t, &Announcement{IsGlobal: true, Title: "global", Body: "b", TargetRoles: []auth.Role{auth.RoleTeacher}, Active: true, CreatedBy: f.root.ID})

	assert.Empty(t, titles(t, f.do(t, f.teacher, "GET", "/announcements", "")))

	w := f.do(t, f.admin, "POST", fmt.Sprintf("/announcements/%d/publish", draft.ID), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"draft"}, titles(t, f.do(t, f.teacher, "GET", "/announcements", "")))

	w = f.do(t, f.admin, "PUT", fmt.Sprintf("/announcements/%d", draft.ID), `{"title":"sports day"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "Announcement updated successfully")

	// schools cannot touch global or foreign announcements
	assert.Equal(t, http.StatusNotFound, f.do(t, f.admin, "PUT", fmt.Sprintf("/announcements/%d", global.ID), `{"title":"x"}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, f.foreign, "DELETE", fmt.Sprintf("/announcements/%d", draft.ID), "").Code)

	w = f.do(t, f.root, "POST", fmt.Sprintf("/announcements/%d/publish", global.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.ElementsMatch(t, []string{"sports day", "global"}, titles(t, f.do(t, f.teacher, "GET", "/announcements", "")))

	w = f.do(t, f.admin, "DELETE", fmt.Sprintf("/announcements/%d", draft.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	_, err := f.store.Get(context.Background(), draft.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
