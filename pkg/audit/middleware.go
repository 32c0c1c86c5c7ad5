package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/schoolguard/pkg/auth"
)

// maxCapturedBody bounds the request body copied into new_values
const maxCapturedBody = 64 << 10

// SkipPaths are never logged by the activity middleware
var SkipPaths = []string{
	"api/v1/auth/me",
	"api/v1/auth/logout",
	"api/v1/dashboard/stats",
	"api/v1/locale",
	"sanctum/csrf-cookie",
}

// entityTypes are the path segments recognised as entity names
var entityTypes = map[string]struct{}{
	"students": {}, "teachers": {}, "users": {}, "classes": {}, "subjects": {},
	"attendance": {}, "grades": {}, "fees": {}, "payments": {}, "timetable": {},
	"duties": {}, "report-cards": {}, "announcements": {}, "archive": {},
	"schools": {}, "settings": {}, "reports": {},
}

// ActionForMethod maps an HTTP method to an activity action
func ActionForMethod(method string) string {
	switch method {
	case http.MethodGet:
		return ActionView
	case http.MethodPost:
		return ActionCreate
	case http.MethodPut, http.MethodPatch:
		return ActionUpdate
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionAccess
	}
}

// EntityTypeForPath returns the first known entity segment of path with
// trailing s characters trimmed, or "" when none matches
func EntityTypeForPath(path string) string {
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if _, ok := entityTypes[seg]; ok {
			return strings.TrimRight(seg, "s")
		}
	}
	return ""
}

// ShouldSkip reports whether path is on the skip list
func ShouldSkip(path string) bool {
	for _, skip := range SkipPaths {
		if strings.Contains(path, skip) {
			return true
		}
	}
	return false
}

// Middleware records one activity entry per authenticated request after the
// handler has run. It belongs innermost in the guard chain so only requests
// that reached their handler are logged.
type Middleware struct {
	recorder *Recorder
}

// NewMiddleware creates the activity middleware
func NewMiddleware(recorder *Recorder) *Middleware {
	return &Middleware{recorder: recorder}
}

// Handler wraps next with activity logging
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := RequestPath(r)
		if ShouldSkip(path) {
			next.ServeHTTP(w, r)
			return
		}

		var body []byte
		if r.Method != http.MethodGet && r.Body != nil {
			body = captureBody(r)
		}

		next.ServeHTTP(w, r)

		if auth.PrincipalFrom(r.Context()) == nil {
			return
		}

		entry := NewEntry(r, ActionForMethod(r.Method))
		entry.EntityType = EntityTypeForPath(path)
		entry.EntityID = mux.Vars(r)["id"]
		if r.Method != http.MethodGet {
			entry.NewValues = requestValues(r, body)
		}
		if imp := auth.ImpersonationFrom(r.Context()); imp != nil {
			entry.Description += fmt.Sprintf(" [impersonated by super admin #%d, session #%d]",
				imp.ImpersonatorID, imp.SessionID)
		}
		m.recorder.Record(r.Context(), entry)
	})
}

// RequestParams returns the redacted query and JSON body of r. The body
// stays readable for the handler.
func RequestParams(r *http.Request) map[string]interface{} {
	var body []byte
	if r.Method != http.MethodGet && r.Body != nil {
		body = captureBody(r)
	}
	return requestValues(r, body)
}

// captureBody reads up to maxCapturedBody bytes and restores the body so
// the handler sees it unchanged
func captureBody(r *http.Request) []byte {
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxCapturedBody+1))
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), rest), rest}
	if err != nil || len(buf) > maxCapturedBody {
		return nil
	}
	return buf
}

// requestValues merges query parameters with a JSON object body, then
// strips credentials
func requestValues(r *http.Request, body []byte) map[string]interface{} {
	values := make(map[string]interface{})
	for k, v := range r.URL.Query() {
		if len(v) == 1 {
			values[k] = v[0]
		} else {
			values[k] = v
		}
	}
	if len(body) > 0 {
		var parsed map[string]interface{}
		if err := json.Unmarshal(body, &parsed); err == nil {
			for k, v := range parsed {
				values[k] = v
			}
		}
	}
	return Redact(values)
}
