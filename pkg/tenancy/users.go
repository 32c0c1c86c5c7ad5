package tenancy

import (
	"context"
	"net/http"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
)

// UserDirectory lists users across schools. Satisfied by *auth.UserStore.
type UserDirectory interface {
	List(ctx context.Context, f auth.UserFilter) ([]*auth.Principal, error)
}

// WithUsers enables GET /users on the platform router
func (h *Handlers) WithUsers(users UserDirectory) *Handlers {
	h.users = users
	return h
}

// listUsers handles GET /users with optional school_id, role and search
func (h *Handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	schoolID, err := httputil.ParseQueryInt64Ptr(r, "school_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	f := auth.UserFilter{SchoolID: schoolID, Search: r.URL.Query().Get("search")}
	if v := r.URL.Query().Get("role"); v != "" {
		role, err := auth.ParseRole(v)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		f.Role = &role
	}
	perPage, err := httputil.ParseQueryInt(r, "per_page", 50)
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

	users, err := h.users.List(r.Context(), f)
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	if users == nil {
		users = []*auth.Principal{}
	}
	httputil.WriteSuccess(w, httputil.Envelope{"users": users, "page": page, "per_page": perPage})
}
