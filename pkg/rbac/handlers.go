package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
)

// Handlers exposes the registry read-only
type Handlers struct {
	registry *Registry
}

// NewHandlers creates new RBAC handlers
func NewHandlers(registry *Registry) *Handlers {
	return &Handlers{registry: registry}
}

// RegisterRoutes registers routes on an already-guarded subrouter
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/roles", h.ListRoles).Methods(http.MethodGet)
	router.HandleFunc("/roles/{role}/permissions", h.GetRolePermissions).Methods(http.MethodGet)
	router.HandleFunc("/permissions", h.ListPermissions).Methods(http.MethodGet)
	router.HandleFunc("/permissions/check", h.CheckPermission).Methods(http.MethodPost)
}

type roleView struct {
	Role        string       `json:"role"`
	Permissions []Permission `json:"permissions"`
	Count       int          `json:"permissions_count"`
}

// ListRoles returns every role with its permissions
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()
	roles := auth.AllRoles()
	out := make([]roleView, 0, len(roles))
	for _, role := range roles {
		perms := snap.Permissions(role)
		out = append(out, roleView{Role: role.String(), Permissions: perms, Count: len(perms)})
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"roles":     out,
		"loaded_at": snap.LoadedAt(),
	})
}

// GetRolePermissions returns one role's permissions
func (h *Handlers) GetRolePermissions(w http.ResponseWriter, r *http.Request) {
	role, err := auth.ParseRole(mux.Vars(r)["role"])
	if err != nil {
		httputil.WriteNotFound(w, "Role not found")
		return
	}
	perms := h.registry.Permissions(role)
	httputil.WriteSuccess(w, roleView{Role: role.String(), Permissions: perms, Count: len(perms)})
}

// ListPermissions returns the catalogue grouped by module
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	grouped := make(map[string][]Permission)
	for _, p := range AllPermissions() {
		grouped[p.Module()] = append(grouped[p.Module()], p)
	}
	httputil.WriteSuccess(w, grouped)
}

// CheckPermission answers whether a role holds a permission
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role       string `json:"role" validate:"required"`
		Permission string `json:"permission" validate:"required"`
	}
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		httputil.WriteValidationErrors(w, map[string]string{"role": err.Error()})
		return
	}
	perm := Permission(req.Permission)
	httputil.WriteSuccess(w, map[string]interface{}{
		"role":       role.String(),
		"permission": perm.String(),
		"known":      Known(perm),
		"allowed":    h.registry.RoleHasPermission(role, perm),
	})
}
