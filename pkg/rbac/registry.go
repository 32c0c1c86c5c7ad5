package rbac

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/schoolguard/pkg/auth"
)

// Snapshot is an immutable role to permission table. It is never modified
// after NewSnapshot returns.
type Snapshot struct {
	grants   map[auth.Role]map[Permission]struct{}
	loadedAt time.Time
}

// NewSnapshot builds a snapshot from seed. Permissions outside the catalogue
// are dropped so lookups for them stay false.
func NewSnapshot(seed Seed) *Snapshot {
	grants := make(map[auth.Role]map[Permission]struct{}, len(seed))
	for role, perms := range seed {
		set := make(map[Permission]struct{}, len(perms))
		for _, p := range perms {
			if Known(p) {
				set[p] = struct{}{}
			}
		}
		grants[role] = set
	}
	return &Snapshot{grants: grants, loadedAt: time.Now()}
}

// RoleHasPermission reports whether role holds perm. Unknown roles and
// permissions answer false.
func (s *Snapshot) RoleHasPermission(role auth.Role, perm Permission) bool {
	set, ok := s.grants[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// Permissions returns the sorted permission list for role
func (s *Snapshot) Permissions(role auth.Role) []Permission {
	set := s.grants[role]
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LoadedAt is when the snapshot was built
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Registry hands out the current snapshot. Readers never lock; a reload
// replaces the whole snapshot in one store.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry serving seed
func NewRegistry(seed Seed) *Registry {
	r := &Registry{}
	r.current.Store(NewSnapshot(seed))
	return r
}

// NewDefaultRegistry creates a registry from DefaultSeed
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultSeed())
}

// Snapshot returns the snapshot in effect
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Replace swaps in a new snapshot built from seed
func (r *Registry) Replace(seed Seed) {
	r.current.Store(NewSnapshot(seed))
}

// RoleHasPermission checks against the current snapshot
func (r *Registry) RoleHasPermission(role auth.Role, perm Permission) bool {
	return r.Snapshot().RoleHasPermission(role, perm)
}

// HasAnyPermission reports whether role holds at least one of perms
func (r *Registry) HasAnyPermission(role auth.Role, perms ...Permission) bool {
	snap := r.Snapshot()
	for _, p := range perms {
		if snap.RoleHasPermission(role, p) {
			return true
		}
	}
	return false
}

// Permissions lists role's permissions in the current snapshot
func (r *Registry) Permissions(role auth.Role) []Permission {
	return r.Snapshot().Permissions(role)
}
