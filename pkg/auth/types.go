package auth

import (
	"fmt"
	"time"
)

// Role is one of the fixed platform roles. Every principal has exactly one.
type Role string

const (
	RoleSuperAdmin   Role = "super_admin"   // Platform owner, not bound to a school
	RoleSchoolAdmin  Role = "school_admin"  // Principal / school administrator
	RoleTeacher      Role = "teacher"       // Subject teacher
	RoleClassTeacher Role = "class_teacher" // Teacher with homeroom ownership of a class
	RoleBursar       Role = "bursar"        // Fees and payments
	RoleLibrarian    Role = "librarian"     // Library
	RoleICTOfficer   Role = "ict_officer"   // User support
	RoleStudent      Role = "student"
	RoleParent       Role = "parent"
)

var allRoles = []Role{
	RoleSuperAdmin,
	RoleSchoolAdmin,
	RoleTeacher,
	RoleClassTeacher,
	RoleBursar,
	RoleLibrarian,
	RoleICTOfficer,
	RoleStudent,
	RoleParent,
}

// AllRoles returns every role in declaration order
func AllRoles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// ParseRole converts a stored role name, rejecting anything outside the enum
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the declared roles
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleSchoolAdmin, RoleTeacher, RoleClassTeacher,
		RoleBursar, RoleLibrarian, RoleICTOfficer, RoleStudent, RoleParent:
		return true
	}
	return false
}

func (r Role) String() string {
	return string(r)
}

// IsTeaching reports whether the role teaches classes
func (r Role) IsTeaching() bool {
	return r == RoleTeacher || r == RoleClassTeacher
}

// Principal is an authenticated actor
type Principal struct {
	ID           int64                  `json:"id"`
	SchoolID     *int64                 `json:"school_id"`
	Name         string                 `json:"name"`
	Email        string                 `json:"email"`
	Phone        string                 `json:"phone,omitempty"`
	PasswordHash string                 `json:"-"`
	Role         Role                   `json:"role"`
	Active       bool                   `json:"active"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
	LastLogin    *time.Time             `json:"last_login,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// HasRole reports an exact match against the principal's role
func (p *Principal) HasRole(role Role) bool {
	return p != nil && p.Role == role
}

// HasAnyRole reports membership of the principal's role in roles
func (p *Principal) HasAnyRole(roles ...Role) bool {
	if p == nil {
		return false
	}
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

// IsSuperAdmin reports whether the principal is a platform super-admin
func (p *Principal) IsSuperAdmin() bool {
	return p.HasRole(RoleSuperAdmin)
}

// BelongsTo reports whether the principal is a member of the school
func (p *Principal) BelongsTo(schoolID int64) bool {
	return p != nil && p.SchoolID != nil && *p.SchoolID == schoolID
}

// Capability is a per-link flag on a parent-student link
type Capability string

const (
	CapabilityGrades     Capability = "grades"
	CapabilityAttendance Capability = "attendance"
	CapabilityFees       Capability = "fees"
)

// ParseCapability maps a resource name to its capability flag
func ParseCapability(s string) (Capability, bool) {
	switch Capability(s) {
	case CapabilityGrades, CapabilityAttendance, CapabilityFees:
		return Capability(s), true
	}
	return "", false
}

// LinkCapabilities are the flags of one active parent-student link
type LinkCapabilities struct {
	Grades     bool
	Attendance bool
	Fees       bool
}

// Allows reports whether the flag for c is set
func (l LinkCapabilities) Allows(c Capability) bool {
	switch c {
	case CapabilityGrades:
		return l.Grades
	case CapabilityAttendance:
		return l.Attendance
	case CapabilityFees:
		return l.Fees
	}
	return false
}

// APIToken represents an opaque bearer credential
type APIToken struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	TokenHash   string     `json:"-"` // Never expose hash
	TokenPrefix string     `json:"token_prefix"`
	Name        string     `json:"name"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Expired reports whether the token is past its expiry at now
func (t *APIToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}
