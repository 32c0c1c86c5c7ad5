package announcements

import (
	"errors"
	"time"

	"github.com/platinummonkey/schoolguard/pkg/auth"
)

// ErrNotFound is returned when no announcement has the requested id
var ErrNotFound = errors.New("announcement not found")

// Announcement is a notice for a school, or for every school when global
type Announcement struct {
	ID          int64       `json:"id"`
	SchoolID    *int64      `json:"school_id"`
	Title       string      `json:"title"`
	Body        string      `json:"body"`
	TargetRoles []auth.Role `json:"target_roles"`
	IsGlobal    bool        `json:"is_global"`
	Active      bool        `json:"active"`
	PublishedAt *time.Time  `json:"published_at,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	CreatedBy   int64       `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	AuthorName  string      `json:"author_name,omitempty"`
}

// Published reports whether the announcement is live at now
func (a *Announcement) Published(now time.Time) bool {
	if !a.Active || a.PublishedAt == nil || a.PublishedAt.After(now) {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// Targets reports whether role is in the audience
func (a *Announcement) Targets(role auth.Role) bool {
	for _, r := range a.TargetRoles {
		if r == role {
			return true
		}
	}
	return false
}

// ListFilter narrows a listing within a scope. A nil Audience lists every
// audience, drafts included.
type ListFilter struct {
	Audience *auth.Role
	Now      time.Time
	Limit    int
	Offset   int
}
