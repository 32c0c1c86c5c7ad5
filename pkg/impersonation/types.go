package impersonation

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when no session matches, or the caller
	// does not own it
	ErrSessionNotFound = errors.New("impersonation session not found")
	// ErrSessionEnded is returned for credentials of an ended session
	ErrSessionEnded = errors.New("impersonation session ended")
	// ErrCredentialExpired is returned for credentials past their exp
	ErrCredentialExpired = errors.New("impersonation credential expired")
	// ErrTargetNotFound is returned when the user to impersonate does not exist
	ErrTargetNotFound = errors.New("user not found")
	// ErrSelf is returned when a super-admin targets themselves
	ErrSelf = errors.New("cannot impersonate yourself")
	// ErrSuperAdminTarget is returned when the target is a super-admin
	ErrSuperAdminTarget = errors.New("cannot impersonate a super admin")
	// ErrNotSuperAdmin is returned when the caller may not impersonate
	ErrNotSuperAdmin = errors.New("only super admins may impersonate")
	// ErrReasonRequired is returned for an empty or overlong reason
	ErrReasonRequired = errors.New("reason is required")
)

// MaxReasonLength bounds the free-text reason
const MaxReasonLength = 500

// Action is one request made under an impersonation credential
type Action struct {
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details"`
	Timestamp time.Time              `json:"timestamp"`
}

// Session is one impersonation, from start to end
type Session struct {
	ID                 int64      `json:"id"`
	SuperAdminID       int64      `json:"super_admin_id"`
	ImpersonatedUserID int64      `json:"impersonated_user_id"`
	SchoolID           *int64     `json:"school_id"`
	Reason             string     `json:"reason"`
	IPAddress          string     `json:"ip_address,omitempty"`
	UserAgent          string     `json:"user_agent,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at"`
	TokenExpiresAt     time.Time  `json:"token_expires_at"`
	Actions            []Action   `json:"actions_performed"`

	// Filled on read
	SuperAdminName   string `json:"super_admin_name,omitempty"`
	ImpersonatedName string `json:"impersonated_name,omitempty"`
	ImpersonatedRole string `json:"impersonated_role,omitempty"`
	SchoolName       string `json:"school_name,omitempty"`
}

// Active reports whether the session has not ended
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// Duration is how long the session ran, or has run so far at now
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(s.StartedAt)
}

// ListFilter narrows a session listing
type ListFilter struct {
	SuperAdminID *int64
	ActiveOnly   bool
	Limit        int
	Offset       int
}
