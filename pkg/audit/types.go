package audit

import (
	"time"
)

// Request-derived actions
const (
	ActionView   = "view"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionAccess = "access"
)

// Authentication and security actions
const (
	ActionLogin                = "login"
	ActionLogout               = "logout"
	ActionLoginFailed          = "login_failed"
	ActionPasswordReset        = "password_reset"
	ActionPasswordChanged      = "password_changed"
	ActionMFAEnabled           = "mfa_enabled"
	ActionMFADisabled          = "mfa_disabled"
	ActionUserSuspended        = "user_suspended"
	ActionUserActivated        = "user_activated"
	ActionPermissionDenied     = "permission_denied"
	ActionBackupDownloaded     = "backup_downloaded"
	ActionImpersonationStarted = "user_impersonation_started"
	ActionImpersonationEnded   = "user_impersonation_ended"
	ActionForceLogout          = "force_logout"
)

// Platform actions
const (
	ActionSuperAdminAccess   = "super_admin_access"
	ActionLogsExported       = "logs_exported"
	ActionLogsCleaned        = "logs_cleaned"
	ActionSchoolSuspended    = "school_suspended"
	ActionSchoolActivated    = "school_activated"
	ActionLicenseUpdated     = "license_updated"
	ActionSettingsUpdated    = "platform_settings_updated"
	ActionClassTeacherChange = "class_teacher_changed"
)

// SystemActions is the fixed action set shown in the system log, which also
// includes every entry that has no school
var SystemActions = []string{
	"error", "exception", "backup_created", "backup_failed", "backup_restored",
	"maintenance_enabled", "maintenance_disabled", "cache_cleared",
	"migration_run", "system_updated", ActionSettingsUpdated, "feature_toggled",
}

// SecurityActions is the fixed action set shown in the security log
var SecurityActions = []string{
	ActionLogin, ActionLogout, ActionLoginFailed, ActionPasswordReset,
	ActionPasswordChanged, ActionMFAEnabled, ActionMFADisabled,
	ActionUserSuspended, ActionUserActivated, ActionPermissionDenied,
	ActionBackupDownloaded, ActionImpersonationStarted,
	ActionImpersonationEnded, ActionForceLogout,
}

// Severity narrows the security log
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

var severityActions = map[Severity][]string{
	SeverityHigh: {
		ActionLoginFailed, ActionPermissionDenied, ActionUserSuspended,
		ActionBackupDownloaded, ActionImpersonationStarted,
	},
	SeverityMedium: {
		ActionPasswordReset, ActionPasswordChanged, ActionMFADisabled, ActionForceLogout,
	},
}

// ActionsForSeverity returns the actions of a severity level, or nil when
// the level is unknown
func ActionsForSeverity(s Severity) []string {
	actions, ok := severityActions[s]
	if !ok {
		return nil
	}
	out := make([]string, len(actions))
	copy(out, actions)
	return out
}

// Entry is one activity log row
type Entry struct {
	ID          int64                  `json:"id"`
	SchoolID    *int64                 `json:"school_id"`
	UserID      *int64                 `json:"user_id"`
	Action      string                 `json:"action"`
	EntityType  string                 `json:"entity_type,omitempty"`
	EntityID    string                 `json:"entity_id,omitempty"`
	OldValues   map[string]interface{} `json:"old_values,omitempty"`
	NewValues   map[string]interface{} `json:"new_values,omitempty"`
	IPAddress   string                 `json:"ip_address,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	Description string                 `json:"description,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`

	// Filled on read from users and schools
	UserName   string `json:"user_name,omitempty"`
	UserEmail  string `json:"user_email,omitempty"`
	SchoolName string `json:"school_name,omitempty"`
}

// Filter narrows a log query. Since is inclusive, Until exclusive.
type Filter struct {
	SchoolID   *int64
	UserID     *int64
	Action     string
	Actions    []string
	EntityType string
	Since      *time.Time
	Until      *time.Time
	Search     string
	Limit      int
	Offset     int

	// OrSystemWide widens Actions to also match entries without a school
	OrSystemWide bool
}

// Page is one page of entries plus the total match count
type Page struct {
	Entries []*Entry `json:"entries"`
	Total   int64    `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200

	// ExportLimit caps the rows of a single export
	ExportLimit = 10000
)

// ActionCount is one row of a grouped count
type ActionCount struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

// SchoolCount is one row of a per-school count
type SchoolCount struct {
	SchoolID   int64  `json:"school_id"`
	SchoolName string `json:"school_name"`
	Count      int64  `json:"count"`
}

// DayCount is the number of entries on a UTC day (YYYY-MM-DD)
type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// Stats summarises activity since a point in time
type Stats struct {
	Since        time.Time     `json:"since"`
	TotalLogs    int64         `json:"total_logs"`
	ByAction     []ActionCount `json:"by_action"`
	BySchool     []SchoolCount `json:"by_school"`
	FailedLogins int64         `json:"failed_logins"`
	Daily        []DayCount    `json:"daily_activity"`
}

// ExportFormat is csv or json
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
)
