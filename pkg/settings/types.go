package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Type is the declared type of a setting's value
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeBool   Type = "bool"
	TypeJSON   Type = "json"
)

// Keys read by the service itself
const (
	KeyAuditRetentionDays      = "audit.retention_days"
	KeyImpersonationTTLMinutes = "impersonation.token_ttl_minutes"
	KeyLoginMaxAttempts        = "auth.login_max_attempts"
	KeyMaintenanceMode         = "platform.maintenance_mode"
)

var (
	// ErrNotFound is returned for an unknown key
	ErrNotFound = errors.New("setting not found")
	// ErrVersionConflict is returned when a write names a stale version
	ErrVersionConflict = errors.New("setting was modified concurrently")
	// ErrInvalidValue is returned when a value does not parse as its type
	ErrInvalidValue = errors.New("invalid setting value")
)

// Setting is one platform-wide configuration value
type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Type        Type      `json:"type"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	Version     int64     `json:"version"`
	UpdatedBy   *int64    `json:"updated_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks that Value parses as Type
func (s *Setting) Validate() error {
	switch s.Type {
	case TypeString:
		return nil
	case TypeInt:
		if _, err := strconv.ParseInt(s.Value, 10, 64); err != nil {
			return fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, s.Value)
		}
	case TypeBool:
		if _, err := strconv.ParseBool(s.Value); err != nil {
			return fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, s.Value)
		}
	case TypeJSON:
		if !json.Valid([]byte(s.Value)) {
			return fmt.Errorf("%w: value is not valid JSON", ErrInvalidValue)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidValue, s.Type)
	}
	return nil
}

// Typed returns the value decoded according to Type
func (s *Setting) Typed() (interface{}, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Type {
	case TypeInt:
		return strconv.ParseInt(s.Value, 10, 64)
	case TypeBool:
		return strconv.ParseBool(s.Value)
	case TypeJSON:
		var v interface{}
		err := json.Unmarshal([]byte(s.Value), &v)
		return v, err
	}
	return s.Value, nil
}

// Defaults are the settings present on a fresh install
func Defaults() []*Setting {
	return []*Setting{
		{Key: KeyAuditRetentionDays, Value: "90", Type: TypeInt, Category: "audit",
			Description: "Activity log entries older than this many days are removed by the retention job"},
		{Key: KeyImpersonationTTLMinutes, Value: "60", Type: TypeInt, Category: "security",
			Description: "Lifetime of an impersonation credential"},
		{Key: KeyLoginMaxAttempts, Value: "5", Type: TypeInt, Category: "security",
			Description: "Failed logins allowed per email and address per minute"},
		{Key: KeyMaintenanceMode, Value: "false", Type: TypeBool, Category: "platform",
			Description: "Shown to clients as a maintenance banner"},
	}
}
