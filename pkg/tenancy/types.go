package tenancy

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/schoolguard/pkg/contextkeys"
)

// ErrSchoolNotFound is returned when no school has the given id
var ErrSchoolNotFound = errors.New("school not found")

// ErrSubdomainTaken is returned when another school already uses the subdomain
var ErrSubdomainTaken = errors.New("subdomain already taken")

// Plan is a subscription plan
type Plan string

const (
	PlanBasic      Plan = "basic"
	PlanStandard   Plan = "standard"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// Valid reports whether p is a known plan
func (p Plan) Valid() bool {
	switch p {
	case PlanBasic, PlanStandard, PlanPremium, PlanEnterprise:
		return true
	}
	return false
}

// School is a tenant
type School struct {
	ID                int64                  `json:"id"`
	Name              string                 `json:"name"`
	Subdomain         string                 `json:"subdomain,omitempty"`
	Domain            string                 `json:"domain,omitempty"`
	SubscriptionPlan  Plan                   `json:"subscription_plan"`
	LicenseValidUntil *time.Time             `json:"license_valid_until"`
	Active            bool                   `json:"active"`
	Meta              map[string]interface{} `json:"meta,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// AccessState is why members of a school may or may not use it
type AccessState int

const (
	AccessAllowed AccessState = iota
	AccessInactive
	AccessLicenseExpired
)

// LicenseExpired reports whether the license end is set and in the past
func (s *School) LicenseExpired(now time.Time) bool {
	return s.LicenseValidUntil != nil && s.LicenseValidUntil.Before(now)
}

// AccessState evaluates the school at now. Inactive wins over expired.
func (s *School) AccessState(now time.Time) AccessState {
	if !s.Active {
		return AccessInactive
	}
	if s.LicenseExpired(now) {
		return AccessLicenseExpired
	}
	return AccessAllowed
}

// ListFilter narrows a school listing
type ListFilter struct {
	ID     *int64
	Active *bool
	Search string
	Limit  int
	Offset int
}

// FromContext returns the school the tenant guard admitted the request to,
// or nil
func FromContext(ctx context.Context) *School {
	s, _ := ctx.Value(contextkeys.SchoolKey).(*School)
	return s
}
