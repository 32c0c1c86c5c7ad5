package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/contextkeys"
	"github.com/platinummonkey/schoolguard/pkg/rbac"
	"github.com/platinummonkey/schoolguard/pkg/tenancy"
)

const (
	MsgNoSchool       = "Access denied. You are not assigned to any school."
	MsgSchoolInactive = "Your school account is inactive or suspended. Please contact administrator."
	MsgLicenseExpired = "Your school license has expired. Please contact administrator."
	MsgSchoolNotFound = "School not found."
)

// SchoolHeader lets a super-admin name the target school without a query
// parameter
const SchoolHeader = "X-School-Id"

// SchoolLoader loads schools by id
type SchoolLoader interface {
	Get(ctx context.Context, id int64) (*tenancy.School, error)
}

// TenantGuard is the school access stage
type TenantGuard struct {
	schools SchoolLoader
	logger  *logrus.Logger
	now     func() time.Time
}

// NewTenantGuard creates the school access stage
func NewTenantGuard(schools SchoolLoader, logger *logrus.Logger) *TenantGuard {
	return &TenantGuard{schools: schools, logger: logger, now: time.Now}
}

// RequestedSchoolID returns the school a request names through the
// school_id query parameter or the X-School-Id header. ok is false when
// neither is present.
func RequestedSchoolID(r *http.Request) (id int64, ok bool, err error) {
	raw := r.URL.Query().Get("school_id")
	if raw == "" {
		raw = r.Header.Get(SchoolHeader)
	}
	if raw == "" {
		return 0, false, nil
	}
	id, err = strconv.ParseInt(raw, 10, 64)
	return id, true, err
}

// CheckMember admits a non-super-admin to their own school while it is
// active and licensed
func (g *TenantGuard) CheckMember(r *http.Request, p *auth.Principal) (*http.Request, *rbac.Denial) {
	if p.SchoolID == nil {
		return r, forbidden(MsgNoSchool)
	}
	school, err := g.schools.Get(r.Context(), *p.SchoolID)
	if errors.Is(err, tenancy.ErrSchoolNotFound) {
		return r, forbidden(MsgSchoolInactive)
	}
	if err != nil {
		g.logger.WithError(err).WithField("school_id", *p.SchoolID).Error("tenant guard failed to load school")
		return r, internalDenial()
	}

	switch school.AccessState(g.now()) {
	case tenancy.AccessInactive:
		return r, forbidden(MsgSchoolInactive)
	case tenancy.AccessLicenseExpired:
		return r, forbidden(MsgLicenseExpired)
	}
	return r.WithContext(contextkeys.WithSchool(r.Context(), school)), nil
}

// CheckTarget validates the school a super-admin names, if any. Inactive
// and unlicensed schools stay reachable.
func (g *TenantGuard) CheckTarget(r *http.Request) (*http.Request, *rbac.Denial) {
	id, ok, err := RequestedSchoolID(r)
	if !ok {
		return r, nil
	}
	if err != nil {
		return r, &rbac.Denial{Status: http.StatusNotFound, Message: MsgSchoolNotFound}
	}
	school, err := g.schools.Get(r.Context(), id)
	if errors.Is(err, tenancy.ErrSchoolNotFound) {
		return r, &rbac.Denial{Status: http.StatusNotFound, Message: MsgSchoolNotFound}
	}
	if err != nil {
		g.logger.WithError(err).WithField("school_id", id).Error("tenant guard failed to load target school")
		return r, internalDenial()
	}
	return r.WithContext(contextkeys.WithSchool(r.Context(), school)), nil
}

func forbidden(msg string) *rbac.Denial {
	return &rbac.Denial{Status: http.StatusForbidden, Message: msg}
}

func internalDenial() *rbac.Denial {
	return &rbac.Denial{Status: http.StatusInternalServerError, Message: "Internal server error"}
}
