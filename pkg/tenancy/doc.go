// Package tenancy manages schools, the tenants of the platform.
//
// # Overview
//
// A school has a subscription plan, an optional license end and an active
// flag. Its members may only use it while it is active and licensed:
//
//	switch school.AccessState(time.Now()) {
//	case tenancy.AccessInactive:        // suspended by a super-admin
//	case tenancy.AccessLicenseExpired:  // license_valid_until is in the past
//	}
//
// An inactive school reports AccessInactive even if its license has also
// lapsed.
//
// # Lifecycle
//
// Suspend clears the active flag and stores suspended_at and
// suspended_reason in the school meta. Activate reverses it and stamps
// activated_at. Both run inside a transaction holding the school row.
//
// # Handlers
//
// The super-admin routes list, create and inspect schools, suspend and
// activate them, and update the license. State changes are written to the
// activity log as school_suspended, school_activated and license_updated.
//
// # Related Packages
//
//   - pkg/middleware: the tenant guard rejects members of blocked schools
//   - pkg/audit: activity entries for lifecycle changes
package tenancy
