// Package auth provides the principal model, role predicates and bearer
// token management for schoolguard.
//
// # Roles
//
// Roles form a closed set; every principal holds exactly one:
//
//	RoleSuperAdmin   - platform owner, no school
//	RoleSchoolAdmin  - school administrator
//	RoleTeacher      - subject teacher
//	RoleClassTeacher - teacher with homeroom ownership of one class
//	RoleBursar, RoleLibrarian, RoleICTOfficer
//	RoleStudent, RoleParent
//
// Stored role strings are parsed with ParseRole; a row carrying an unknown
// role fails to load rather than producing a principal with no role.
//
// # Predicates
//
//	p.HasRole(auth.RoleTeacher)
//	p.HasAnyRole(auth.RoleSchoolAdmin, auth.RoleBursar)
//	p.IsSuperAdmin()
//
// Relationship predicates go through an AccessChecker backed by the
// assignments store:
//
//	checker := auth.NewAccessChecker(assignmentStore)
//	checker.CanAccessClass(ctx, p, classID)
//	checker.CanAccessStudent(ctx, p, studentID)
//	checker.CanViewStudentResource(ctx, p, studentID, auth.CapabilityGrades)
//
// They never return errors: no assignment, no link and a failed lookup all
// answer false.
//
// # Tokens
//
// Opaque bearer tokens have the form sg_<base64url(32 random bytes)>. Only
// the SHA-256 hash is stored. Revocations are written to the database and
// published to Redis so other instances drop their cached copy:
//
//	tm := auth.NewTokenManager(db, auth.NewRedisRevocationList(rdb, ""), 30*time.Second)
//	apiToken, plaintext, err := tm.CreateToken(ctx, user.ID, "login", 24*time.Hour)
//	apiToken, err = tm.ValidateToken(ctx, plaintext)
//	err = tm.RevokeToken(ctx, apiToken)
//
// Passwords are hashed with bcrypt (HashPassword, VerifyPassword).
//
// # Related Packages
//
//   - pkg/middleware: AuthGuard resolves the bearer into a *Principal
//   - pkg/session: login, logout and me endpoints
//   - pkg/rbac: role to permission mapping
package auth
