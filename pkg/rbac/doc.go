// Package rbac provides the permission catalogue and role to permission
// registry for schoolguard.
//
// # Overview
//
// Permissions are closed strings of the form module.action, one constant per
// string (StudentsView, AttendanceMarkOwnClass, ...). Many modules carry an
// unscoped "_all" variant next to a scoped "_own"/"_own_class" variant; the
// registry only records which strings a role holds. Narrowing the rows a
// scoped permission reaches is the job of pkg/scope.
//
// # Registry
//
// A Registry serves an immutable Snapshot built from a Seed. DefaultSeed
// grants super_admin the whole catalogue; nothing else in the package treats
// super_admin specially.
//
//	reg := rbac.NewDefaultRegistry()
//	reg.RoleHasPermission(auth.RoleTeacher, rbac.AttendanceMarkOwnClass) // true
//	reg.RoleHasPermission(auth.RoleTeacher, "made.up")                   // false
//
// # Seed Overrides
//
// A YAML file can replace the permission set of individual roles:
//
//	roles:
//	  librarian: [library.view, library.manage]
//	  ict_officer: ["*"]
//
// A Watcher loads the file at startup and reloads it on change. Each reload
// builds a fresh snapshot and swaps it in; a file that fails to parse is
// logged and ignored.
//
// # Guards
//
//	router.Handle("/fees", rbac.RequireRole(auth.RoleBursar)(h))
//	router.Handle("/attendance", reg.RequirePermission(rbac.AttendanceMark, rbac.AttendanceMarkOwnClass)(h))
//
// A permission guard passes when the role holds any listed permission.
// Denials are 403 envelopes carrying required_roles or required_permissions
// and your_role. Routes normally use these through middleware.Chain, which
// adds the super_admin bypass and denial auditing.
//
// # Related Packages
//
//   - pkg/middleware: ordered guard chain
//   - pkg/scope: row-level narrowing
package rbac
