// Package assignments records who teaches which class and which parent may
// see which student, and answers the relationship questions asked during
// authorization.
//
// Store implements both auth.Relationships, used by the access checker, and
// scope.Relations, used to build row predicates:
//
//	store := assignments.NewStore(db)
//	checker := auth.NewAccessChecker(store)
//	resolver := scope.NewResolver(store)
//
// # Class teachers
//
// A class has at most one active class teacher. Assigning a teacher with
// is_class_teacher demotes the previous holder in the same transaction while
// the class row is locked, and the change is written to the activity log as
// class_teacher_changed. A partial unique index backs the rule in the
// schema.
//
// # Parent links
//
// A link carries three capability flags (grades, attendance, fees). Unlinking
// deactivates the row; relationship checks only consider active links.
package assignments
