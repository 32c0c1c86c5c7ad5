// Package scope turns a principal into the set of rows it may read.
//
// Resolution happens in two layers. The tenant layer pins every principal
// to its own school; only a super-admin may name another school, and a
// super-admin that names none is unrestricted. The relationship layer then
// narrows teachers to their assigned classes, students to their own record
// and parents to their linked children.
//
//	pred, err := resolver.For(ctx, principal, requestedSchool, scope.Columns{
//		School: "a.school_id", Class: "a.class_id", Student: "a.student_id",
//	})
//	if pred.Empty() {
//		return []Attendance{}, nil
//	}
//	where, args, next := pred.SQL(db, 1)
//
// Resources that may be shared across tenants name a Global column; global
// rows are admitted through an explicit OR.
//
// Single-record reads load the row first and call Allows; a row outside the
// predicate is reported as not found.
package scope
