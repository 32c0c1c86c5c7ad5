// Package attendance records daily attendance marks.
//
// School admins mark any class of their school. Teachers hold only
// attendance.mark_own_class and may mark the classes they are assigned to.
// Listings go through a scope predicate, so a parent sees only children
// whose link allows attendance.
package attendance
