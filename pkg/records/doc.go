// Package records serves student records and the per-student grade,
// attendance and fee views.
//
// A student outside the caller's view answers 404, the same as a missing
// one. Parents additionally need the matching flag on their link: a parent
// whose link disables fees gets 404 from /students/{id}/fees while still
// seeing the student.
package records
