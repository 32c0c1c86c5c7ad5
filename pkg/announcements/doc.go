// Package announcements serves school notices. A global announcement is
// visible in every school through an explicit OR on the tenant predicate;
// only super-admins create them, and schools cannot edit them.
//
// Callers without announcements.view_all see only live announcements that
// target their role.
package announcements
