package rbac

import "strings"

// Permission is a capability string of the form module.action
type Permission string

// Module returns the part before the first dot
func (p Permission) Module() string {
	if i := strings.IndexByte(string(p), '.'); i >= 0 {
		return string(p)[:i]
	}
	return string(p)
}

func (p Permission) String() string {
	return string(p)
}

// School management
const (
	SchoolsViewAll            Permission = "schools.view_all"
	SchoolsCreate             Permission = "schools.create"
	SchoolsUpdate             Permission = "schools.update"
	SchoolsDelete             Permission = "schools.delete"
	SchoolsSuspend            Permission = "schools.suspend"
	SchoolsManageLicense      Permission = "schools.manage_license"
	SchoolsManageSubscription Permission = "schools.manage_subscription"
	SchoolsViewAnalytics      Permission = "schools.view_analytics"
	SchoolsManageFeatures     Permission = "schools.manage_features"
)

// System administration
const (
	SystemViewLogs            Permission = "system.view_logs"
	SystemManageSettings      Permission = "system.manage_settings"
	SystemBackupRestore       Permission = "system.backup_restore"
	SystemManageRoles         Permission = "system.manage_roles"
	SystemViewAllSchools      Permission = "system.view_all_schools"
	SystemOverridePermissions Permission = "system.override_permissions"
)

// Users
const (
	UsersView           Permission = "users.view"
	UsersViewAll        Permission = "users.view_all"
	UsersCreate         Permission = "users.create"
	UsersUpdate         Permission = "users.update"
	UsersDelete         Permission = "users.delete"
	UsersAssignRoles    Permission = "users.assign_roles"
	UsersManageTeachers Permission = "users.manage_teachers"
	UsersManageStaff    Permission = "users.manage_staff"
)

// Students
const (
	StudentsView         Permission = "students.view"
	StudentsViewAll      Permission = "students.view_all"
	StudentsViewOwnClass Permission = "students.view_own_class"
	StudentsCreate       Permission = "students.create"
	StudentsUpdate       Permission = "students.update"
	StudentsDelete       Permission = "students.delete"
	StudentsExport       Permission = "students.export"
	StudentsImport       Permission = "students.import"
)

// Classes and subjects
const (
	ClassesView           Permission = "classes.view"
	ClassesViewAll        Permission = "classes.view_all"
	ClassesViewAssigned   Permission = "classes.view_assigned"
	ClassesCreate         Permission = "classes.create"
	ClassesUpdate         Permission = "classes.update"
	ClassesDelete         Permission = "classes.delete"
	ClassesAssignTeachers Permission = "classes.assign_teachers"

	SubjectsView           Permission = "subjects.view"
	SubjectsViewAll        Permission = "subjects.view_all"
	SubjectsViewAssigned   Permission = "subjects.view_assigned"
	SubjectsCreate         Permission = "subjects.create"
	SubjectsUpdate         Permission = "subjects.update"
	SubjectsDelete         Permission = "subjects.delete"
	SubjectsAssignTeachers Permission = "subjects.assign_teachers"
)

// Attendance
const (
	AttendanceView         Permission = "attendance.view"
	AttendanceViewAll      Permission = "attendance.view_all"
	AttendanceViewOwnClass Permission = "attendance.view_own_class"
	AttendanceViewOwn      Permission = "attendance.view_own"
	AttendanceMark         Permission = "attendance.mark"
	AttendanceMarkOwnClass Permission = "attendance.mark_own_class"
	AttendanceUpdate       Permission = "attendance.update"
	AttendanceDelete       Permission = "attendance.delete"
	AttendanceExport       Permission = "attendance.export"
)

// Grades and report cards
const (
	GradesView             Permission = "grades.view"
	GradesViewAll          Permission = "grades.view_all"
	GradesViewOwnClass     Permission = "grades.view_own_class"
	GradesViewOwnSubject   Permission = "grades.view_own_subject"
	GradesViewOwn          Permission = "grades.view_own"
	GradesRecord           Permission = "grades.record"
	GradesRecordOwnSubject Permission = "grades.record_own_subject"
	GradesUpdate           Permission = "grades.update"
	GradesDelete           Permission = "grades.delete"
	GradesApprove          Permission = "grades.approve"
	GradesExport           Permission = "grades.export"

	ReportCardsView         Permission = "report_cards.view"
	ReportCardsViewAll      Permission = "report_cards.view_all"
	ReportCardsViewOwnClass Permission = "report_cards.view_own_class"
	ReportCardsViewOwn      Permission = "report_cards.view_own"
	ReportCardsGenerate     Permission = "report_cards.generate"
	ReportCardsApprove      Permission = "report_cards.approve"
	ReportCardsAddComments  Permission = "report_cards.add_comments"
	ReportCardsDownload     Permission = "report_cards.download"
	ReportCardsPrint        Permission = "report_cards.print"
)

// Timetable and duty roster
const (
	TimetableView    Permission = "timetable.view"
	TimetableViewAll Permission = "timetable.view_all"
	TimetableViewOwn Permission = "timetable.view_own"
	TimetableCreate  Permission = "timetable.create"
	TimetableUpdate  Permission = "timetable.update"
	TimetableDelete  Permission = "timetable.delete"
	TimetableApprove Permission = "timetable.approve"
	TimetablePublish Permission = "timetable.publish"

	DutiesView    Permission = "duties.view"
	DutiesViewAll Permission = "duties.view_all"
	DutiesViewOwn Permission = "duties.view_own"
	DutiesCreate  Permission = "duties.create"
	DutiesUpdate  Permission = "duties.update"
	DutiesDelete  Permission = "duties.delete"
	DutiesAssign  Permission = "duties.assign"
)

// Fees, payments and debtors
const (
	FeesView            Permission = "fees.view"
	FeesViewAll         Permission = "fees.view_all"
	FeesViewOwn         Permission = "fees.view_own"
	FeesCreate          Permission = "fees.create"
	FeesUpdate          Permission = "fees.update"
	FeesDelete          Permission = "fees.delete"
	FeesManageTemplates Permission = "fees.manage_templates"

	PaymentsView            Permission = "payments.view"
	PaymentsViewAll         Permission = "payments.view_all"
	PaymentsViewOwn         Permission = "payments.view_own"
	PaymentsRecord          Permission = "payments.record"
	PaymentsUpdate          Permission = "payments.update"
	PaymentsDelete          Permission = "payments.delete"
	PaymentsGenerateReceipt Permission = "payments.generate_receipt"
	PaymentsExport          Permission = "payments.export"

	DebtorsView   Permission = "debtors.view"
	DebtorsRemind Permission = "debtors.remind"
)

// Reports and analytics
const (
	ReportsView         Permission = "reports.view"
	ReportsViewAll      Permission = "reports.view_all"
	ReportsViewOwnClass Permission = "reports.view_own_class"
	ReportsGenerate     Permission = "reports.generate"
	ReportsExport       Permission = "reports.export"

	AnalyticsView      Permission = "analytics.view"
	AnalyticsViewClass Permission = "analytics.view_class"
)

// Archive and settings
const (
	ArchiveView     Permission = "archive.view"
	ArchiveCreate   Permission = "archive.create"
	ArchiveDownload Permission = "archive.download"
	ArchiveDelete   Permission = "archive.delete"
	ArchiveManage   Permission = "archive.manage"

	SettingsView           Permission = "settings.view"
	SettingsUpdate         Permission = "settings.update"
	SettingsManageSchool   Permission = "settings.manage_school"
	SettingsManageTerms    Permission = "settings.manage_terms"
	SettingsManageSessions Permission = "settings.manage_sessions"
)

// Announcements
const (
	AnnouncementsView    Permission = "announcements.view"
	AnnouncementsViewAll Permission = "announcements.view_all"
	AnnouncementsCreate  Permission = "announcements.create"
	AnnouncementsUpdate  Permission = "announcements.update"
	AnnouncementsDelete  Permission = "announcements.delete"
	AnnouncementsPublish Permission = "announcements.publish"
)

// Non-academic performance, library, AI
const (
	NonAcademicView         Permission = "non_academic.view"
	NonAcademicViewAll      Permission = "non_academic.view_all"
	NonAcademicViewOwnClass Permission = "non_academic.view_own_class"
	NonAcademicViewOwn      Permission = "non_academic.view_own"
	NonAcademicRecord       Permission = "non_academic.record"
	NonAcademicUpdate       Permission = "non_academic.update"

	LibraryView        Permission = "library.view"
	LibraryManage      Permission = "library.manage"
	LibraryIssueBooks  Permission = "library.issue_books"
	LibraryReturnBooks Permission = "library.return_books"

	AIGenerateComments Permission = "ai.generate_comments"
	AIViewInsights     Permission = "ai.view_insights"
	AIManageSettings   Permission = "ai.manage_settings"
)

// catalogue lists every permission in seed order
var catalogue = []Permission{
	SchoolsViewAll, SchoolsCreate, SchoolsUpdate, SchoolsDelete, SchoolsSuspend,
	SchoolsManageLicense, SchoolsManageSubscription, SchoolsViewAnalytics, SchoolsManageFeatures,

	SystemViewLogs, SystemManageSettings, SystemBackupRestore, SystemManageRoles,
	SystemViewAllSchools, SystemOverridePermissions,

	UsersView, UsersViewAll, UsersCreate, UsersUpdate, UsersDelete,
	UsersAssignRoles, UsersManageTeachers, UsersManageStaff,

	StudentsView, StudentsViewAll, StudentsViewOwnClass, StudentsCreate, StudentsUpdate,
	StudentsDelete, StudentsExport, StudentsImport,

	ClassesView, ClassesViewAll, ClassesViewAssigned, ClassesCreate, ClassesUpdate,
	ClassesDelete, ClassesAssignTeachers,

	SubjectsView, SubjectsViewAll, SubjectsViewAssigned, SubjectsCreate, SubjectsUpdate,
	SubjectsDelete, SubjectsAssignTeachers,

	AttendanceView, AttendanceViewAll, AttendanceViewOwnClass, AttendanceViewOwn, AttendanceMark,
	AttendanceMarkOwnClass, AttendanceUpdate, AttendanceDelete, AttendanceExport,

	GradesView, GradesViewAll, GradesViewOwnClass, GradesViewOwnSubject, GradesViewOwn,
	GradesRecord, GradesRecordOwnSubject, GradesUpdate, GradesDelete, GradesApprove, GradesExport,

	ReportCardsView, ReportCardsViewAll, ReportCardsViewOwnClass, ReportCardsViewOwn,
	ReportCardsGenerate, ReportCardsApprove, ReportCardsAddComments, ReportCardsDownload, ReportCardsPrint,

	TimetableView, TimetableViewAll, TimetableViewOwn, TimetableCreate, TimetableUpdate,
	TimetableDelete, TimetableApprove, TimetablePublish,

	DutiesView, DutiesViewAll, DutiesViewOwn, DutiesCreate, DutiesUpdate, DutiesDelete, DutiesAssign,

	FeesView, FeesViewAll, FeesViewOwn, FeesCreate, FeesUpdate, FeesDelete, FeesManageTemplates,

	PaymentsView, PaymentsViewAll, PaymentsViewOwn, PaymentsRecord, PaymentsUpdate,
	PaymentsDelete, PaymentsGenerateReceipt, PaymentsExport,

	DebtorsView, DebtorsRemind,

	ReportsView, ReportsViewAll, ReportsViewOwnClass, ReportsGenerate, ReportsExport,
	AnalyticsView, AnalyticsViewClass,

	ArchiveView, ArchiveCreate, ArchiveDownload, ArchiveDelete, ArchiveManage,

	SettingsView, SettingsUpdate, SettingsManageSchool, SettingsManageTerms, SettingsManageSessions,

	AnnouncementsView, AnnouncementsViewAll, AnnouncementsCreate, AnnouncementsUpdate,
	AnnouncementsDelete, AnnouncementsPublish,

	NonAcademicView, NonAcademicViewAll, NonAcademicViewOwnClass, NonAcademicViewOwn,
	NonAcademicRecord, NonAcademicUpdate,

	LibraryView, LibraryManage, LibraryIssueBooks, LibraryReturnBooks,

	AIGenerateComments, AIViewInsights, AIManageSettings,
}

var known = func() map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(catalogue))
	for _, p := range catalogue {
		m[p] = struct{}{}
	}
	return m
}()

// AllPermissions returns the catalogue in seed order
func AllPermissions() []Permission {
	out := make([]Permission, len(catalogue))
	copy(out, catalogue)
	return out
}

// Known reports whether p is part of the catalogue
func Known(p Permission) bool {
	_, ok := known[p]
	return ok
}
