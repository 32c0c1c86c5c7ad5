package rbac

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/schoolguard/pkg/auth"
)

// Seed maps each role to the permissions it is granted
type Seed map[auth.Role][]Permission

// seedFile is the on-disk override format:
//
//	roles:
//	  teacher:
//	    - students.view
//	    - attendance.mark_own_class
//	  librarian: ["*"]
type seedFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// wildcard grants the whole catalogue in a seed file
const wildcard = "*"

// DefaultSeed returns the built-in role to permission mapping
func DefaultSeed() Seed {
	return Seed{
		auth.RoleSuperAdmin: AllPermissions(),

		auth.RoleSchoolAdmin: {
			UsersView, UsersViewAll, UsersCreate, UsersUpdate, UsersDelete,
			UsersAssignRoles, UsersManageTeachers, UsersManageStaff,

			StudentsView, StudentsViewAll, StudentsCreate, StudentsUpdate,
			StudentsDelete, StudentsExport, StudentsImport,

			ClassesView, ClassesViewAll, ClassesCreate, ClassesUpdate,
			ClassesDelete, ClassesAssignTeachers,
			SubjectsView, SubjectsViewAll, SubjectsCreate, SubjectsUpdate,
			SubjectsDelete, SubjectsAssignTeachers,

			AttendanceView, AttendanceViewAll, AttendanceMark, AttendanceUpdate,
			AttendanceDelete, AttendanceExport,

			GradesView, GradesViewAll, GradesRecord, GradesUpdate,
			GradesDelete, GradesApprove, GradesExport,

			ReportCardsView, ReportCardsViewAll, ReportCardsGenerate,
			ReportCardsApprove, ReportCardsAddComments, ReportCardsDownload, ReportCardsPrint,

			TimetableView, TimetableViewAll, TimetableCreate, TimetableUpdate,
			TimetableDelete, TimetableApprove, TimetablePublish,
			DutiesView, DutiesViewAll, DutiesCreate, DutiesUpdate,
			DutiesDelete, DutiesAssign,

			FeesView, FeesViewAll, FeesCreate, FeesUpdate, FeesDelete,
			FeesManageTemplates,
			PaymentsView, PaymentsViewAll, PaymentsRecord, PaymentsUpdate,
			PaymentsDelete, PaymentsGenerateReceipt, PaymentsExport,
			DebtorsView, DebtorsRemind,

			ReportsView, ReportsViewAll, ReportsGenerate, ReportsExport,
			AnalyticsView, AnalyticsViewClass,

			ArchiveView, ArchiveCreate, ArchiveDownload, ArchiveDelete, ArchiveManage,
			SettingsView, SettingsUpdate, SettingsManageSchool,
			SettingsManageTerms, SettingsManageSessions,

			AnnouncementsView, AnnouncementsViewAll, AnnouncementsCreate,
			AnnouncementsUpdate, AnnouncementsDelete, AnnouncementsPublish,

			NonAcademicView, NonAcademicViewAll, NonAcademicRecord, NonAcademicUpdate,
			AIGenerateComments, AIViewInsights, AIManageSettings,
		},

		auth.RoleTeacher: {
			UsersView,
			StudentsView, StudentsViewOwnClass,
			ClassesView, ClassesViewAssigned,
			SubjectsView, SubjectsViewAssigned,
			AttendanceView, AttendanceViewOwnClass, AttendanceMarkOwnClass,
			GradesView, GradesViewOwnSubject, GradesRecordOwnSubject,
			ReportCardsView, ReportCardsViewOwnClass, ReportCardsAddComments,
			TimetableView, TimetableViewOwn,
			DutiesView, DutiesViewOwn,
			ReportsView, ReportsViewOwnClass,
			AnalyticsViewClass,
			AnnouncementsView,
			NonAcademicView, NonAcademicViewOwnClass, NonAcademicRecord,
			AIGenerateComments,
		},

		auth.RoleClassTeacher: {
			UsersView,
			StudentsView, StudentsViewOwnClass, StudentsUpdate,
			ClassesView, ClassesViewAssigned, ClassesViewAll,
			SubjectsView, SubjectsViewAssigned, SubjectsViewAll,
			AttendanceView, AttendanceViewOwnClass, AttendanceMarkOwnClass, AttendanceViewAll,
			GradesView, GradesViewOwnClass, GradesRecordOwnSubject, GradesApprove,
			ReportCardsView, ReportCardsViewOwnClass, ReportCardsGenerate,
			ReportCardsAddComments, ReportCardsDownload, ReportCardsPrint,
			TimetableView, TimetableViewOwn, TimetableViewAll,
			DutiesView, DutiesViewOwn, DutiesViewAll,
			ReportsView, ReportsViewOwnClass, ReportsGenerate, ReportsExport,
			AnalyticsView, AnalyticsViewClass,
			AnnouncementsView,
			NonAcademicView, NonAcademicViewOwnClass, NonAcademicRecord, NonAcademicUpdate,
			AIGenerateComments, AIViewInsights,
		},

		auth.RoleStudent: {
			StudentsView,
			AttendanceViewOwn,
			GradesViewOwn,
			ReportCardsViewOwn, ReportCardsDownload,
			TimetableViewOwn,
			FeesViewOwn,
			PaymentsViewOwn,
			AnnouncementsView,
			NonAcademicViewOwn,
		},

		auth.RoleParent: {
			StudentsView,
			AttendanceViewOwn,
			GradesViewOwn,
			ReportCardsViewOwn, ReportCardsDownload,
			FeesViewOwn,
			PaymentsViewOwn,
			AnnouncementsView,
			NonAcademicViewOwn,
		},

		auth.RoleBursar: {
			UsersView,
			StudentsView, StudentsViewAll,
			FeesView, FeesViewAll, FeesCreate, FeesUpdate, FeesDelete,
			FeesManageTemplates,
			PaymentsView, PaymentsViewAll, PaymentsRecord, PaymentsUpdate,
			PaymentsDelete, PaymentsGenerateReceipt, PaymentsExport,
			DebtorsView, DebtorsRemind,
			ReportsView, ReportsGenerate, ReportsExport,
			AnnouncementsView,
		},

		auth.RoleLibrarian: {
			UsersView,
			StudentsView, StudentsViewAll,
			LibraryView, LibraryManage, LibraryIssueBooks, LibraryReturnBooks,
			AnnouncementsView,
		},

		auth.RoleICTOfficer: {
			UsersView, UsersViewAll, UsersCreate, UsersUpdate,
			StudentsView, StudentsViewAll,
			SettingsView,
			AnnouncementsView,
		},
	}
}

// LoadSeedFile reads a YAML override and merges it over the default seed.
// Roles named in the file replace their default set; other roles keep theirs.
// Unknown roles or permissions, or an entry for super_admin, reject the
// whole file.
func LoadSeedFile(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses seed YAML, see LoadSeedFile
func ParseSeed(data []byte) (Seed, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse role seed: %w", err)
	}

	seed := DefaultSeed()
	for name, perms := range f.Roles {
		role, err := auth.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("role seed: %w", err)
		}
		if role == auth.RoleSuperAdmin {
			return nil, fmt.Errorf("role seed: %s always holds every permission and cannot be overridden", role)
		}
		granted := make([]Permission, 0, len(perms))
		for _, s := range perms {
			if s == wildcard {
				granted = append(granted, AllPermissions()...)
				continue
			}
			p := Permission(s)
			if !Known(p) {
				return nil, fmt.Errorf("role seed: unknown permission %q for role %s", s, role)
			}
			granted = append(granted, p)
		}
		seed[role] = granted
	}
	return seed, nil
}
