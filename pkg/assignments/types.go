package assignments

import (
	"errors"
	"time"

	"github.com/platinummonkey/schoolguard/pkg/auth"
)

var (
	// ErrAssignmentNotFound is returned when no assignment matches in scope
	ErrAssignmentNotFound = errors.New("teacher assignment not found")
	// ErrLinkNotFound is returned when no parent link matches in scope
	ErrLinkNotFound = errors.New("parent link not found")
	// ErrClassNotFound is returned when the class is missing from the school
	ErrClassNotFound = errors.New("class not found")
	// ErrStudentNotFound is returned when the student is missing from the school
	ErrStudentNotFound = errors.New("student not found")
	// ErrNotTeacher is returned when the assignee is not a teacher of the school
	ErrNotTeacher = errors.New("user is not a teacher of this school")
	// ErrNotParent is returned when the linked user is not a parent of the school
	ErrNotParent = errors.New("user is not a parent of this school")
	// ErrDuplicate is returned when an update collides with another assignment
	ErrDuplicate = errors.New("duplicate teacher assignment")
)

// Assignment places a teacher on a class, optionally for one subject, and
// optionally as that class's class teacher
type Assignment struct {
	ID              int64     `json:"id"`
	SchoolID        int64     `json:"school_id"`
	TeacherID       int64     `json:"teacher_id"`
	ClassID         int64     `json:"class_id"`
	SubjectID       *int64    `json:"subject_id"`
	IsClassTeacher  bool      `json:"is_class_teacher"`
	AcademicSession string    `json:"academic_session,omitempty"`
	Term            string    `json:"term,omitempty"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Filled on read
	TeacherName string `json:"teacher_name,omitempty"`
	ClassName   string `json:"class_name,omitempty"`
}

// ClassTeacherChange describes a promotion that displaced another teacher
type ClassTeacherChange struct {
	ClassID         int64
	PreviousTeacher *int64
	NewTeacher      int64
}

// Changed reports whether the class teacher is now someone else
func (c *ClassTeacherChange) Changed() bool {
	return c != nil && (c.PreviousTeacher == nil || *c.PreviousTeacher != c.NewTeacher)
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	TeacherID       *int64
	ClassID         *int64
	SubjectID       *int64
	ClearSubject    bool
	IsClassTeacher  *bool
	AcademicSession *string
	Term            *string
	Active          *bool
}

// ListFilter narrows an assignment listing. Only active rows are listed.
type ListFilter struct {
	SchoolID         *int64
	TeacherID        *int64
	ClassID          *int64
	SubjectID        *int64
	ClassTeacherOnly bool
	AcademicSession  string
	Term             string
}

// ParentLink ties a parent account to a student, with what the parent may see
type ParentLink struct {
	ID                int64     `json:"id"`
	SchoolID          int64     `json:"school_id"`
	ParentID          int64     `json:"parent_id"`
	StudentID         int64     `json:"student_id"`
	Relationship      string    `json:"relationship"`
	CanViewGrades     bool      `json:"can_view_grades"`
	CanViewAttendance bool      `json:"can_view_attendance"`
	CanViewFees       bool      `json:"can_view_fees"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`

	StudentName string `json:"student_name,omitempty"`
}

// Capabilities returns the link's flags
func (l *ParentLink) Capabilities() auth.LinkCapabilities {
	return auth.LinkCapabilities{
		Grades:     l.CanViewGrades,
		Attendance: l.CanViewAttendance,
		Fees:       l.CanViewFees,
	}
}

// DefaultRelationship is used when a link names none
const DefaultRelationship = "guardian"
