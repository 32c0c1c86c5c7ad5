package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type link struct {
	parent, student int64
}

// fakeRelationships is an in-memory Relationships for predicate tests
type fakeRelationships struct {
	teacherClasses map[int64][]int64
	studentClass   map[int64]int64
	studentOfUser  map[int64]int64
	parentLinks    map[link]LinkCapabilities
	err            error
}

func (f *fakeRelationships) TeacherHasClass(ctx context.Context, teacherID, classID int64) (bool, error) {
	if f.err != nil {
		return true, f.err
	}
	for _, c := range f.teacherClasses[teacherID] {
		if c == classID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRelationships) StudentClass(ctx context.Context, studentID int64) (int64, bool, error) {
	if f.err != nil {
		return 0, true, f.err
	}
	c, ok := f.studentClass[studentID]
	return c, ok, nil
}

func (f *fakeRelationships) StudentOfUser(ctx context.Context, userID int64) (int64, int64, bool, error) {
	if f.err != nil {
		return 0, 0, true, f.err
	}
	s, ok := f.studentOfUser[userID]
	return s, f.studentClass[s], ok, nil
}

func (f *fakeRelationships) ParentLink(ctx context.Context, parentID, studentID int64) (LinkCapabilities, bool, error) {
	if f.err != nil {
		return LinkCapabilities{Grades: true, Attendance: true, Fees: true}, true, f.err
	}
	caps, ok := f.parentLinks[link{parentID, studentID}]
	return caps, ok, nil
}

func (f *fakeRelationships) ParentHasChildInClass(ctx context.Context, parentID, classID int64) (bool, error) {
	if f.err != nil {
		return true, f.err
	}
	for l := range f.parentLinks {
		if l.parent == parentID && f.studentClass[l.student] == classID {
			return true, nil
		}
	}
	return false, nil
}

const (
	classA = int64(10) // JSS1-A
	classB = int64(11) // JSS1-B
)

func newFixture() *fakeRelationships {
	return &fakeRelationships{
		teacherClasses: map[int64][]int64{100: {classA}},
		studentClass:   map[int64]int64{500: classA, 501: classB},
		studentOfUser:  map[int64]int64{300: 500},
		parentLinks: map[link]LinkCapabilities{
			{400, 500}: {Grades: false, Attendance: true, Fees: true},
		},
	}
}

func TestCanAccessClass(t *testing.T) {
	checker := NewAccessChecker(newFixture())
	ctx := context.Background()

	tests := []struct {
		name    string
		p       *Principal
		classID int64
		want    bool
	}{
		{"super admin", &Principal{ID: 1, Role: RoleSuperAdmin}, classB, true},
		{"school admin", &Principal{ID: 2, Role: RoleSchoolAdmin}, classB, true},
		{"teacher assigned", &Principal{ID: 100, Role: RoleTeacher}, classA, true},
		{"teacher unassigned", &Principal{ID: 100, Role: RoleTeacher}, classB, false},
		{"class teacher uses assignments too", &Principal{ID: 100, Role: RoleClassTeacher}, classA, true},
		{"student own class", &Principal{ID: 300, Role: RoleStudent}, classA, true},
		{"student other class", &Principal{ID: 300, Role: RoleStudent}, classB, false},
		{"parent via linked child", &Principal{ID: 400, Role: RoleParent}, classA, true},
		{"parent no child in class", &Principal{ID: 400, Role: RoleParent}, classB, false},
		{"bursar", &Principal{ID: 5, Role: RoleBursar}, classA, false},
		{"librarian", &Principal{ID: 6, Role: RoleLibrarian}, classA, false},
		{"nil principal", nil, classA, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checker.CanAccessClass(ctx, tt.p, tt.classID))
		})
	}
}

func TestCanAccessStudent(t *testing.T) {
	checker := NewAccessChecker(newFixture())
	ctx := context.Background()

	tests := []struct {
		name      string
		p         *Principal
		studentID int64
		want      bool
	}{
		{"school admin", &Principal{ID: 2, Role: RoleSchoolAdmin}, 501, true},
		{"teacher student in class", &Principal{ID: 100, Role: RoleTeacher}, 500, true},
		{"teacher student elsewhere", &Principal{ID: 100, Role: RoleTeacher}, 501, false},
		{"teacher unknown student", &Principal{ID: 100, Role: RoleTeacher}, 999, false},
		{"student self", &Principal{ID: 300, Role: RoleStudent}, 500, true},
		{"student classmate", &Principal{ID: 300, Role: RoleStudent}, 501, false},
		{"parent linked", &Principal{ID: 400, Role: RoleParent}, 500, true},
		{"parent unlinked", &Principal{ID: 400, Role: RoleParent}, 501, false},
		{"ict officer", &Principal{ID: 7, Role: RoleICTOfficer}, 500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checker.CanAccessStudent(ctx, tt.p, tt.studentID))
		})
	}
}

func TestCapabilityFlagsAreIndependent(t *testing.T) {
	checker := NewAccessChecker(newFixture())
	ctx := context.Background()
	parent := &Principal{ID: 400, Role: RoleParent}

	assert.False(t, checker.CanViewStudentResource(ctx, parent, 500, CapabilityGrades))
	assert.True(t, checker.CanViewStudentResource(ctx, parent, 500, CapabilityAttendance))
	assert.True(t, checker.CanViewStudentResource(ctx, parent, 500, CapabilityFees))
	assert.False(t, checker.CanViewStudentResource(ctx, parent, 501, CapabilityAttendance))

	teacher := &Principal{ID: 100, Role: RoleTeacher}
	assert.True(t, checker.CanViewStudentResource(ctx, teacher, 500, CapabilityGrades))
}

func TestLookupErrorsDeny(t *testing.T) {
	rel := newFixture()
	rel.err = errors.New("database unavailable")
	checker := NewAccessChecker(rel)
	ctx := context.Background()

	assert.False(t, checker.CanAccessClass(ctx, &Principal{ID: 100, Role: RoleTeacher}, classA))
	assert.False(t, checker.CanAccessStudent(ctx, &Principal{ID: 300, Role: RoleStudent}, 500))
	assert.False(t, checker.CanAccessStudent(ctx, &Principal{ID: 400, Role: RoleParent}, 500))
	assert.False(t, checker.CanViewStudentResource(ctx, &Principal{ID: 400, Role: RoleParent}, 500, CapabilityFees))
	assert.True(t, checker.CanAccessClass(ctx, &Principal{ID: 2, Role: RoleSchoolAdmin}, classA))
}
