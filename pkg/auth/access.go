package auth

import "context"

// Relationships answers the relationship lookups behind the class and
// student predicates. Implemented by assignments.Store.
type Relationships interface {
	// TeacherHasClass reports an active teacher assignment for the class
	TeacherHasClass(ctx context.Context, teacherID, classID int64) (bool, error)
	// StudentClass returns the class a student belongs to
	StudentClass(ctx context.Context, studentID int64) (classID int64, found bool, err error)
	// StudentOfUser returns the student record owned by a student principal
	StudentOfUser(ctx context.Context, userID int64) (studentID, classID int64, found bool, err error)
	// ParentLink returns the flags of the active link between parent and student
	ParentLink(ctx context.Context, parentID, studentID int64) (LinkCapabilities, bool, error)
	// ParentHasChildInClass reports an active link to any student in the class
	ParentHasChildInClass(ctx context.Context, parentID, classID int64) (bool, error)
}

// AccessChecker evaluates the class and student predicates for a principal.
// Every method is a plain boolean: a missing relationship and a failed lookup
// both answer false.
type AccessChecker struct {
	rel Relationships
}

// NewAccessChecker creates an access checker over the relationship store
func NewAccessChecker(rel Relationships) *AccessChecker {
	return &AccessChecker{rel: rel}
}

// CanAccessClass reports whether p may see the class
func (a *AccessChecker) CanAccessClass(ctx context.Context, p *Principal, classID int64) bool {
	if p == nil {
		return false
	}
	switch p.Role {
	case RoleSuperAdmin, RoleSchoolAdmin:
		return true
	case RoleTeacher, RoleClassTeacher:
		ok, err := a.rel.TeacherHasClass(ctx, p.ID, classID)
		return err == nil && ok
	case RoleStudent:
		_, ownClass, found, err := a.rel.StudentOfUser(ctx, p.ID)
		return err == nil && found && ownClass == classID
	case RoleParent:
		ok, err := a.rel.ParentHasChildInClass(ctx, p.ID, classID)
		return err == nil && ok
	default:
		return false
	}
}

// CanAccessStudent reports whether p may see the student
func (a *AccessChecker) CanAccessStudent(ctx context.Context, p *Principal, studentID int64) bool {
	if p == nil {
		return false
	}
	switch p.Role {
	case RoleSuperAdmin, RoleSchoolAdmin:
		return true
	case RoleTeacher, RoleClassTeacher:
		classID, found, err := a.rel.StudentClass(ctx, studentID)
		if err != nil || !found {
			return false
		}
		ok, err := a.rel.TeacherHasClass(ctx, p.ID, classID)
		return err == nil && ok
	case RoleStudent:
		own, _, found, err := a.rel.StudentOfUser(ctx, p.ID)
		return err == nil && found && own == studentID
	case RoleParent:
		_, ok, err := a.rel.ParentLink(ctx, p.ID, studentID)
		return err == nil && ok
	default:
		return false
	}
}

// CanViewStudentResource is CanAccessStudent plus, for parents, the
// capability flag for the resource on the active link.
func (a *AccessChecker) CanViewStudentResource(ctx context.Context, p *Principal, studentID int64, c Capability) bool {
	if p.HasRole(RoleParent) {
		caps, ok, err := a.rel.ParentLink(ctx, p.ID, studentID)
		return err == nil && ok && caps.Allows(c)
	}
	return a.CanAccessStudent(ctx, p, studentID)
}
