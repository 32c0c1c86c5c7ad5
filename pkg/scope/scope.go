package scope

import (
	"context"
	"fmt"

	"github.com/platinummonkey/schoolguard/pkg/auth"
)

// Scope is the tenant a request is allowed to read
type Scope struct {
	// Unrestricted is true only for a super-admin that named no school
	Unrestricted bool
	// SchoolID is the single visible tenant when restricted; nil together with
	// Unrestricted == false means nothing is visible
	SchoolID *int64
}

// Resolve computes the tenant scope of p. requested is the client supplied
// school filter; it is honoured for super-admins and ignored for everyone
// else, who is always pinned to their own school.
func Resolve(p *auth.Principal, requested *int64) Scope {
	if p == nil {
		return Scope{}
	}
	if p.IsSuperAdmin() {
		if requested == nil {
			return Scope{Unrestricted: true}
		}
		id := *requested
		return Scope{SchoolID: &id}
	}
	if p.SchoolID == nil {
		return Scope{}
	}
	id := *p.SchoolID
	return Scope{SchoolID: &id}
}

// Empty reports whether the scope can match no tenant at all
func (s Scope) Empty() bool {
	return !s.Unrestricted && s.SchoolID == nil
}

// Relations lists the relationship rows behind the relationship layer.
// Implemented by assignments.Store.
type Relations interface {
	TeacherClassIDs(ctx context.Context, teacherID int64) ([]int64, error)
	ParentStudentIDs(ctx context.Context, parentID int64, c auth.Capability) ([]int64, error)
	StudentOfUser(ctx context.Context, userID int64) (studentID, classID int64, found bool, err error)
}

// Resolver builds predicates for a principal over a resource's columns
type Resolver struct {
	rel Relations
}

// NewResolver creates a resolver over the relationship store
func NewResolver(rel Relations) *Resolver {
	return &Resolver{rel: rel}
}

// Tenant returns the tenant-only predicate for p
func (r *Resolver) Tenant(p *auth.Principal, requested *int64, cols Columns) Predicate {
	return tenantPredicate(Resolve(p, requested), cols)
}

// For returns the tenant predicate for p narrowed by the relationship layer:
// teachers see their assigned classes, students themselves and parents their
// linked children. Staff roles without a relationship layer see the whole
// tenant, as does every role on a resource without the matching column. A
// principal whose relationships are empty gets an empty predicate.
func (r *Resolver) For(ctx context.Context, p *auth.Principal, requested *int64, cols Columns) (Predicate, error) {
	pred := tenantPredicate(Resolve(p, requested), cols)
	if pred.empty || p == nil {
		return pred, nil
	}

	switch p.Role {
	case auth.RoleTeacher, auth.RoleClassTeacher:
		if cols.Class == "" {
			return pred, nil
		}
		ids, err := r.rel.TeacherClassIDs(ctx, p.ID)
		if err != nil {
			return Predicate{}, fmt.Errorf("failed to load teacher classes: %w", err)
		}
		pred.classIDs = nonNil(ids)

	case auth.RoleStudent:
		studentID, classID, found, err := r.rel.StudentOfUser(ctx, p.ID)
		if err != nil {
			return Predicate{}, fmt.Errorf("failed to load student record: %w", err)
		}
		switch {
		case !found:
			pred.empty = true
		case cols.Student != "":
			pred.studentIDs = []int64{studentID}
		case cols.Class != "":
			pred.classIDs = []int64{classID}
		}

	case auth.RoleParent:
		if cols.Student == "" {
			return pred, nil
		}
		ids, err := r.rel.ParentStudentIDs(ctx, p.ID, cols.Capability)
		if err != nil {
			return Predicate{}, fmt.Errorf("failed to load linked students: %w", err)
		}
		pred.studentIDs = nonNil(ids)
	}

	if (pred.classIDs != nil && len(pred.classIDs) == 0) ||
		(pred.studentIDs != nil && len(pred.studentIDs) == 0) {
		pred.empty = true
	}
	return pred, nil
}

func tenantPredicate(s Scope, cols Columns) Predicate {
	return Predicate{
		cols:         cols,
		empty:        s.Empty(),
		unrestricted: s.Unrestricted,
		schoolID:     s.SchoolID,
	}
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
