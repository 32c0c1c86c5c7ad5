package scope

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/schoolguard/pkg/auth"
)

// Columns names the columns a predicate constrains. Empty names are
// dimensions the resource does not have.
type Columns struct {
	School  string
	Class   string
	Student string
	Global  string

	// Capability restricts parents to links carrying this flag. Empty
	// accepts any active link.
	Capability auth.Capability
}

// Row is the scoping data of one loaded record
type Row struct {
	SchoolID  *int64
	ClassID   int64
	StudentID int64
	Global    bool
}

// InRenderer renders a set-membership condition in the store's dialect.
// Satisfied by *database.DB.
type InRenderer interface {
	InInt64(column string, start int, values []int64) (string, []interface{}, int)
}

// Predicate is a resolved read scope. The zero value matches nothing.
type Predicate struct {
	cols         Columns
	empty        bool
	unrestricted bool
	schoolID     *int64
	classIDs     []int64 // nil: no class restriction
	studentIDs   []int64 // nil: no student restriction
}

// Empty reports whether the predicate matches nothing. Callers return an
// empty result without querying.
func (p Predicate) Empty() bool {
	return p.empty || (!p.unrestricted && p.schoolID == nil)
}

// SchoolID is the tenant the predicate is pinned to, or nil when it spans
// every tenant
func (p Predicate) SchoolID() *int64 {
	return p.schoolID
}

// SQL renders the predicate as a condition starting at placeholder $start.
// It returns the fragment, its args and the next free placeholder.
func (p Predicate) SQL(d InRenderer, start int) (string, []interface{}, int) {
	if p.Empty() {
		return "1 = 0", nil, start
	}

	var (
		conds []string
		args  []interface{}
	)
	n := start

	if !p.unrestricted {
		conds = append(conds, fmt.Sprintf("%s = $%d", p.cols.School, n))
		args = append(args, *p.schoolID)
		n++
	}
	if p.classIDs != nil && p.cols.Class != "" {
		frag, inArgs, next := d.InInt64(p.cols.Class, n, p.classIDs)
		conds = append(conds, frag)
		args = append(args, inArgs...)
		n = next
	}
	if p.studentIDs != nil && p.cols.Student != "" {
		frag, inArgs, next := d.InInt64(p.cols.Student, n, p.studentIDs)
		conds = append(conds, frag)
		args = append(args, inArgs...)
		n = next
	}

	if len(conds) == 0 {
		return "1 = 1", args, n
	}
	where := strings.Join(conds, " AND ")
	if p.cols.Global != "" {
		where = fmt.Sprintf("((%s) OR %s = TRUE)", where, p.cols.Global)
	}
	return where, args, n
}

// Allows applies the predicate to a loaded record. Single-record lookups use
// it to answer 404 for rows outside the scope.
func (p Predicate) Allows(row Row) bool {
	if p.Empty() {
		return false
	}
	if p.cols.Global != "" && row.Global {
		return true
	}
	if !p.unrestricted {
		if row.SchoolID == nil || *row.SchoolID != *p.schoolID {
			return false
		}
	}
	if p.classIDs != nil && p.cols.Class != "" && !contains(p.classIDs, row.ClassID) {
		return false
	}
	if p.studentIDs != nil && p.cols.Student != "" && !contains(p.studentIDs, row.StudentID) {
		return false
	}
	return true
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
