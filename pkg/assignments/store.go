package assignments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/database"
)

// Store persists teacher assignments and parent links, and answers the
// relationship questions the access checker and scope resolver ask
type Store struct {
	db *database.DB
}

// NewStore creates an assignment store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// subject_id is NOT NULL so the (teacher, class, subject) key is unique
// for class-only assignments too; 0 stands for no subject
func subjectValue(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func subjectPtr(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// TeacherHasClass reports an active assignment of the teacher to the class
func (s *Store) TeacherHasClass(ctx context.Context, teacherID, classID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM teacher_assignments
		WHERE teacher_id = $1 AND class_id = $2 AND active = TRUE
	`, teacherID, classID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check teacher class: %w", err)
	}
	return n > 0, nil
}

// TeacherClassIDs returns the classes a teacher is actively assigned to
func (s *Store) TeacherClassIDs(ctx context.Context, teacherID int64) ([]int64, error) {
	return s.ids(ctx, `
		SELECT DISTINCT class_id FROM teacher_assignments
		WHERE teacher_id = $1 AND active = TRUE
		ORDER BY class_id
	`, teacherID)
}

// ParentStudentIDs returns the students a parent is actively linked to.
// A non-empty capability keeps only the links with that flag set.
func (s *Store) ParentStudentIDs(ctx context.Context, parentID int64, c auth.Capability) ([]int64, error) {
	flag := ""
	switch c {
	case "":
	case auth.CapabilityGrades:
		flag = " AND can_view_grades = TRUE"
	case auth.CapabilityAttendance:
		flag = " AND can_view_attendance = TRUE"
	case auth.CapabilityFees:
		flag = " AND can_view_fees = TRUE"
	default:
		return []int64{}, nil
	}
	return s.ids(ctx, `
		SELECT student_id FROM parent_student_links
		WHERE parent_id = $1 AND active = TRUE`+flag+`
		ORDER BY student_id
	`, parentID)
}

func (s *Store) ids(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationship ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan relationship id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StudentClass returns the class a student is enrolled in
func (s *Store) StudentClass(ctx context.Context, studentID int64) (int64, bool, error) {
	var classID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT class_id FROM students WHERE id = $1`, studentID).Scan(&classID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load student class: %w", err)
	}
	if !classID.Valid {
		return 0, false, nil
	}
	return classID.Int64, true, nil
}

// StudentOfUser returns the student record owned by a student account. A
// student without a class is found with class 0.
func (s *Store) StudentOfUser(ctx context.Context, userID int64) (int64, int64, bool, error) {
	var (
		studentID int64
		classID   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, class_id FROM students WHERE user_id = $1 ORDER BY id LIMIT 1
	`, userID).Scan(&studentID, &classID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to load student of user: %w", err)
	}
	return studentID, classID.Int64, true, nil
}

// ParentLink returns the flags of the active link between parent and student
func (s *Store) ParentLink(ctx context.Context, parentID, studentID int64) (auth.LinkCapabilities, bool, error) {
	var caps auth.LinkCapabilities
	err := s.db.QueryRowContext(ctx, `
		SELECT can_view_grades, can_view_attendance, can_view_fees
		FROM parent_student_links
		WHERE parent_id = $1 AND student_id = $2 AND active = TRUE
	`, parentID, studentID).Scan(&caps.Grades, &caps.Attendance, &caps.Fees)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.LinkCapabilities{}, false, nil
	}
	if err != nil {
		return auth.LinkCapabilities{}, false, fmt.Errorf("failed to load parent link: %w", err)
	}
	return caps, true, nil
}

// ParentHasChildInClass reports an active link to any student of the class
func (s *Store) ParentHasChildInClass(ctx context.Context, parentID, classID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM parent_student_links l
		JOIN students st ON st.id = l.student_id
		WHERE l.parent_id = $1 AND l.active = TRUE AND st.class_id = $2
	`, parentID, classID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check parent class: %w", err)
	}
	return n > 0, nil
}

const assignmentSelect = `
	SELECT a.id, a.school_id, a.teacher_id, a.class_id, a.subject_id, a.is_class_teacher,
		a.academic_session, a.term, a.active, a.created_at, a.updated_at,
		COALESCE(u.name, ''), COALESCE(c.name, '')
	FROM teacher_assignments a
	LEFT JOIN users u ON u.id = a.teacher_id
	LEFT JOIN classes c ON c.id = a.class_id`

func scanAssignment(row rowScanner) (*Assignment, error) {
	var (
		a             Assignment
		subjectID     int64
		session, term sql.NullString
	)
	err := row.Scan(&a.ID, &a.SchoolID, &a.TeacherID, &a.ClassID, &subjectID, &a.IsClassTeacher,
		&session, &term, &a.Active, &a.CreatedAt, &a.UpdatedAt, &a.TeacherName, &a.ClassName)
	if err != nil {
		return nil, err
	}
	a.SubjectID = subjectPtr(subjectID)
	a.AcademicSession = session.String
	a.Term = term.String
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// Get loads an assignment. A non-nil schoolID restricts the lookup to that
// school.
func (s *Store) Get(ctx context.Context, id int64, schoolID *int64) (*Assignment, error) {
	query := assignmentSelect + " WHERE a.id = $1"
	args := []interface{}{id}
	if schoolID != nil {
		query += " AND a.school_id = $2"
		args = append(args, *schoolID)
	}
	a, err := scanAssignment(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load teacher assignment: %w", err)
	}
	return a, nil
}

// List returns active assignments ordered by class
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Assignment, error) {
	where := " WHERE a.active = TRUE"
	var args []interface{}
	n := 1
	add := func(cond string, v interface{}) {
		where += fmt.Sprintf(" AND "+cond, n)
		args = append(args, v)
		n++
	}
	if f.SchoolID != nil {
		add("a.school_id = $%d", *f.SchoolID)
	}
	if f.TeacherID != nil {
		add("a.teacher_id = $%d", *f.TeacherID)
	}
	if f.ClassID != nil {
		add("a.class_id = $%d", *f.ClassID)
	}
	if f.SubjectID != nil {
		add("a.subject_id = $%d", *f.SubjectID)
	}
	if f.ClassTeacherOnly {
		where += " AND a.is_class_teacher = TRUE"
	}
	if f.AcademicSession != "" {
		add("a.academic_session = $%d", f.AcademicSession)
	}
	if f.Term != "" {
		add("a.term = $%d", f.Term)
	}

	rows, err := s.db.QueryContext(ctx, assignmentSelect+where+" ORDER BY a.class_id, a.id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list teacher assignments: %w", err)
	}
	defer rows.Close()

	out := make([]*Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan teacher assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Assign creates the assignment, or refreshes the existing one for the same
// teacher, class and subject. Marking it class teacher demotes whoever held
// the class before, in the same transaction, with the class row locked.
func (s *Store) Assign(ctx context.Context, a *Assignment) (*ClassTeacherChange, error) {
	var change *ClassTeacherChange
	now := database.Now()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockClass(ctx, tx, a.SchoolID, a.ClassID); err != nil {
			return err
		}
		if err := checkTeacher(ctx, tx, a.SchoolID, a.TeacherID); err != nil {
			return err
		}
		if a.IsClassTeacher {
			prev, err := demoteClassTeacher(ctx, tx, a.SchoolID, a.ClassID, 0, now)
			if err != nil {
				return err
			}
			change = &ClassTeacherChange{ClassID: a.ClassID, PreviousTeacher: prev, NewTeacher: a.TeacherID}
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO teacher_assignments
				(school_id, teacher_id, class_id, subject_id, is_class_teacher, academic_session, term, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $8)
			ON CONFLICT (teacher_id, class_id, subject_id) DO UPDATE SET
				school_id = excluded.school_id,
				is_class_teacher = excluded.is_class_teacher
					OR (teacher_assignments.active AND teacher_assignments.is_class_teacher),
				academic_session = excluded.academic_session,
				term = excluded.term,
				active = TRUE,
				updated_at = excluded.updated_at
			RETURNING id
		`, a.SchoolID, a.TeacherID, a.ClassID, subjectValue(a.SubjectID), a.IsClassTeacher,
			nullString(a.AcademicSession), nullString(a.Term), now).Scan(&a.ID)
		if err != nil {
			return fmt.Errorf("failed to save teacher assignment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	saved, err := s.Get(ctx, a.ID, nil)
	if err != nil {
		return nil, err
	}
	*a = *saved
	return change, nil
}

// Update applies a patch to an assignment in schoolID (any school when nil).
// When the result is an active class teacher of a class it did not hold
// before, the class's other holder is demoted.
func (s *Store) Update(ctx context.Context, id int64, schoolID *int64, p Patch) (*Assignment, *ClassTeacherChange, error) {
	var change *ClassTeacherChange
	now := database.Now()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := "SELECT school_id, teacher_id, class_id, subject_id, is_class_teacher, academic_session, term, active FROM teacher_assignments WHERE id = $1"
		args := []interface{}{id}
		if schoolID != nil {
			query += " AND school_id = $2"
			args = append(args, *schoolID)
		}
		var (
			cur           Assignment
			subjectID     int64
			session, term sql.NullString
		)
		err := tx.QueryRowContext(ctx, query+s.db.ForUpdate(), args...).Scan(
			&cur.SchoolID, &cur.TeacherID, &cur.ClassID, &subjectID, &cur.IsClassTeacher, &session, &term, &cur.Active)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAssignmentNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load teacher assignment: %w", err)
		}
		cur.SubjectID = subjectPtr(subjectID)
		cur.AcademicSession, cur.Term = session.String, term.String
		wasClassTeacher := cur.IsClassTeacher && cur.Active
		prevClass := cur.ClassID

		if p.TeacherID != nil && *p.TeacherID != cur.TeacherID {
			if err := checkTeacher(ctx, tx, cur.SchoolID, *p.TeacherID); err != nil {
				return err
			}
			cur.TeacherID = *p.TeacherID
		}
		if p.ClassID != nil {
			cur.ClassID = *p.ClassID
		}
		if p.ClearSubject {
			cur.SubjectID = nil
		} else if p.SubjectID != nil {
			cur.SubjectID = p.SubjectID
		}
		if p.AcademicSession != nil {
			cur.AcademicSession = *p.AcademicSession
		}
		if p.Term != nil {
			cur.Term = *p.Term
		}
		if p.Active != nil {
			cur.Active = *p.Active
		}
		if p.IsClassTeacher != nil {
			cur.IsClassTeacher = *p.IsClassTeacher
		}

		if err := s.lockClass(ctx, tx, cur.SchoolID, cur.ClassID); err != nil {
			return err
		}
		// an active class teacher arriving in a class, by promotion,
		// reactivation or a class move, takes the class over
		promoted := cur.IsClassTeacher && cur.Active && (!wasClassTeacher || cur.ClassID != prevClass)
		if promoted {
			prev, err := demoteClassTeacher(ctx, tx, cur.SchoolID, cur.ClassID, id, now)
			if err != nil {
				return err
			}
			change = &ClassTeacherChange{ClassID: cur.ClassID, PreviousTeacher: prev, NewTeacher: cur.TeacherID}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE teacher_assignments
			SET teacher_id = $1, class_id = $2, subject_id = $3, is_class_teacher = $4,
				academic_session = $5, term = $6, active = $7, updated_at = $8
			WHERE id = $9
		`, cur.TeacherID, cur.ClassID, subjectValue(cur.SubjectID), cur.IsClassTeacher,
			nullString(cur.AcademicSession), nullString(cur.Term), cur.Active, now, id)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("%w: teacher already assigned to this class and subject", ErrDuplicate)
			}
			return fmt.Errorf("failed to update teacher assignment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	a, err := s.Get(ctx, id, nil)
	if err != nil {
		return nil, nil, err
	}
	return a, change, nil
}

// Delete removes an assignment in schoolID (any school when nil) and
// returns it as it was
func (s *Store) Delete(ctx context.Context, id int64, schoolID *int64) (*Assignment, error) {
	a, err := s.Get(ctx, id, schoolID)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM teacher_assignments WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete teacher assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAssignmentNotFound
	}
	return a, nil
}

func (s *Store) lockClass(ctx context.Context, tx *sql.Tx, schoolID, classID int64) error {
	var owner int64
	err := tx.QueryRowContext(ctx, "SELECT school_id FROM classes WHERE id = $1"+s.db.ForUpdate(), classID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != schoolID) {
		return ErrClassNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock class: %w", err)
	}
	return nil
}

func checkTeacher(ctx context.Context, tx *sql.Tx, schoolID, userID int64) error {
	return checkMember(ctx, tx, schoolID, userID, ErrNotTeacher, auth.RoleTeacher, auth.RoleClassTeacher)
}

func checkMember(ctx context.Context, tx *sql.Tx, schoolID, userID int64, notMember error, roles ...auth.Role) error {
	var (
		role   string
		school sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, `SELECT role, school_id FROM users WHERE id = $1`, userID).Scan(&role, &school)
	if errors.Is(err, sql.ErrNoRows) {
		return notMember
	}
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if !school.Valid || school.Int64 != schoolID {
		return notMember
	}
	for _, r := range roles {
		if auth.Role(role) == r {
			return nil
		}
	}
	return notMember
}

// demoteClassTeacher clears the class-teacher flag on every other assignment
// of the class and returns the teacher who held it
func demoteClassTeacher(ctx context.Context, tx *sql.Tx, schoolID, classID, keepID int64, now time.Time) (*int64, error) {
	var prev *int64
	var teacherID int64
	err := tx.QueryRowContext(ctx, `
		SELECT teacher_id FROM teacher_assignments
		WHERE school_id = $1 AND class_id = $2 AND is_class_teacher = TRUE AND active = TRUE
		ORDER BY id LIMIT 1
	`, schoolID, classID).Scan(&teacherID)
	switch {
	case err == nil:
		prev = &teacherID
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to load class teacher: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE teacher_assignments SET is_class_teacher = FALSE, updated_at = $1
		WHERE school_id = $2 AND class_id = $3 AND is_class_teacher = TRUE AND id <> $4
	`, now, schoolID, classID, keepID)
	if err != nil {
		return nil, fmt.Errorf("failed to demote class teacher: %w", err)
	}
	return prev, nil
}

// Link creates or refreshes the link between a parent and a student of
// the same school
func (s *Store) Link(ctx context.Context, l *ParentLink) error {
	if l.Relationship == "" {
		l.Relationship = DefaultRelationship
	}
	now := database.Now()
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var owner int64
		err := tx.QueryRowContext(ctx, `SELECT school_id FROM students WHERE id = $1`, l.StudentID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != l.SchoolID) {
			return ErrStudentNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load student: %w", err)
		}
		if err := checkMember(ctx, tx, l.SchoolID, l.ParentID, ErrNotParent, auth.RoleParent); err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO parent_student_links
				(school_id, parent_id, student_id, relationship, can_view_grades, can_view_attendance, can_view_fees, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
			ON CONFLICT (parent_id, student_id) DO UPDATE SET
				school_id = excluded.school_id,
				relationship = excluded.relationship,
				can_view_grades = excluded.can_view_grades,
				can_view_attendance = excluded.can_view_attendance,
				can_view_fees = excluded.can_view_fees,
				active = TRUE
			RETURNING id, created_at
		`, l.SchoolID, l.ParentID, l.StudentID, l.Relationship,
			l.CanViewGrades, l.CanViewAttendance, l.CanViewFees, now).Scan(&l.ID, &l.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save parent link: %w", err)
		}
		l.Active = true
		l.CreatedAt = l.CreatedAt.UTC()
		return nil
	})
}

// Unlink deactivates a parent link in schoolID (any school when nil)
func (s *Store) Unlink(ctx context.Context, parentID, studentID int64, schoolID *int64) error {
	query := `UPDATE parent_student_links SET active = FALSE WHERE parent_id = $1 AND student_id = $2 AND active = TRUE`
	args := []interface{}{parentID, studentID}
	if schoolID != nil {
		query += " AND school_id = $3"
		args = append(args, *schoolID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to unlink parent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLinkNotFound
	}
	return nil
}

// LinkFilter narrows a link listing. Only active links are listed.
type LinkFilter struct {
	SchoolID  *int64
	ParentID  *int64
	StudentID *int64
}

// Links returns active parent links with the student's name
func (s *Store) Links(ctx context.Context, f LinkFilter) ([]*ParentLink, error) {
	where := " WHERE l.active = TRUE"
	var args []interface{}
	n := 1
	for _, c := range []struct {
		col string
		v   *int64
	}{{"l.school_id", f.SchoolID}, {"l.parent_id", f.ParentID}, {"l.student_id", f.StudentID}} {
		if c.v == nil {
			continue
		}
		where += fmt.Sprintf(" AND %s = $%d", c.col, n)
		args = append(args, *c.v)
		n++
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.school_id, l.parent_id, l.student_id, l.relationship,
			l.can_view_grades, l.can_view_attendance, l.can_view_fees, l.active, l.created_at,
			COALESCE(st.name, '')
		FROM parent_student_links l
		LEFT JOIN students st ON st.id = l.student_id`+where+" ORDER BY l.parent_id, l.student_id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list parent links: %w", err)
	}
	defer rows.Close()

	out := make([]*ParentLink, 0)
	for rows.Next() {
		var l ParentLink
		if err := rows.Scan(&l.ID, &l.SchoolID, &l.ParentID, &l.StudentID, &l.Relationship,
			&l.CanViewGrades, &l.CanViewAttendance, &l.CanViewFees, &l.Active, &l.CreatedAt, &l.StudentName); err != nil {
			return nil, fmt.Errorf("failed to scan parent link: %w", err)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, &l)
	}
	return out, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
