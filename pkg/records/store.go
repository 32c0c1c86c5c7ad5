package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/schoolguard/pkg/database"
	"github.com/platinummonkey/schoolguard/pkg/scope"
)

// Columns are the scoping columns of a student listing
var Columns = scope.Columns{
	School:  "s.school_id",
	Class:   "s.class_id",
	Student: "s.id",
}

// Store reads student records and their grades and fees
type Store struct {
	db *database.DB
}

// NewStore creates a records store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const studentColumns = `s.id, s.school_id, s.class_id, s.user_id, s.name, COALESCE(c.name, '')`

func scanStudent(row interface{ Scan(...interface{}) error }) (*Student, error) {
	var (
		st      Student
		classID sql.NullInt64
		userID  sql.NullInt64
	)
	if err := row.Scan(&st.ID, &st.SchoolID, &classID, &userID, &st.Name, &st.ClassName); err != nil {
		return nil, err
	}
	st.ClassID = database.Int64Ptr(classID)
	st.UserID = database.Int64Ptr(userID)
	return &st, nil
}

// GetStudent loads a student by id regardless of tenant. Callers decide
// visibility.
func (s *Store) GetStudent(ctx context.Context, id int64) (*Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx, `
		SELECT `+studentColumns+`
		FROM students s
		LEFT JOIN classes c ON c.id = s.class_id
		WHERE s.id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	return st, nil
}

// ListStudents returns the students pred allows, ordered by name, with the
// total match count
func (s *Store) ListStudents(ctx context.Context, pred scope.Predicate, f StudentFilter) ([]*Student, int64, error) {
	if pred.Empty() {
		return []*Student{}, 0, nil
	}
	where, args, n := pred.SQL(s.db, 1)
	if f.ClassID != nil {
		where += fmt.Sprintf(" AND s.class_id = $%d", n)
		args = append(args, *f.ClassID)
		n++
	}
	if f.Search != "" {
		where += fmt.Sprintf(" AND LOWER(s.name) LIKE $%d", n)
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
		n++
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM students s WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count students: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+studentColumns+`
		FROM students s
		LEFT JOIN classes c ON c.id = s.class_id
		WHERE `+where+fmt.Sprintf(" ORDER BY s.name, s.id LIMIT $%d OFFSET $%d", n, n+1), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list students: %w", err)
	}
	defer rows.Close()

	out := make([]*Student, 0)
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan student: %w", err)
		}
		out = append(out, st)
	}
	return out, total, rows.Err()
}

// Grades returns a student's grades, optionally for one term
func (s *Store) Grades(ctx context.Context, studentID int64, term string) ([]*Grade, error) {
	query := `SELECT id, student_id, class_id, subject_id, term, score, created_at FROM grades WHERE student_id = $1`
	args := []interface{}{studentID}
	if term != "" {
		query += " AND term = $2"
		args = append(args, term)
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY term, subject_id, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grades: %w", err)
	}
	defer rows.Close()

	out := make([]*Grade, 0)
	for rows.Next() {
		var g Grade
		if err := rows.Scan(&g.ID, &g.StudentID, &g.ClassID, &g.SubjectID, &g.Term, &g.Score, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grade: %w", err)
		}
		g.CreatedAt = g.CreatedAt.UTC()
		out = append(out, &g)
	}
	return out, rows.Err()
}

// Fees returns a student's fee statement
func (s *Store) Fees(ctx context.Context, studentID int64) (*FeeStatement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, student_id, description, amount_due, amount_paid, created_at
		FROM student_fees
		WHERE student_id = $1
		ORDER BY created_at, id
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fees: %w", err)
	}
	defer rows.Close()

	st := &FeeStatement{Fees: make([]*Fee, 0)}
	for rows.Next() {
		var f Fee
		if err := rows.Scan(&f.ID, &f.StudentID, &f.Description, &f.AmountDue, &f.AmountPaid, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fee: %w", err)
		}
		f.CreatedAt = f.CreatedAt.UTC()
		f.Balance = f.AmountDue - f.AmountPaid
		st.TotalDue += f.AmountDue
		st.TotalPaid += f.AmountPaid
		st.Fees = append(st.Fees, &f)
	}
	st.Balance = st.TotalDue - st.TotalPaid
	return st, rows.Err()
}
