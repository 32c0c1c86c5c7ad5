package attendance

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/database"
	"github.com/platinummonkey/schoolguard/pkg/scope"
)

// Columns are the scoping columns of an attendance listing. Parents see
// only the children whose link allows attendance.
var Columns = scope.Columns{
	School:     "a.school_id",
	Class:      "a.class_id",
	Student:    "a.student_id",
	Capability: auth.CapabilityAttendance,
}

// Store persists attendance records
type Store struct {
	db *database.DB
}

// NewStore creates an attendance store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// StudentClasses maps each student to their class. Students outside the
// school, or without a class, fail with ErrStudentNotFound.
func (s *Store) StudentClasses(ctx context.Context, schoolID int64, studentIDs []int64) (map[int64]int64, error) {
	in, args, next := s.db.InInt64("id", 1, studentIDs)
	args = append(args, schoolID)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, class_id FROM students WHERE %s AND school_id = $%d", in, next), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load student classes: %w", err)
	}
	defer rows.Close()

	classes := make(map[int64]int64, len(studentIDs))
	for rows.Next() {
		var (
			id    int64
			class sql.NullInt64
		)
		if err := rows.Scan(&id, &class); err != nil {
			return nil, fmt.Errorf("failed to scan student class: %w", err)
		}
		if class.Valid {
			classes[id] = class.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range studentIDs {
		if _, ok := classes[id]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrStudentNotFound, id)
		}
	}
	return classes, nil
}

// Mark writes the day's marks in one transaction. A student already marked
// that day is overwritten. classes comes from StudentClasses.
func (s *Store) Mark(ctx context.Context, schoolID int64, date string, markedBy int64, marks []Mark, classes map[int64]int64) ([]*Record, error) {
	now := database.Now()
	out := make([]*Record, 0, len(marks))

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range marks {
			class, ok := classes[m.StudentID]
			if !ok {
				return fmt.Errorf("%w: %d", ErrStudentNotFound, m.StudentID)
			}
			rec := &Record{
				SchoolID:  schoolID,
				ClassID:   class,
				StudentID: m.StudentID,
				Date:      date,
				Status:    m.Status,
				MarkedBy:  markedBy,
			}
			err := tx.QueryRowContext(ctx, `
				INSERT INTO attendance (school_id, class_id, student_id, date, status, marked_by, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (student_id, date) DO UPDATE SET
					class_id = excluded.class_id,
					status = excluded.status,
					marked_by = excluded.marked_by
				RETURNING id, created_at
			`, schoolID, class, m.StudentID, date, string(m.Status), markedBy, now).Scan(&rec.ID, &rec.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to mark attendance: %w", err)
			}
			rec.CreatedAt = rec.CreatedAt.UTC()
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns the records pred allows, newest day first, with the total
// match count
func (s *Store) List(ctx context.Context, pred scope.Predicate, f Filter) ([]*Record, int64, error) {
	if pred.Empty() {
		return []*Record{}, 0, nil
	}
	where, args, n := pred.SQL(s.db, 1)
	add := func(cond string, v interface{}) {
		where += fmt.Sprintf(" AND "+cond, n)
		args = append(args, v)
		n++
	}
	if f.ClassID != nil {
		add("a.class_id = $%d", *f.ClassID)
	}
	if f.StudentID != nil {
		add("a.student_id = $%d", *f.StudentID)
	}
	if f.Date != "" {
		add("a.date = $%d", f.Date)
	}
	if f.From != "" {
		add("a.date >= $%d", f.From)
	}
	if f.To != "" {
		add("a.date <= $%d", f.To)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attendance a WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count attendance: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT a.id, a.school_id, a.class_id, a.student_id, a.date, a.status, a.marked_by, a.created_at,
			COALESCE(st.name, '')
		FROM attendance a
		LEFT JOIN students st ON st.id = a.student_id
		WHERE ` + where + fmt.Sprintf(" ORDER BY a.date DESC, a.student_id LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list attendance: %w", err)
	}
	defer rows.Close()

	out := make([]*Record, 0)
	for rows.Next() {
		var (
			rec    Record
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.SchoolID, &rec.ClassID, &rec.StudentID, &rec.Date, &status,
			&rec.MarkedBy, &rec.CreatedAt, &rec.StudentName); err != nil {
			return nil, 0, fmt.Errorf("failed to scan attendance: %w", err)
		}
		rec.Status = Status(status)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, &rec)
	}
	return out, total, rows.Err()
}
