package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

var testDBCounter uint64

// NewTestDB opens a migrated, isolated in-memory SQLite database that is
// closed when the test finishes.
func NewTestDB(t testing.TB) *DB {
	t.Helper()

	name := fmt.Sprintf("schoolguard_test_%d", atomic.AddUint64(&testDBCounter, 1))
	db, err := Open(context.Background(), Config{
		Driver: string(SQLite),
		URL:    fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// SchoolFixture describes a school row for tests
type SchoolFixture struct {
	Name              string
	Active            bool
	LicenseValidUntil *time.Time
}

// InsertSchool inserts a school and returns its id
func InsertSchool(t testing.TB, db *DB, f SchoolFixture) int64 {
	t.Helper()
	now := Now()
	return insertReturningID(t, db,
		`INSERT INTO schools (name, active, license_valid_until, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		f.Name, f.Active, NullTime(f.LicenseValidUntil), now, now)
}

// InsertUser inserts a user with the given role and returns its id
func InsertUser(t testing.TB, db *DB, schoolID *int64, email, role, passwordHash string, active bool) int64 {
	t.Helper()
	now := Now()
	return insertReturningID(t, db,
		`INSERT INTO users (school_id, name, email, password_hash, role, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		NullInt64(schoolID), email, email, passwordHash, role, active, now, now)
}

// InsertClass inserts a class and returns its id
func InsertClass(t testing.TB, db *DB, schoolID int64, name string) int64 {
	t.Helper()
	return insertReturningID(t, db,
		`INSERT INTO classes (school_id, name) VALUES ($1, $2) RETURNING id`,
		schoolID, name)
}

// InsertStudent inserts a student, optionally linked to a user account
func InsertStudent(t testing.TB, db *DB, schoolID, classID int64, userID *int64, name string) int64 {
	t.Helper()
	return insertReturningID(t, db,
		`INSERT INTO students (school_id, class_id, user_id, name) VALUES ($1, $2, $3, $4) RETURNING id`,
		schoolID, classID, NullInt64(userID), name)
}

func insertReturningID(t testing.TB, db *DB, query string, args ...interface{}) int64 {
	t.Helper()
	var id int64
	if err := db.QueryRowContext(context.Background(), query, args...).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			t.Fatalf("insert returned no id: %s", query)
		}
		t.Fatalf("insert failed: %v", err)
	}
	return id
}
