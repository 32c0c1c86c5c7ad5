package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Migration represents a schema migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// dialect-specific column types substituted into migration SQL
var columnTypes = map[Dialect]*strings.Replacer{
	Postgres: strings.NewReplacer(
		"{{serial}}", "BIGSERIAL PRIMARY KEY",
		"{{json}}", "JSONB",
		"{{ts}}", "TIMESTAMPTZ",
	),
	SQLite: strings.NewReplacer(
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{json}}", "TEXT",
		"{{ts}}", "TIMESTAMP",
	),
}

// Migrations returns the full schema, in order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create schools and users",
			SQL: `
				CREATE TABLE IF NOT EXISTS schools (
					id {{serial}},
					name VARCHAR(255) NOT NULL,
					subdomain VARCHAR(100) UNIQUE,
					domain VARCHAR(255),
					subscription_plan VARCHAR(50) NOT NULL DEFAULT 'basic',
					license_valid_until {{ts}},
					active BOOLEAN NOT NULL DEFAULT TRUE,
					meta {{json}},
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);

				CREATE TABLE IF NOT EXISTS users (
					id {{serial}},
					school_id BIGINT REFERENCES schools(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					email VARCHAR(255) NOT NULL UNIQUE,
					phone VARCHAR(50),
					password_hash VARCHAR(255) NOT NULL,
					role VARCHAR(50) NOT NULL,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					meta {{json}},
					last_login {{ts}},
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_users_school_id ON users(school_id);
				CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
			`,
		},
		{
			Version:     2,
			Description: "Create api_tokens",
			SQL: `
				CREATE TABLE IF NOT EXISTS api_tokens (
					id {{serial}},
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					token_hash VARCHAR(64) NOT NULL UNIQUE,
					token_prefix VARCHAR(32) NOT NULL,
					name VARCHAR(100) NOT NULL,
					expires_at {{ts}},
					last_used_at {{ts}},
					revoked_at {{ts}},
					created_at {{ts}} NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_api_tokens_user_id ON api_tokens(user_id);
			`,
		},
		{
			Version:     3,
			Description: "Create classes, students and relationship links",
			SQL: `
				CREATE TABLE IF NOT EXISTS classes (
					id {{serial}},
					school_id BIGINT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
					name VARCHAR(100) NOT NULL,
					UNIQUE(school_id, name)
				);

				CREATE TABLE IF NOT EXISTS students (
					id {{serial}},
					school_id BIGINT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
					class_id BIGINT REFERENCES classes(id) ON DELETE SET NULL,
					user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
					name VARCHAR(255) NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_students_school_class ON students(school_id, class_id);
				CREATE INDEX IF NOT EXISTS idx_students_user_id ON students(user_id);

				CREATE TABLE IF NOT EXISTS teacher_assignments (
					id {{serial}},
					school_id BIGINT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
					teacher_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					class_id BIGINT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
					subject_id BIGINT NOT NULL,
					is_class_teacher BOOLEAN NOT NULL DEFAULT FALSE,
					academic_session VARCHAR(20),
					term VARCHAR(20),
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL,
					UNIQUE(teacher_id, class_id, subject_id)
				);
				CREATE INDEX IF NOT EXISTS idx_teacher_assignments_teacher ON teacher_assignments(teacher_id, active);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_one_class_teacher
					ON teacher_assignments(school_id, class_id)
					WHERE is_class_teacher AND active;

				CREATE TABLE IF NOT EXISTS parent_student_links (
					id {{serial}},
					school_id BIGINT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
					parent_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
					relationship VARCHAR(50) NOT NULL DEFAULT 'guardian',
					can_view_grades BOOLEAN NOT NULL DEFAULT TRUE,
					can_view_attendance BOOLEAN NOT NULL DEFAULT TRUE,
					can_view_fees BOOLEAN NOT NULL DEFAULT TRUE,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at {{ts}} NOT NULL,
					UNIQUE(parent_id, student_id)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create scoped resources",
			SQL: `
				CREATE TABLE IF NOT EXISTS attendance (
					id {{serial}},
					school_id BIGINT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
					class_id BIGINT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
					student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
					date VARCHAR(10) NOT NULL,
					status VARCHAR(20) NOT NULL,
					marked_by BIGINT NOT NULL,
					created_at {{ts}} NOT NULL,
					UNIQUE(student_id, date)
				);

				CREATE TABLE IF NOT EXISTS grades (
					id {{serial}},
					school_id BIGINT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
					class_id BIGINT NOT NULL,
					student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
					subject_id BIGINT NOT NULL,
					term VARCHAR(20) NOT NULL,
					score NUMERIC(5,2) NOT NULL,
					created_at {{ts}} NOT NULL
				);

				CREATE TABLE IF NOT EXISTS student_fees (
					id {{serial}},
					school_id BIGINT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
					class_id BIGINT NOT NULL,
					student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
					description VARCHAR(255) NOT NULL,
					amount_due NUMERIC(12,2) NOT NULL,
					amount_paid NUMERIC(12,2) NOT NULL DEFAULT 0,
					created_at {{ts}} NOT NULL
				);

				CREATE TABLE IF NOT EXISTS announcements (
					id {{serial}},
					school_id BIGINT REFERENCES schools(id) ON DELETE CASCADE,
					title VARCHAR(255) NOT NULL,
					body TEXT NOT NULL,
					target_roles TEXT NOT NULL DEFAULT '[]',
					is_global BOOLEAN NOT NULL DEFAULT FALSE,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					published_at {{ts}},
					expires_at {{ts}},
					created_by BIGINT NOT NULL,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_announcements_school ON announcements(school_id, published_at);
			`,
		},
		{
			Version:     5,
			Description: "Create activity_logs",
			SQL: `
				CREATE TABLE IF NOT EXISTS activity_logs (
					id {{serial}},
					school_id BIGINT,
					user_id BIGINT,
					action VARCHAR(100) NOT NULL,
					entity_type VARCHAR(100),
					entity_id VARCHAR(100),
					old_values {{json}},
					new_values {{json}},
					ip_address VARCHAR(45),
					user_agent VARCHAR(500),
					description TEXT,
					created_at {{ts}} NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_activity_logs_school_created ON activity_logs(school_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_activity_logs_user_id ON activity_logs(user_id);
				CREATE INDEX IF NOT EXISTS idx_activity_logs_action ON activity_logs(action);
				CREATE INDEX IF NOT EXISTS idx_activity_logs_created_at ON activity_logs(created_at);
			`,
		},
		{
			Version:     6,
			Description: "Create impersonation_logs",
			SQL: `
				CREATE TABLE IF NOT EXISTS impersonation_logs (
					id {{serial}},
					super_admin_id BIGINT NOT NULL REFERENCES users(id),
					impersonated_user_id BIGINT NOT NULL REFERENCES users(id),
					school_id BIGINT,
					reason VARCHAR(500) NOT NULL,
					ip_address VARCHAR(45),
					user_agent VARCHAR(500),
					started_at {{ts}} NOT NULL,
					ended_at {{ts}},
					token_expires_at {{ts}} NOT NULL,
					actions_performed {{json}} NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_impersonation_owner ON impersonation_logs(super_admin_id, ended_at);
			`,
		},
		{
			Version:     7,
			Description: "Create platform_settings",
			SQL: `
				CREATE TABLE IF NOT EXISTS platform_settings (
					id {{serial}},
					key_name VARCHAR(100) NOT NULL UNIQUE,
					value TEXT,
					type VARCHAR(20) NOT NULL DEFAULT 'string',
					category VARCHAR(50) NOT NULL DEFAULT 'general',
					description TEXT,
					version BIGINT NOT NULL DEFAULT 1,
					updated_by BIGINT,
					updated_at {{ts}} NOT NULL
				);
			`,
		},
	}
}

// Migrate applies every migration not yet recorded in schema_migrations
func Migrate(ctx context.Context, db *DB) error {
	replacer, ok := columnTypes[db.Dialect]
	if !ok {
		return fmt.Errorf("no migrations for dialect %q", db.Dialect)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR(255) NOT NULL,
			applied_at `+replacer.Replace("{{ts}}")+` NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, replacer.Replace(m.SQL)); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
				m.Version, m.Description, Now(),
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
