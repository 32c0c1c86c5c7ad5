package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/schoolguard/pkg/database"
)

// ErrUserNotFound is returned when no user matches
var ErrUserNotFound = errors.New("user not found")

// UserFilter narrows a user directory listing
type UserFilter struct {
	SchoolID *int64
	Role     *Role
	Search   string
	Limit    int
	Offset   int
}

// UserStore persists principals
type UserStore struct {
	db *database.DB
}

// NewUserStore creates a user store
func NewUserStore(db *database.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, school_id, name, email, phone, password_hash, role, active, meta, last_login, created_at, updated_at`

// Create inserts a principal and fills in its id and timestamps
func (s *UserStore) Create(ctx context.Context, p *Principal) error {
	if !p.Role.Valid() {
		return fmt.Errorf("unknown role %q", p.Role)
	}
	if p.Role != RoleSuperAdmin && p.SchoolID == nil {
		return fmt.Errorf("role %s requires a school", p.Role)
	}

	meta, err := encodeMeta(p.Meta)
	if err != nil {
		return err
	}

	now := database.Now()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (school_id, name, email, phone, password_hash, role, active, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, database.NullInt64(p.SchoolID), p.Name, strings.ToLower(p.Email), p.Phone, p.PasswordHash,
		string(p.Role), p.Active, meta, now, now).Scan(&p.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("email already registered: %w", err)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

// GetByID loads a principal by id
func (s *UserStore) GetByID(ctx context.Context, id int64) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
	return scanUserRow(row)
}

// GetByEmail loads a principal by email, case-insensitively
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", strings.ToLower(email))
	return scanUserRow(row)
}

// GetByLogin loads a principal by email or phone, the two identifiers
// accepted at login
func (s *UserStore) GetByLogin(ctx context.Context, identifier string) (*Principal, error) {
	identifier = strings.TrimSpace(identifier)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1 OR phone = $2 ORDER BY id LIMIT 1",
		strings.ToLower(identifier), identifier)
	return scanUserRow(row)
}

// UpdateLastLogin records a successful login
func (s *UserStore) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login = $1 WHERE id = $2", at.UTC(), id); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// SetActive activates or deactivates a user
func (s *UserStore) SetActive(ctx context.Context, id int64, active bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET active = $1, updated_at = $2 WHERE id = $3", active, database.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// List returns users matching the filter, newest first
func (s *UserStore) List(ctx context.Context, f UserFilter) ([]*Principal, error) {
	query := "SELECT " + userColumns + " FROM users WHERE 1=1"
	var args []interface{}
	n := 1

	if f.SchoolID != nil {
		query += fmt.Sprintf(" AND school_id = $%d", n)
		args = append(args, *f.SchoolID)
		n++
	}
	if f.Role != nil {
		query += fmt.Sprintf(" AND role = $%d", n)
		args = append(args, string(*f.Role))
		n++
	}
	if f.Search != "" {
		query += fmt.Sprintf(" AND (LOWER(name) LIKE $%d OR LOWER(email) LIKE $%d)", n, n)
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
		n++
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*Principal
	for rows.Next() {
		p, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, p)
	}
	return users, rows.Err()
}

func scanUserRow(row *sql.Row) (*Principal, error) {
	p, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return p, err
}

func scanUser(row rowScanner) (*Principal, error) {
	var (
		p         Principal
		schoolID  sql.NullInt64
		phone     sql.NullString
		role      string
		meta      sql.NullString
		lastLogin sql.NullTime
	)
	if err := row.Scan(&p.ID, &schoolID, &p.Name, &p.Email, &phone, &p.PasswordHash, &role,
		&p.Active, &meta, &lastLogin, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	parsed, err := ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", p.ID, err)
	}
	p.Role = parsed
	p.SchoolID = database.Int64Ptr(schoolID)
	p.Phone = phone.String
	p.LastLogin = database.TimePtr(lastLogin)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &p.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode user meta: %w", err)
		}
	}
	return &p, nil
}

func encodeMeta(meta map[string]interface{}) (interface{}, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode meta: %w", err)
	}
	return string(b), nil
}
