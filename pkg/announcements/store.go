package announcements

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platinummonkey/schoolguard/pkg/database"
	"github.com/platinummonkey/schoolguard/pkg/scope"
)

// Columns are the scoping columns of an announcement listing. Global rows
// match every tenant.
var Columns = scope.Columns{
	School: "a.school_id",
	Global: "a.is_global",
}

// Store persists announcements
type Store struct {
	db *database.DB
}

// NewStore creates an announcement store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const selectAnnouncement = `
	SELECT a.id, a.school_id, a.title, a.body, a.target_roles, a.is_global, a.active,
		a.published_at, a.expires_at, a.created_by, a.created_at, a.updated_at, COALESCE(u.name, '')
	FROM announcements a
	LEFT JOIN users u ON u.id = a.created_by`

func scan(row interface{ Scan(...interface{}) error }) (*Announcement, error) {
	var (
		a         Announcement
		schoolID  sql.NullInt64
		roles     string
		published sql.NullTime
		expires   sql.NullTime
	)
	if err := row.Scan(&a.ID, &schoolID, &a.Title, &a.Body, &roles, &a.IsGlobal, &a.Active,
		&published, &expires, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt, &a.AuthorName); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roles), &a.TargetRoles); err != nil {
		return nil, fmt.Errorf("failed to decode target roles: %w", err)
	}
	a.SchoolID = database.Int64Ptr(schoolID)
	a.PublishedAt = database.TimePtr(published)
	a.ExpiresAt = database.TimePtr(expires)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// Create inserts a and fills its id and timestamps
func (s *Store) Create(ctx context.Context, a *Announcement) error {
	roles, err := json.Marshal(a.TargetRoles)
	if err != nil {
		return fmt.Errorf("failed to encode target roles: %w", err)
	}
	now := database.Now()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO announcements (school_id, title, body, target_roles, is_global, active,
			published_at, expires_at, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, database.NullInt64(a.SchoolID), a.Title, a.Body, string(roles), a.IsGlobal, a.Active,
		database.NullTime(a.PublishedAt), database.NullTime(a.ExpiresAt), a.CreatedBy, now, now).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to create announcement: %w", err)
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

// Get loads an announcement regardless of tenant
func (s *Store) Get(ctx context.Context, id int64) (*Announcement, error) {
	a, err := scan(s.db.QueryRowContext(ctx, selectAnnouncement+` WHERE a.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get announcement: %w", err)
	}
	return a, nil
}

// List returns the announcements pred allows, newest first, with the total
// match count. With an audience set only live announcements targeting it
// are returned.
func (s *Store) List(ctx context.Context, pred scope.Predicate, f ListFilter) ([]*Announcement, int64, error) {
	if pred.Empty() {
		return []*Announcement{}, 0, nil
	}
	where, args, n := pred.SQL(s.db, 1)
	if f.Audience != nil {
		where += fmt.Sprintf(` AND a.target_roles LIKE $%d AND a.active = TRUE
			AND a.published_at IS NOT NULL AND a.published_at <= $%d
			AND (a.expires_at IS NULL OR a.expires_at > $%d)`, n, n+1, n+1)
		args = append(args, `%"`+string(*f.Audience)+`"%`, f.Now.UTC())
		n += 2
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM announcements a WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count announcements: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, selectAnnouncement+" WHERE "+where+
		fmt.Sprintf(" ORDER BY a.published_at DESC, a.id DESC LIMIT $%d OFFSET $%d", n, n+1), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list announcements: %w", err)
	}
	defer rows.Close()

	out := make([]*Announcement, 0)
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan announcement: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// Update writes a's editable fields back
func (s *Store) Update(ctx context.Context, a *Announcement) error {
	roles, err := json.Marshal(a.TargetRoles)
	if err != nil {
		return fmt.Errorf("failed to encode target roles: %w", err)
	}
	now := database.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE announcements
		SET title = $1, body = $2, target_roles = $3, active = $4,
			published_at = $5, expires_at = $6, updated_at = $7
		WHERE id = $8
	`, a.Title, a.Body, string(roles), a.Active,
		database.NullTime(a.PublishedAt), database.NullTime(a.ExpiresAt), now, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update announcement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	a.UpdatedAt = now
	return nil
}

// Delete removes an announcement
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM announcements WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete announcement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

