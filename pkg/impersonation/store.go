package impersonation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/schoolguard/pkg/database"
)

// Store persists impersonation sessions
type Store struct {
	db *database.DB
}

// NewStore creates a session store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const sessionSelect = `
	SELECT l.id, l.super_admin_id, l.impersonated_user_id, l.school_id, l.reason,
		l.ip_address, l.user_agent, l.started_at, l.ended_at, l.token_expires_at,
		l.actions_performed, COALESCE(a.name, ''), COALESCE(u.name, ''), COALESCE(u.role, ''),
		COALESCE(s.name, '')
	FROM impersonation_logs l
	LEFT JOIN users a ON a.id = l.super_admin_id
	LEFT JOIN users u ON u.id = l.impersonated_user_id
	LEFT JOIN schools s ON s.id = l.school_id`

// Create inserts an active session in a single statement
func (s *Store) Create(ctx context.Context, session *Session) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = database.Now()
	}
	session.Actions = []Action{}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO impersonation_logs (super_admin_id, impersonated_user_id, school_id, reason,
			ip_address, user_agent, started_at, token_expires_at, actions_performed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, session.SuperAdminID, session.ImpersonatedUserID, database.NullInt64(session.SchoolID), session.Reason,
		session.IPAddress, session.UserAgent, session.StartedAt.UTC(), session.TokenExpiresAt.UTC(), "[]").Scan(&session.ID)
	if err != nil {
		return fmt.Errorf("failed to create impersonation session: %w", err)
	}
	return nil
}

// Get loads a session by id
func (s *Store) Get(ctx context.Context, id int64) (*Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, sessionSelect+" WHERE l.id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

// End closes a session owned by superAdminID. ended is false when it had
// already ended; ended_at is never rewritten.
func (s *Store) End(ctx context.Context, id, superAdminID int64, at time.Time) (ended bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE impersonation_logs SET ended_at = $1
		WHERE id = $2 AND super_admin_id = $3 AND ended_at IS NULL
	`, at.UTC(), id, superAdminID)
	if err != nil {
		return false, fmt.Errorf("failed to end impersonation session: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	var owner int64
	err = s.db.QueryRowContext(ctx, "SELECT super_admin_id FROM impersonation_logs WHERE id = $1", id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != superAdminID) {
		return false, ErrSessionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load impersonation session: %w", err)
	}
	return false, nil
}

// Expire closes a session at its credential expiry, if still active
func (s *Store) Expire(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE impersonation_logs SET ended_at = token_expires_at
		WHERE id = $1 AND ended_at IS NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to expire impersonation session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListExpired returns ids of active sessions whose credential expired at
// or before now, oldest first
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM impersonation_logs
		WHERE ended_at IS NULL AND token_expires_at <= $1
		ORDER BY token_expires_at, id
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired impersonation sessions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendAction adds a to an active session's trail. It reports false when
// the session is missing or ended.
func (s *Store) AppendAction(ctx context.Context, id int64, a Action) (bool, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return false, err
	}

	var query string
	switch s.db.Dialect {
	case database.Postgres:
		query = `UPDATE impersonation_logs
			SET actions_performed = actions_performed || jsonb_build_array($1::jsonb)
			WHERE id = $2 AND ended_at IS NULL`
	default:
		query = `UPDATE impersonation_logs
			SET actions_performed = json_insert(actions_performed, '$[#]', json($1))
			WHERE id = $2 AND ended_at IS NULL`
	}
	res, err := s.db.ExecContext(ctx, query, string(raw), id)
	if err != nil {
		return false, fmt.Errorf("failed to record impersonation action: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns sessions newest first with the total match count
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Session, int64, error) {
	where := " WHERE 1=1"
	var args []interface{}
	n := 1
	if f.SuperAdminID != nil {
		where += fmt.Sprintf(" AND l.super_admin_id = $%d", n)
		args = append(args, *f.SuperAdminID)
		n++
	}
	if f.ActiveOnly {
		where += " AND l.ended_at IS NULL"
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM impersonation_logs l"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count impersonation sessions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	query := sessionSelect + where + fmt.Sprintf(" ORDER BY l.started_at DESC, l.id DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list impersonation sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, session)
	}
	return sessions, total, rows.Err()
}

// CountActive returns the number of sessions that have not ended
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM impersonation_logs WHERE ended_at IS NULL").Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		session  Session
		schoolID sql.NullInt64
		ip, ua   sql.NullString
		endedAt  sql.NullTime
		actions  []byte
	)
	err := row.Scan(&session.ID, &session.SuperAdminID, &session.ImpersonatedUserID, &schoolID, &session.Reason,
		&ip, &ua, &session.StartedAt, &endedAt, &session.TokenExpiresAt, &actions,
		&session.SuperAdminName, &session.ImpersonatedName, &session.ImpersonatedRole, &session.SchoolName)
	if err != nil {
		return nil, err
	}
	session.SchoolID = database.Int64Ptr(schoolID)
	session.IPAddress = ip.String
	session.UserAgent = ua.String
	session.StartedAt = session.StartedAt.UTC()
	session.EndedAt = database.TimePtr(endedAt)
	session.TokenExpiresAt = session.TokenExpiresAt.UTC()
	session.Actions = []Action{}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &session.Actions); err != nil {
			return nil, fmt.Errorf("failed to decode actions_performed: %w", err)
		}
	}
	return &session, nil
}
