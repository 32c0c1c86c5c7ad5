package audit

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

// ErrEntryNotFound is returned when no entry matches
var ErrEntryNotFound = errors.New("activity log entry not found")

// DBLogger stores entries in the activity_logs table and answers queries
// over it
type DBLogger struct {
	db *database.DB
}

// NewDBLogger creates a database-backed logger
func NewDBLogger(db *database.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log inserts an entry. Old and new values are redacted before storage.
func (l *DBLogger) Log(ctx context.Context, e *Entry) error {
	oldJSON, err := encodeValues(Redact(e.OldValues))
	if err != nil {
		return err
	}
	newJSON, err := encodeValues(Redact(e.NewValues))
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = database.Now()
	}

	err = l.db.QueryRowContext(ctx, `
		INSERT INTO activity_logs (
			school_id, user_id, action, entity_type, entity_id,
			old_values, new_values, ip_address, user_agent, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, database.NullInt64(e.SchoolID), database.NullInt64(e.UserID), e.Action,
		nullString(e.EntityType), nullString(e.EntityID), oldJSON, newJSON,
		nullString(e.IPAddress), nullString(TruncateUserAgent(e.UserAgent)),
		nullString(e.Description), e.CreatedAt.UTC(),
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert activity log: %w", err)
	}
	return nil
}

const entrySelect = `
	SELECT a.id, a.school_id, a.user_id, a.action, a.entity_type, a.entity_id,
	       a.old_values, a.new_values, a.ip_address, a.user_agent, a.description, a.created_at,
	       u.name, u.email, s.name
	FROM activity_logs a
	LEFT JOIN users u ON u.id = a.user_id
	LEFT JOIN schools s ON s.id = a.school_id`

// Search returns a page of entries matching f, newest first
func (l *DBLogger) Search(ctx context.Context, f Filter) (*Page, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	where, args, _ := l.buildWhere(f)
	var total int64
	countQuery := "SELECT COUNT(*) FROM activity_logs a LEFT JOIN users u ON u.id = a.user_id" + where
	if err := l.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count activity logs: %w", err)
	}

	entries, err := l.list(ctx, f, limit, offset)
	if err != nil {
		return nil, err
	}
	return &Page{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

// Export returns up to ExportLimit entries matching f, newest first
func (l *DBLogger) Export(ctx context.Context, f Filter) ([]*Entry, error) {
	return l.list(ctx, f, ExportLimit, 0)
}

// Get loads one entry
func (l *DBLogger) Get(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(l.db.QueryRowContext(ctx, entrySelect+" WHERE a.id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (l *DBLogger) list(ctx context.Context, f Filter, limit, offset int) ([]*Entry, error) {
	where, args, n := l.buildWhere(f)
	query := entrySelect + where +
		fmt.Sprintf(" ORDER BY a.created_at DESC, a.id DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// buildWhere renders f as a WHERE clause over alias a (activity_logs) and
// u (users). It returns the next free placeholder index.
func (l *DBLogger) buildWhere(f Filter) (string, []interface{}, int) {
	var (
		conds []string
		args  []interface{}
	)
	n := 1

	if f.SchoolID != nil {
		conds = append(conds, fmt.Sprintf("a.school_id = $%d", n))
		args = append(args, *f.SchoolID)
		n++
	}
	if f.UserID != nil {
		conds = append(conds, fmt.Sprintf("a.user_id = $%d", n))
		args = append(args, *f.UserID)
		n++
	}
	if f.Action != "" {
		conds = append(conds, fmt.Sprintf("a.action = $%d", n))
		args = append(args, f.Action)
		n++
	}
	if f.Actions != nil {
		frag, inArgs, next := l.db.InString("a.action", n, f.Actions)
		if f.OrSystemWide {
			frag = "(" + frag + " OR a.school_id IS NULL)"
		}
		conds = append(conds, frag)
		args = append(args, inArgs...)
		n = next
	}
	if f.EntityType != "" {
		conds = append(conds, fmt.Sprintf("a.entity_type = $%d", n))
		args = append(args, f.EntityType)
		n++
	}
	if f.Since != nil {
		conds = append(conds, fmt.Sprintf("a.created_at >= $%d", n))
		args = append(args, f.Since.UTC())
		n++
	}
	if f.Until != nil {
		conds = append(conds, fmt.Sprintf("a.created_at < $%d", n))
		args = append(args, f.Until.UTC())
		n++
	}
	if f.Search != "" {
		conds = append(conds, fmt.Sprintf(
			"(LOWER(a.description) LIKE $%d OR LOWER(a.action) LIKE $%d OR LOWER(u.name) LIKE $%d OR LOWER(u.email) LIKE $%d)",
			n, n, n, n))
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
		n++
	}

	if len(conds) == 0 {
		return "", args, n
	}
	return " WHERE " + strings.Join(conds, " AND "), args, n
}

// Stats summarises entries created at or after since
func (l *DBLogger) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	since = since.UTC()
	stats := &Stats{Since: since}

	if err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM activity_logs WHERE created_at >= $1", since).Scan(&stats.TotalLogs); err != nil {
		return nil, fmt.Errorf("failed to count activity logs: %w", err)
	}
	if err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM activity_logs WHERE created_at >= $1 AND action = $2",
		since, ActionLoginFailed).Scan(&stats.FailedLogins); err != nil {
		return nil, fmt.Errorf("failed to count failed logins: %w", err)
	}

	byAction, err := l.db.QueryContext(ctx, `
		SELECT action, COUNT(*) AS cnt FROM activity_logs
		WHERE created_at >= $1
		GROUP BY action ORDER BY cnt DESC, action LIMIT 20`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to group by action: %w", err)
	}
	stats.ByAction = make([]ActionCount, 0)
	for byAction.Next() {
		var c ActionCount
		if err := byAction.Scan(&c.Action, &c.Count); err != nil {
			byAction.Close()
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		stats.ByAction = append(stats.ByAction, c)
	}
	byAction.Close()

	bySchool, err := l.db.QueryContext(ctx, `
		SELECT a.school_id, COALESCE(s.name, ''), COUNT(*) AS cnt
		FROM activity_logs a LEFT JOIN schools s ON s.id = a.school_id
		WHERE a.created_at >= $1 AND a.school_id IS NOT NULL
		GROUP BY a.school_id, s.name ORDER BY cnt DESC, a.school_id LIMIT 10`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to group by school: %w", err)
	}
	stats.BySchool = make([]SchoolCount, 0)
	for bySchool.Next() {
		var c SchoolCount
		if err := bySchool.Scan(&c.SchoolID, &c.SchoolName, &c.Count); err != nil {
			bySchool.Close()
			return nil, fmt.Errorf("failed to scan school count: %w", err)
		}
		stats.BySchool = append(stats.BySchool, c)
	}
	bySchool.Close()

	daily, err := l.db.QueryContext(ctx, `
		SELECT CAST(DATE(created_at) AS TEXT) AS day, COUNT(*)
		FROM activity_logs WHERE created_at >= $1
		GROUP BY day ORDER BY day`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to group by day: %w", err)
	}
	defer daily.Close()
	stats.Daily = make([]DayCount, 0)
	for daily.Next() {
		var c DayCount
		if err := daily.Scan(&c.Date, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan daily count: %w", err)
		}
		stats.Daily = append(stats.Daily, c)
	}
	return stats, daily.Err()
}

// ActionTypes returns every distinct action, sorted
func (l *DBLogger) ActionTypes(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT DISTINCT action FROM activity_logs ORDER BY action")
	if err != nil {
		return nil, fmt.Errorf("failed to list action types: %w", err)
	}
	defer rows.Close()

	actions := make([]string, 0)
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ListBefore returns up to limit entries created before cutoff with id
// greater than afterID, oldest id first
func (l *DBLogger) ListBefore(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, entrySelect+`
		WHERE a.created_at < $1 AND a.id > $2
		ORDER BY a.id LIMIT $3`, cutoff.UTC(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired activity logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteIDs removes the given entries
func (l *DBLogger) DeleteIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	frag, args, _ := l.db.InInt64("id", 1, ids)
	result, err := l.db.ExecContext(ctx, "DELETE FROM activity_logs WHERE "+frag, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete activity logs: %w", err)
	}
	return result.RowsAffected()
}

// DeleteBefore removes entries older than cutoff in batches of batchSize
// until none remain, ctx is done or maxDuration elapses. It returns the
// number of rows deleted so far even when it stops early.
func (l *DBLogger) DeleteBefore(ctx context.Context, cutoff time.Time, batchSize int, maxDuration time.Duration) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	deadline := time.Now().Add(maxDuration)
	var total int64
	for {
		if maxDuration > 0 && time.Now().After(deadline) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
		result, err := l.db.ExecContext(ctx, `
			DELETE FROM activity_logs WHERE id IN (
				SELECT id FROM activity_logs WHERE created_at < $1 ORDER BY id LIMIT $2
			)`, cutoff.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete activity logs: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                               Entry
		schoolID, userID                sql.NullInt64
		entityType, entityID            sql.NullString
		oldValues, newValues            sql.NullString
		ip, ua, desc                    sql.NullString
		userName, userEmail, schoolName sql.NullString
	)
	err := row.Scan(&e.ID, &schoolID, &userID, &e.Action, &entityType, &entityID,
		&oldValues, &newValues, &ip, &ua, &desc, &e.CreatedAt,
		&userName, &userEmail, &schoolName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan activity log: %w", err)
	}

	e.SchoolID = database.Int64Ptr(schoolID)
	e.UserID = database.Int64Ptr(userID)
	e.EntityType = entityType.String
	e.EntityID = entityID.String
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	e.Description = desc.String
	e.UserName = userName.String
	e.UserEmail = userEmail.String
	e.SchoolName = schoolName.String
	e.CreatedAt = e.CreatedAt.UTC()

	if e.OldValues, err = decodeValues(oldValues); err != nil {
		return nil, err
	}
	if e.NewValues, err = decodeValues(newValues); err != nil {
		return nil, err
	}
	return &e, nil
}

func encodeValues(v map[string]interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode values: %w", err)
	}
	return string(b), nil
}

func decodeValues(s sql.NullString) (map[string]interface{}, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, fmt.Errorf("failed to decode values: %w", err)
	}
	return v, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
