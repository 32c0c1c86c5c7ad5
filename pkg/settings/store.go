package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/schoolguard/pkg/database"
)

// Store persists platform settings
type Store struct {
	db *database.DB
}

// NewStore creates a settings store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const selectSetting = `SELECT key_name, COALESCE(value, ''), type, category, COALESCE(description, ''),
	version, updated_by, updated_at FROM platform_settings`

func scanSetting(row interface{ Scan(...interface{}) error }) (*Setting, error) {
	var (
		s         Setting
		typ       string
		updatedBy sql.NullInt64
	)
	if err := row.Scan(&s.Key, &s.Value, &typ, &s.Category, &s.Description, &s.Version, &updatedBy, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Type = Type(typ)
	s.UpdatedBy = database.Int64Ptr(updatedBy)
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// Get loads one setting
func (st *Store) Get(ctx context.Context, key string) (*Setting, error) {
	s, err := scanSetting(st.db.QueryRowContext(ctx, selectSetting+` WHERE key_name = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return s, nil
}

// List returns every setting, optionally of one category, ordered by key
func (st *Store) List(ctx context.Context, category string) ([]*Setting, error) {
	query := selectSetting
	var args []interface{}
	if category != "" {
		query += ` WHERE category = $1`
		args = append(args, category)
	}
	rows, err := st.db.QueryContext(ctx, query+` ORDER BY category, key_name`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := make([]*Setting, 0)
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Put writes s and bumps its version. A non-zero expected version must
// match the stored one or the write fails with ErrVersionConflict. On
// success s carries the new version and timestamp.
func (st *Store) Put(ctx context.Context, s *Setting, expected int64) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return st.db.WithTx(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM platform_settings WHERE key_name = $1`+st.db.ForUpdate(), s.Key).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = 0
		case err != nil:
			return fmt.Errorf("failed to lock setting %s: %w", s.Key, err)
		}
		if expected != 0 && expected != current {
			return ErrVersionConflict
		}

		now := database.Now()
		err = tx.QueryRowContext(ctx, `
			INSERT INTO platform_settings (key_name, value, type, category, description, version, updated_by, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
			ON CONFLICT (key_name) DO UPDATE SET
				value = excluded.value,
				type = excluded.type,
				category = excluded.category,
				description = excluded.description,
				version = platform_settings.version + 1,
				updated_by = excluded.updated_by,
				updated_at = excluded.updated_at
			RETURNING version
		`, s.Key, s.Value, string(s.Type), s.Category, s.Description, database.NullInt64(s.UpdatedBy), now).Scan(&s.Version)
		if err != nil {
			return fmt.Errorf("failed to write setting %s: %w", s.Key, err)
		}
		s.UpdatedAt = now
		return nil
	})
}

// SeedDefaults inserts every default that is not already present
func (st *Store) SeedDefaults(ctx context.Context) error {
	now := database.Now()
	for _, s := range Defaults() {
		_, err := st.db.ExecContext(ctx, `
			INSERT INTO platform_settings (key_name, value, type, category, description, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6)
			ON CONFLICT (key_name) DO NOTHING
		`, s.Key, s.Value, string(s.Type), s.Category, s.Description, now)
		if err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", s.Key, err)
		}
	}
	return nil
}
