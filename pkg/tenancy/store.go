package tenancy

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

// Store persists schools
type Store struct {
	db *database.DB
}

// NewStore creates a school store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const schoolColumns = `id, name, subdomain, domain, subscription_plan, license_valid_until, active, meta, created_at, updated_at`

// Create inserts a school. Plan defaults to basic and the license to one
// year from now.
func (s *Store) Create(ctx context.Context, school *School) error {
	if school.Name == "" {
		return fmt.Errorf("school name is required")
	}
	if school.SubscriptionPlan == "" {
		school.SubscriptionPlan = PlanBasic
	}
	if !school.SubscriptionPlan.Valid() {
		return fmt.Errorf("unknown subscription plan %q", school.SubscriptionPlan)
	}
	now := database.Now()
	if school.LicenseValidUntil == nil {
		until := now.AddDate(1, 0, 0)
		school.LicenseValidUntil = &until
	}
	meta, err := encodeMeta(school.Meta)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO schools (name, subdomain, domain, subscription_plan, license_valid_until, active, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, school.Name, nullString(school.Subdomain), nullString(school.Domain), string(school.SubscriptionPlan),
		database.NullTime(school.LicenseValidUntil), school.Active, meta, now, now).Scan(&school.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrSubdomainTaken, school.Subdomain)
		}
		return fmt.Errorf("failed to create school: %w", err)
	}
	school.CreatedAt, school.UpdatedAt = now, now
	return nil
}

// Get loads a school by id
func (s *Store) Get(ctx context.Context, id int64) (*School, error) {
	school, err := scanSchool(s.db.QueryRowContext(ctx, "SELECT "+schoolColumns+" FROM schools WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSchoolNotFound
	}
	return school, err
}

// List returns schools ordered by name with the total match count
func (s *Store) List(ctx context.Context, f ListFilter) ([]*School, int64, error) {
	where := " WHERE 1=1"
	var args []interface{}
	n := 1

	if f.ID != nil {
		where += fmt.Sprintf(" AND id = $%d", n)
		args = append(args, *f.ID)
		n++
	}
	if f.Active != nil {
		where += fmt.Sprintf(" AND active = $%d", n)
		args = append(args, *f.Active)
		n++
	}
	if f.Search != "" {
		where += fmt.Sprintf(" AND (LOWER(name) LIKE $%d OR LOWER(subdomain) LIKE $%d)", n, n)
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
		n++
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schools"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count schools: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	query := "SELECT " + schoolColumns + " FROM schools" + where +
		fmt.Sprintf(" ORDER BY name, id LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list schools: %w", err)
	}
	defer rows.Close()

	schools := make([]*School, 0)
	for rows.Next() {
		school, err := scanSchool(rows)
		if err != nil {
			return nil, 0, err
		}
		schools = append(schools, school)
	}
	return schools, total, rows.Err()
}

// Suspend deactivates a school and records when and why in its meta
func (s *Store) Suspend(ctx context.Context, id int64, reason string, at time.Time) (*School, error) {
	if reason == "" {
		reason = "No reason provided"
	}
	return s.update(ctx, id, func(school *School) {
		school.Active = false
		school.Meta["suspended_at"] = at.UTC().Format(time.RFC3339)
		school.Meta["suspended_reason"] = reason
	})
}

// Activate re-enables a school and clears the suspension details
func (s *Store) Activate(ctx context.Context, id int64, at time.Time) (*School, error) {
	return s.update(ctx, id, func(school *School) {
		school.Active = true
		delete(school.Meta, "suspended_at")
		delete(school.Meta, "suspended_reason")
		school.Meta["activated_at"] = at.UTC().Format(time.RFC3339)
	})
}

// UpdateLicense sets the license end and, when non-empty, the plan
func (s *Store) UpdateLicense(ctx context.Context, id int64, validUntil *time.Time, plan Plan) (*School, error) {
	if plan != "" && !plan.Valid() {
		return nil, fmt.Errorf("unknown subscription plan %q", plan)
	}
	return s.update(ctx, id, func(school *School) {
		school.LicenseValidUntil = validUntil
		if plan != "" {
			school.SubscriptionPlan = plan
		}
	})
}

// update applies fn to a locked copy of the school inside a transaction
func (s *Store) update(ctx context.Context, id int64, fn func(*School)) (*School, error) {
	var updated *School
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		school, err := scanSchool(tx.QueryRowContext(ctx,
			"SELECT "+schoolColumns+" FROM schools WHERE id = $1"+s.db.ForUpdate(), id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSchoolNotFound
		}
		if err != nil {
			return err
		}
		if school.Meta == nil {
			school.Meta = map[string]interface{}{}
		}
		fn(school)

		meta, err := encodeMeta(school.Meta)
		if err != nil {
			return err
		}
		school.UpdatedAt = database.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE schools SET subscription_plan = $1, license_valid_until = $2, active = $3, meta = $4, updated_at = $5
			WHERE id = $6
		`, string(school.SubscriptionPlan), database.NullTime(school.LicenseValidUntil), school.Active,
			meta, school.UpdatedAt, id); err != nil {
			return fmt.Errorf("failed to update school: %w", err)
		}
		updated = school
		return nil
	})
	return updated, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchool(row rowScanner) (*School, error) {
	var (
		school            School
		subdomain, domain sql.NullString
		plan              string
		license           sql.NullTime
		meta              sql.NullString
	)
	if err := row.Scan(&school.ID, &school.Name, &subdomain, &domain, &plan, &license,
		&school.Active, &meta, &school.CreatedAt, &school.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan school: %w", err)
	}
	school.Subdomain = subdomain.String
	school.Domain = domain.String
	school.SubscriptionPlan = Plan(plan)
	school.LicenseValidUntil = database.TimePtr(license)
	school.CreatedAt = school.CreatedAt.UTC()
	school.UpdatedAt = school.UpdatedAt.UTC()
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &school.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode school meta: %w", err)
		}
	}
	return &school, nil
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

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
