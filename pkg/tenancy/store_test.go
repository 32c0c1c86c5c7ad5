package tenancy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/schoolguard/pkg/database"
)

func TestSchool_AccessState(t *testing.T) {
	now := time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name   string
		school School
		want   AccessState
	}{
		{"active without license end", School{Active: true}, AccessAllowed},
		{"active with future license", School{Active: true, LicenseValidUntil: &future}, AccessAllowed},
		{"active with expired license", School{Active: true, LicenseValidUntil: &past}, AccessLicenseExpired},
		{"inactive", School{Active: false, LicenseValidUntil: &future}, AccessInactive},
		{"inactive wins over expired", School{Active: false, LicenseValidUntil: &past}, AccessInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.school.AccessState(now))
		})
	}
}

func TestPlan_Valid(t *testing.T) {
	assert.True(t, PlanBasic.Valid())
	assert.True(t, PlanEnterprise.Valid())
	assert.False(t, Plan("gold").Valid())
	assert.False(t, Plan("").Valid())
}

func TestStore_CreateDefaults(t *testing.T) {
	store := NewStore(database.NewTestDB(t))
	ctx := context.Background()

	school := &School{Name: "Hillside", Subdomain: "hillside", Active: true}
	require.NoError(t, store.Create(ctx, school))
	assert.NotZero(t, school.ID)
	assert.Equal(t, PlanBasic, school.SubscriptionPlan)
	require.NotNil(t, school.LicenseValidUntil)
	assert.WithinDuration(t, time.Now().AddDate(1, 0, 0), *school.LicenseValidUntil, time.Minute)

	got, err := store.Get(ctx, school.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hillside", got.Name)
	assert.Equal(t, "hillside", got.Subdomain)
	assert.True(t, got.Active)
}

func TestStore_CreateRejectsDuplicateSubdomain(t *testing.T) {
	store := NewStore(database.NewTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &School{Name: "One", Subdomain: "dup"}))
	err := store.Create(ctx, &School{Name: "Two", Subdomain: "dup"})
	assert.ErrorIs(t, err, ErrSubdomainTaken)
}

func TestStore_CreateRejectsUnknownPlan(t *testing.T) {
	store := NewStore(database.NewTestDB(t))
	err := store.Create(context.Background(), &School{Name: "X", SubscriptionPlan: "gold"})
	assert.Error(t, err)
}

func TestStore_GetMissing(t *testing.T) {
	store := NewStore(database.NewTestDB(t))
	_, err := store.Get(context.Background(), 404)
	assert.ErrorIs(t, err, ErrSchoolNotFound)
}

func TestStore_List(t *testing.T) {
	store := NewStore(database.NewTestDB(t))
	ctx := context.Background()

	for _, s := range []*School{
		{Name: "Beta Academy", Subdomain: "beta", Active: true},
		{Name: "Alpha High", Subdomain: "alpha", Active: true},
		{Name: "Gamma College", Subdomain: "gamma", Active: false},
	} {
		require.NoError(t, store.Create(ctx, s))
	}

	t.Run("ordered by name", func(t *testing.T) {
		schools, total, err := store.List(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, schools, 3)
		assert.Equal(t, "Alpha High", schools[0].Name)
		assert.Equal(t, "Gamma College", schools[2].Name)
	})

	t.Run("active filter", func(t *testing.T) {
		active := false
		schools, total, err := store.List(ctx, ListFilter{Active: &active})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Equal(t, "Gamma College", schools[0].Name)
	})

	t.Run("search matches name or subdomain", func(t *testing.T) {
		_, total, err := store.List(ctx, ListFilter{Search: "ACAD"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)

		_, total, err = store.List(ctx, ListFilter{Search: "gam"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
	})

	t.Run("paging keeps the total", func(t *testing.T) {
		schools, total, err := store.List(ctx, ListFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		assert.Len(t, schools, 1)
	})
}

func TestStore_SuspendAndActivate(t *testing.T) {
	store := NewStore(database.NewTestDB(t))
	ctx := context.Background()
	school := &School{Name: "Hillside", Active: true, Meta: map[string]interface{}{"motto": "learn"}}
	require.NoError(t, store.Create(ctx, school))

	at := time.Date(2026, 4, 20, 9, 30, 0, 0, time.UTC)
	suspended, err := store.Suspend(ctx, school.ID, "", at)
	require.NoError(t, err)
	assert.False(t, suspended.Active)
	assert.Equal(t, "No reason provided", suspended.Meta["suspended_reason"])
	assert.Equal(t, "2026-04-20T09:30:00Z", suspended.Meta["suspended_at"])
	assert.Equal(t, "learn", suspended.Meta["motto"])

	stored, err := store.Get(ctx, school.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, AccessInactive, stored.AccessState(at))

	activated, err := store.Activate(ctx, school.ID, at.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, activated.Active)
	assert.NotContains(t, activated.Meta, "suspended_reason")
	assert.NotContains(t, activated.Meta, "suspended_at")
	assert.Equal(t, "2026-04-20T10:30:00Z", activated.Meta["activated_at"])
	assert.Equal(t, "learn", activated.Meta["motto"])
}

func TestStore_UpdateLicense(t *testing.T) {
	store := NewStore(database.NewTestDB(t))
	ctx := context.Background()
	school := &School{Name: "Hillside", Active: true}
	require.NoError(t, store.Create(ctx, school))

	until := time.Date(2027, 1, 31, 23, 59, 59, 0, time.UTC)
	updated, err := store.UpdateLicense(ctx, school.ID, &until, PlanPremium)
	require.NoError(t, err)
	assert.Equal(t, PlanPremium, updated.SubscriptionPlan)

	stored, err := store.Get(ctx, school.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LicenseValidUntil)
	assert.True(t, until.Equal(*stored.LicenseValidUntil))
	assert.Equal(t, PlanPremium, stored.SubscriptionPlan)

	// empty plan keeps the current one
	_, err = store.UpdateLicense(ctx, school.ID, &until, "")
	require.NoError(t, err)
	stored, err = store.Get(ctx, school.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanPremium, stored.SubscriptionPlan)

	_, err = store.UpdateLicense(ctx, 9999, &until, "")
	assert.ErrorIs(t, err, ErrSchoolNotFound)
}
