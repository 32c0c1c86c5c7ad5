//go:build integration

package assignments

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/schoolguard/pkg/database"
)

func TestPostgres_ConcurrentClassTeacherPromotion(t *testing.T) {
	db := database.NewPostgresTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	school := database.InsertSchool(t, db, database.SchoolFixture{Name: "Alpha", Active: true})
	class := database.InsertClass(t, db, school, "JSS1-A")
	teachers := make([]int64, 8)
	for i := range teachers {
		teachers[i] = database.InsertUser(t, db, &school, "t"+string(rune('a'+i))+"@alpha.test", "teacher", "x", true)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(teachers))
	for i, teacher := range teachers {
		wg.Add(1)
		go func(i int, teacher int64) {
			defer wg.Done()
			_, errs[i] = store.Assign(ctx, &Assignment{SchoolID: school, TeacherID: teacher, ClassID: class, IsClassTeacher: true})
		}(i, teacher)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	holders, err := store.List(ctx, ListFilter{ClassID: &class, ClassTeacherOnly: true})
	require.NoError(t, err)
	assert.Len(t, holders, 1)

	all, err := store.List(ctx, ListFilter{ClassID: &class})
	require.NoError(t, err)
	assert.Len(t, all, len(teachers))
}

func TestPostgres_RelationshipQueries(t *testing.T) {
	db := database.NewPostgresTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	school := database.InsertSchool(t, db, database.SchoolFixture{Name: "Alpha", Active: true})
	class := database.InsertClass(t, db, school, "JSS1-A")
	teacher := database.InsertUser(t, db, &school, "ada@alpha.test", "teacher", "x", true)
	parent := database.InsertUser(t, db, &school, "parent@alpha.test", "parent", "x", true)
	student := database.InsertStudent(t, db, school, class, nil, "Pupil")

	_, err := store.Assign(ctx, &Assignment{SchoolID: school, TeacherID: teacher, ClassID: class, Term: "first"})
	require.NoError(t, err)
	require.NoError(t, store.Link(ctx, &ParentLink{SchoolID: school, ParentID: parent, StudentID: student, CanViewGrades: true}))

	ids, err := store.TeacherClassIDs(ctx, teacher)
	require.NoError(t, err)
	assert.Equal(t, []int64{class}, ids)

	caps, ok, err := store.ParentLink(ctx, parent, student)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, caps.Grades)
	assert.False(t, caps.Fees)
}
