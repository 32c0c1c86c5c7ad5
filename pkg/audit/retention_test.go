package audit

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string]string
	err     error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	if f.objects == nil {
		f.objects = map[string]string{}
	}
	f.objects[aws.ToString(in.Key)] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func seedOld(t *testing.T, f *fixture, n int, at time.Time) []int64 {
	t.Helper()
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = f.log(t, &f.alpha, nil, ActionView, at.Add(time.Duration(i)*time.Minute), "")
	}
	return ids
}

func TestS3Archiver_Archive(t *testing.T) {
	client := &fakeS3{}
	a := newS3Archiver(client, "bucket", "")
	at := time.Date(2025, 2, 3, 4, 0, 0, 0, time.UTC)

	require.NoError(t, a.Archive(context.Background(), nil))
	assert.Empty(t, client.objects)

	require.NoError(t, a.Archive(context.Background(), []*Entry{
		{ID: 10, Action: ActionView, CreatedAt: at},
		{ID: 12, Action: ActionLogin, CreatedAt: at},
	}))
	body, ok := client.objects["activity-logs/2025/02/03/10-12.ndjson"]
	require.True(t, ok)
	assert.Contains(t, body, `"action":"login"`)

	client.err = errors.New("denied")
	assert.Error(t, a.Archive(context.Background(), []*Entry{{ID: 1, CreatedAt: at}}))
}

func TestNewS3ArchiverRequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), ArchiveConfig{})
	assert.Error(t, err)
}

func TestRetention_ArchivesThenDeletes(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seedOld(t, f, 5, now.AddDate(0, 0, -100))
	keep := f.log(t, &f.alpha, nil, ActionView, now.AddDate(0, 0, -1), "")

	client := &fakeS3{}
	logger, _ := test.NewNullLogger()
	r := NewRetention(f.logger, NewRecorder(f.logger, logger), logger,
		WithArchiver(newS3Archiver(client, "bucket", "archive")),
		WithRetentionDays(func(ctx context.Context) int { return 30 }),
		WithBatch(2, time.Minute),
	)
	r.now = func() time.Time { return now }

	res, err := r.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 30, res.Days)
	assert.Equal(t, int64(5), res.Archived)
	assert.Equal(t, int64(5), res.Deleted)
	assert.True(t, res.Complete)
	assert.Len(t, client.objects, 3)

	page, err := f.logger.Search(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, keep, page.Entries[0].ID)
}

func TestRetention_ArchiveFailureKeepsRows(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seedOld(t, f, 3, now.AddDate(0, 0, -400))

	logger, _ := test.NewNullLogger()
	r := NewRetention(f.logger, nil, logger,
		WithArchiver(newS3Archiver(&fakeS3{err: errors.New("unavailable")}, "bucket", "")))
	r.now = func() time.Time { return now }

	res, err := r.Run(context.Background(), 0)
	assert.Error(t, err)
	assert.Equal(t, DefaultRetentionDays, res.Days)
	assert.Zero(t, res.Deleted)

	page, err := f.logger.Search(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
}

func TestRetention_DeleteOnlyWithOverride(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seedOld(t, f, 4, now.AddDate(0, 0, -10))

	logger, _ := test.NewNullLogger()
	var cleaned int64
	r := NewRetention(f.logger, nil, logger, WithBatch(3, time.Minute),
		OnCleaned(func(n int64) { cleaned += n }))
	r.now = func() time.Time { return now }

	res, err := r.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Days)
	assert.Equal(t, int64(4), res.Deleted)
	assert.Equal(t, int64(4), cleaned)
	assert.True(t, res.Complete)

	entry := res.Entry()
	assert.Equal(t, ActionLogsCleaned, entry.Action)
	assert.Equal(t, int64(4), entry.NewValues["deleted"])
}

func TestRetention_Schedule(t *testing.T) {
	f := newFixture(t)
	logger, _ := test.NewNullLogger()
	r := NewRetention(f.logger, NewRecorder(f.logger, logger), logger)

	c := cron.New()
	id, err := r.Schedule(c, "@daily")
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = r.Schedule(c, "not a spec")
	assert.Error(t, err)
}
