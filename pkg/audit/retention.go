package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRetentionDays applies when no retention setting is available
	DefaultRetentionDays = 365

	defaultCleanupBatch    = 1000
	defaultCleanupDuration = 30 * time.Second
)

// RetentionStore is the subset of DBLogger the retention job needs
type RetentionStore interface {
	ListBefore(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]*Entry, error)
	DeleteIDs(ctx context.Context, ids []int64) (int64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time, batchSize int, maxDuration time.Duration) (int64, error)
}

// CleanupResult describes one retention run
type CleanupResult struct {
	Cutoff   time.Time `json:"cutoff"`
	Days     int       `json:"retention_days"`
	Archived int64     `json:"archived"`
	Deleted  int64     `json:"deleted"`
	// Complete is false when the run stopped at its time box with rows left
	Complete bool `json:"complete"`
}

// Retention deletes entries older than the retention period, archiving each
// batch first when an Archiver is configured. A batch is only deleted after
// its archive upload succeeded.
type Retention struct {
	store       RetentionStore
	archiver    Archiver
	days        func(ctx context.Context) int
	recorder    *Recorder
	logger      *logrus.Logger
	batchSize   int
	maxDuration time.Duration
	onCleaned   func(deleted int64)
	now         func() time.Time
}

// RetentionOption configures a Retention
type RetentionOption func(*Retention)

// WithArchiver archives batches before deleting them
func WithArchiver(a Archiver) RetentionOption {
	return func(r *Retention) { r.archiver = a }
}

// WithRetentionDays sets the source of the retention period
func WithRetentionDays(fn func(ctx context.Context) int) RetentionOption {
	return func(r *Retention) { r.days = fn }
}

// WithBatch sets the batch size and the time box of a run
func WithBatch(size int, maxDuration time.Duration) RetentionOption {
	return func(r *Retention) {
		r.batchSize = size
		r.maxDuration = maxDuration
	}
}

// OnCleaned registers a callback run after each pass with the number of
// rows deleted, including partial passes that failed midway
func OnCleaned(fn func(deleted int64)) RetentionOption {
	return func(r *Retention) { r.onCleaned = fn }
}

// NewRetention creates a retention job
func NewRetention(store RetentionStore, recorder *Recorder, logger *logrus.Logger, opts ...RetentionOption) *Retention {
	r := &Retention{
		store:       store,
		recorder:    recorder,
		logger:      logger,
		batchSize:   defaultCleanupBatch,
		maxDuration: defaultCleanupDuration,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Days resolves the retention period. days > 0 overrides the configured one.
func (r *Retention) Days(ctx context.Context, days int) int {
	if days > 0 {
		return days
	}
	if r.days != nil {
		if d := r.days(ctx); d > 0 {
			return d
		}
	}
	return DefaultRetentionDays
}

// Run performs one time-boxed cleanup pass
func (r *Retention) Run(ctx context.Context, days int) (*CleanupResult, error) {
	res, err := r.run(ctx, days)
	if r.onCleaned != nil && res != nil && res.Deleted > 0 {
		r.onCleaned(res.Deleted)
	}
	return res, err
}

func (r *Retention) run(ctx context.Context, days int) (*CleanupResult, error) {
	days = r.Days(ctx, days)
	res := &CleanupResult{
		Days:   days,
		Cutoff: r.now().UTC().AddDate(0, 0, -days),
	}

	if r.archiver == nil {
		n, err := r.store.DeleteBefore(ctx, res.Cutoff, r.batchSize, r.maxDuration)
		res.Deleted = n
		if err != nil {
			return res, err
		}
		remaining, err := r.store.ListBefore(ctx, res.Cutoff, 0, 1)
		if err != nil {
			return res, err
		}
		res.Complete = len(remaining) == 0
		return res, nil
	}

	deadline := r.now().Add(r.maxDuration)
	var afterID int64
	for {
		if r.now().After(deadline) {
			return res, nil
		}
		batch, err := r.store.ListBefore(ctx, res.Cutoff, afterID, r.batchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			res.Complete = true
			return res, nil
		}
		if err := r.archiver.Archive(ctx, batch); err != nil {
			return res, err
		}
		res.Archived += int64(len(batch))

		ids := make([]int64, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		n, err := r.store.DeleteIDs(ctx, ids)
		res.Deleted += n
		if err != nil {
			return res, err
		}
		afterID = ids[len(ids)-1]
		if len(batch) < r.batchSize {
			res.Complete = true
			return res, nil
		}
	}
}

// Entry builds the logs_cleaned entry describing res
func (res *CleanupResult) Entry() *Entry {
	return &Entry{
		Action:      ActionLogsCleaned,
		Description: fmt.Sprintf("Deleted %d activity logs older than %d days", res.Deleted, res.Days),
		NewValues: map[string]interface{}{
			"cutoff":         res.Cutoff.Format(time.RFC3339),
			"retention_days": res.Days,
			"archived":       res.Archived,
			"deleted":        res.Deleted,
			"complete":       res.Complete,
		},
	}
}

// Schedule registers the job on c with a cron spec
func (r *Retention) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.maxDuration+30*time.Second)
		defer cancel()

		res, err := r.Run(ctx, 0)
		if err != nil {
			r.logger.WithError(err).Error("activity log retention failed")
		}
		if res != nil && res.Deleted > 0 {
			r.recorder.Record(ctx, res.Entry())
		}
		if res != nil {
			r.logger.WithFields(logrus.Fields{
				"cutoff":   res.Cutoff,
				"archived": res.Archived,
				"deleted":  res.Deleted,
				"complete": res.Complete,
			}).Info("activity log retention finished")
		}
	})
}
