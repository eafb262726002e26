// Package runcontrol implements the Run Controller (C9): per-job-kind
// mutual exclusion, run bookkeeping, and staleness reconciliation across the
// dedicated worker executor and the request-serving executor. Grounded on
// internal/orchestrator/dedupe.go's RedisDedupeStore — the same
// SET-with-TTL-and-ping shape, generalized from an idempotency cache to a
// mutual-exclusion lock with owner-checked
// release/refresh.
package runcontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"archivecore/internal/archive"
	"archivecore/internal/config"
	"archivecore/internal/errs"
)

// Locker is the distributed mutual-exclusion primitive backing one job
// kind's single-active-run flag across however many processes are
// running the worker executor. A lock's TTL doubles as the staleness window:
// a crashed holder's lock expires on its own.
type Locker interface {
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
	Held(ctx context.Context, key string) (bool, error)
}

// Controller coordinates AnalysisRun bookkeeping with the distributed lock
// for one of the three job kinds (discussion analysis, topic classification,
// reindex).
type Controller struct {
	runs archive.RunRepo
	lock Locker
	cfg  config.RunsConfig
	now  func() time.Time
}

// Option configures a Controller, following the Embedding Indexer's
// WithSleeper precedent: only added because tests genuinely need to
// fast-forward past the staleness window without a real 2-minute sleep.
type Option func(*Controller)

// WithClock overrides the Controller's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New builds a Controller over runs and lock, tuned by cfg.
func New(runs archive.RunRepo, lock Locker, cfg config.RunsConfig, opts ...Option) *Controller {
	c := &Controller{runs: runs, lock: lock, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) staleAfter() time.Duration {
	if c.cfg.StaleAfterSeconds > 0 {
		return time.Duration(c.cfg.StaleAfterSeconds) * time.Second
	}
	return 2 * time.Minute
}

// lockKey scopes discussion analysis per room, but keeps topic classification
// and reindex global — only one topic-classification run and one reindex
// may be active at once across the whole deployment — even though a
// classification run's AnalysisRun record still carries its room id.
func lockKey(kind archive.RunKind, roomID string) string {
	if kind == archive.RunKindDiscussionAnalysis {
		return string(kind) + ":" + roomID
	}
	return string(kind)
}

// reconcileStale applies the stale-detection rule: on any
// status read (and before any new Start), if the latest running record's
// lock is no longer held and it started longer ago than the staleness
// window, rewrite it to failed.
func (c *Controller) reconcileStale(ctx context.Context, roomID string, kind archive.RunKind) error {
	run, ok, err := c.runs.LatestRunning(ctx, roomID, kind)
	if err != nil || !ok {
		return err
	}
	held, err := c.lock.Held(ctx, lockKey(kind, roomID))
	if err != nil {
		return fmt.Errorf("check lock held: %w", err)
	}
	if held {
		return nil
	}
	if c.now().Sub(run.StartedAt) <= c.staleAfter() {
		return nil
	}
	log.Warn().Str("run_id", run.ID).Str("kind", string(kind)).Str("room_id", roomID).
		Msg("run controller: no heartbeat within staleness window, marking run failed")
	return c.runs.MarkFailed(ctx, run.ID, "stale: run lock expired without a terminal status update")
}

// Start attempts to begin a new run of kind for runID, room-scoped by
// roomID (pass "" for the globally-scoped kinds). It reconciles any stale
// prior run of the same kind first, then acquires the lock; failure to
// acquire surfaces errs.Conflict.
func (c *Controller) Start(ctx context.Context, roomID string, kind archive.RunKind, mode, runID string) (archive.AnalysisRun, error) {
	if err := c.reconcileStale(ctx, roomID, kind); err != nil {
		return archive.AnalysisRun{}, err
	}
	key := lockKey(kind, roomID)
	ttl := c.staleAfter()
	acquired, err := c.lock.TryAcquire(ctx, key, runID, ttl)
	if err != nil {
		return archive.AnalysisRun{}, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		return archive.AnalysisRun{}, errs.Conflict(fmt.Sprintf("a %s run is already active", kind), nil)
	}
	run, err := c.runs.Create(ctx, archive.AnalysisRun{
		ID:        runID,
		RoomID:    roomID,
		Kind:      kind,
		Status:    archive.RunStatusRunning,
		Mode:      mode,
		StartedAt: c.now(),
	})
	if err != nil {
		if relErr := c.lock.Release(ctx, key, runID); relErr != nil {
			log.Warn().Err(relErr).Str("run_id", runID).Msg("run controller: lock release after failed create also failed")
		}
		return archive.AnalysisRun{}, fmt.Errorf("create run record: %w", err)
	}
	return run, nil
}

// Heartbeat refreshes both the lock's TTL and the run record's progress
// counter, the worker's signal that it is still alive — a killed worker
// simply stops heartbeating and the lock expires on its own.
func (c *Controller) Heartbeat(ctx context.Context, runID string, progress int) error {
	run, ok, err := c.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("run not found", nil)
	}
	if _, err := c.lock.Refresh(ctx, lockKey(run.Kind, run.RoomID), runID, c.staleAfter()); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("run controller: lock refresh failed, continuing")
	}
	return c.runs.Heartbeat(ctx, runID, progress)
}

// Complete marks runID terminally successful and releases its lock. When
// startMessageID/endMessageID are non-empty (discussion-analysis runs), it
// first persists them as the run's covered message range, so a later
// incremental run can find its cut via LatestCompletedWithCut.
func (c *Controller) Complete(ctx context.Context, runID, startMessageID, endMessageID string) error {
	return c.finish(ctx, runID, func(run archive.AnalysisRun) error {
		if startMessageID != "" || endMessageID != "" {
			if err := c.runs.SetMessageRange(ctx, runID, startMessageID, endMessageID); err != nil {
				return fmt.Errorf("set message range: %w", err)
			}
		}
		return c.runs.MarkCompleted(ctx, runID)
	})
}

// Fail marks runID terminally failed with errMsg and releases its lock.
func (c *Controller) Fail(ctx context.Context, runID, errMsg string) error {
	return c.finish(ctx, runID, func(run archive.AnalysisRun) error {
		return c.runs.MarkFailed(ctx, runID, errMsg)
	})
}

func (c *Controller) finish(ctx context.Context, runID string, mark func(archive.AnalysisRun) error) error {
	run, ok, err := c.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("run not found", nil)
	}
	if err := mark(run); err != nil {
		return err
	}
	return c.lock.Release(ctx, lockKey(run.Kind, run.RoomID), runID)
}

// Status reconciles staleness for (roomID, kind) then reports the latest
// running record, if any — GetAnalysisStatus and GetReindexStatus's shared
// read path. A run that reconcileStale just rewrote to failed
// no longer matches LatestRunning's running-only filter, so callers simply
// see "no run currently active" rather than a separate stale flag.
func (c *Controller) Status(ctx context.Context, roomID string, kind archive.RunKind) (archive.AnalysisRun, bool, error) {
	if err := c.reconcileStale(ctx, roomID, kind); err != nil {
		return archive.AnalysisRun{}, false, err
	}
	return c.runs.LatestRunning(ctx, roomID, kind)
}
