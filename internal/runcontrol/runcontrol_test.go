package runcontrol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"archivecore/internal/archive"
	"archivecore/internal/config"
	"archivecore/internal/errs"
)

// fakeLocker is a deterministic Locker fake that ignores real time and lets
// tests directly control whether a key is held, mirroring the scripted
// provider fakes established in the analyzer/classifier/indexer/search
// packages' tests.
type fakeLocker struct {
	owners map[string]string
}

func newFakeLocker() *fakeLocker { return &fakeLocker{owners: map[string]string{}} }

func (l *fakeLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if _, held := l.owners[key]; held {
		return false, nil
	}
	l.owners[key] = owner
	return true, nil
}

func (l *fakeLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return l.owners[key] == owner, nil
}

func (l *fakeLocker) Release(ctx context.Context, key, owner string) error {
	if l.owners[key] == owner {
		delete(l.owners, key)
	}
	return nil
}

func (l *fakeLocker) Held(ctx context.Context, key string) (bool, error) {
	_, ok := l.owners[key]
	return ok, nil
}

func testRunsConfig() config.RunsConfig {
	return config.RunsConfig{StaleAfterSeconds: 120}
}

func TestStart_ConflictsWhenAlreadyActive(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	lock := newFakeLocker()
	c := New(store.Runs(), lock, testRunsConfig())

	_, err := c.Start(ctx, "room1", archive.RunKindDiscussionAnalysis, "full", "run1")
	require.NoError(t, err)

	_, err = c.Start(ctx, "room1", archive.RunKindDiscussionAnalysis, "full", "run2")
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrConflict))
}

func TestStart_DifferentRoomsDoNotConflict(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	lock := newFakeLocker()
	c := New(store.Runs(), lock, testRunsConfig())

	_, err := c.Start(ctx, "room1", archive.RunKindDiscussionAnalysis, "full", "run1")
	require.NoError(t, err)

	_, err = c.Start(ctx, "room2", archive.RunKindDiscussionAnalysis, "full", "run2")
	require.NoError(t, err, "discussion analysis is room-scoped, so a second room should not conflict")
}

func TestStart_TopicClassificationIsGloballyExclusive(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	lock := newFakeLocker()
	c := New(store.Runs(), lock, testRunsConfig())

	_, err := c.Start(ctx, "room1", archive.RunKindTopicClassification, "", "run1")
	require.NoError(t, err)

	_, err = c.Start(ctx, "room2", archive.RunKindTopicClassification, "", "run2")
	require.Error(t, err, "topic classification has no room scope in its lock key, so a second room must still conflict")
}

func TestComplete_ReleasesLockAndAllowsRestart(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	lock := newFakeLocker()
	c := New(store.Runs(), lock, testRunsConfig())

	run, err := c.Start(ctx, "room1", archive.RunKindReindex, "", "run1")
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, run.ID, "", ""))

	_, err = c.Start(ctx, "room1", archive.RunKindReindex, "", "run2")
	require.NoError(t, err, "completing a run should release its lock so a new one can start")

	completed, ok, err := store.Runs().Get(ctx, "run1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, archive.RunStatusCompleted, completed.Status)
}

func TestComplete_PersistsMessageRangeForDiscussionAnalysis(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	lock := newFakeLocker()
	c := New(store.Runs(), lock, testRunsConfig())

	run, err := c.Start(ctx, "room1", archive.RunKindDiscussionAnalysis, "full", "run1")
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, run.ID, "m1", "m9"))

	completed, ok, err := store.Runs().Get(ctx, "run1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, completed.StartMessageID)
	require.Equal(t, "m1", *completed.StartMessageID)
	require.NotNil(t, completed.EndMessageID)
	require.Equal(t, "m9", *completed.EndMessageID)

	cut, ok, err := store.Runs().LatestCompletedWithCut(ctx, "room1", archive.RunKindDiscussionAnalysis)
	require.NoError(t, err)
	require.True(t, ok, "a completed run with a persisted end message id should be findable as an incremental cut")
	require.Equal(t, "run1", cut.ID)
}

func TestFail_ReleasesLockAndRecordsError(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	lock := newFakeLocker()
	c := New(store.Runs(), lock, testRunsConfig())

	run, err := c.Start(ctx, "room1", archive.RunKindDiscussionAnalysis, "full", "run1")
	require.NoError(t, err)
	require.NoError(t, c.Fail(ctx, run.ID, "boom"))

	_, err = c.Start(ctx, "room1", archive.RunKindDiscussionAnalysis, "full", "run2")
	require.NoError(t, err)

	failed, ok, err := store.Runs().Get(ctx, "run1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, archive.RunStatusFailed, failed.Status)
	require.Equal(t, "boom", failed.Error)
}

func TestStatus_ReconcilesStaleRunToFailed(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	lock := newFakeLocker()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	current := base
	clock := func() time.Time { return current }
	c := New(store.Runs(), lock, testRunsConfig(), WithClock(clock))

	run, err := c.Start(ctx, "room1", archive.RunKindDiscussionAnalysis, "full", "run1")
	require.NoError(t, err)
	require.Equal(t, base, run.StartedAt)

	// Simulate a crashed worker: the lock disappears (as it would on TTL
	// expiry against real Redis) without a terminal status update.
	require.NoError(t, lock.Release(ctx, lockKey(archive.RunKindDiscussionAnalysis, "room1"), "run1"))
	current = base.Add(3 * time.Minute)

	_, found, err := c.Status(ctx, "room1", archive.RunKindDiscussionAnalysis)
	require.NoError(t, err)
	require.False(t, found, "the stale run should no longer appear as running after reconciliation")

	reconciled, ok, err := store.Runs().Get(ctx, "run1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, archive.RunStatusFailed, reconciled.Status)
}

func TestStatus_DoesNotReconcileWhenLockStillHeld(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	lock := newFakeLocker()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	current := base
	clock := func() time.Time { return current }
	c := New(store.Runs(), lock, testRunsConfig(), WithClock(clock))

	_, err := c.Start(ctx, "room1", archive.RunKindReindex, "", "run1")
	require.NoError(t, err)

	current = base.Add(10 * time.Minute)
	run, found, err := c.Status(ctx, "room1", archive.RunKindReindex)
	require.NoError(t, err)
	require.True(t, found, "the lock is still held, so the run should not be reconciled to failed just because it's been a while")
	require.Equal(t, archive.RunStatusRunning, run.Status)
}

func TestHeartbeat_UpdatesProgressAndRefreshesLock(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()
	lock := newFakeLocker()
	c := New(store.Runs(), lock, testRunsConfig())

	run, err := c.Start(ctx, "room1", archive.RunKindReindex, "", "run1")
	require.NoError(t, err)

	require.NoError(t, c.Heartbeat(ctx, run.ID, 42))
	updated, ok, err := store.Runs().Get(ctx, "run1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 42, updated.WindowsDone)
}
