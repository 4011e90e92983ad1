package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/pkg/utils"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRunNowRejectsUnknownJob(t *testing.T) {
	s := NewScheduler(newTestDB(t), testLogger(), time.Minute)

	err := s.RunNow("no-such-job")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunNowConflictsWhileRunning(t *testing.T) {
	db := newTestDB(t)
	s := NewScheduler(db, testLogger(), time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Register(Job{
		Name: "blocking_job",
		Spec: "@every 1h",
		Handler: func(ctx context.Context, rc *RunContext) error {
			close(started)
			<-release
			rc.Processed = 1
			return nil
		},
	}))

	require.NoError(t, s.RunNow("blocking_job"))
	<-started

	err := s.RunNow("blocking_job")
	assert.ErrorIs(t, err, utils.ErrAlreadyRunning)

	close(release)
	waitFor(t, 2*time.Second, func() bool {
		var run models.PipelineRun
		if err := db.Where("job_name = ?", "blocking_job").Order("id DESC").First(&run).Error; err != nil {
			return false
		}
		return run.Status == models.RunStatusCompleted
	})

	var run models.PipelineRun
	require.NoError(t, db.Where("job_name = ?", "blocking_job").First(&run).Error)
	assert.Equal(t, 1, run.RecordsProcessed)
	assert.NotNil(t, run.CompletedAt)
}

func TestOverlappingTickRecordsSkippedRun(t *testing.T) {
	db := newTestDB(t)
	s := NewScheduler(db, testLogger(), time.Minute)

	release := make(chan struct{})
	require.NoError(t, s.Register(Job{
		Name: "slow_job",
		Spec: "@every 1h",
		Handler: func(ctx context.Context, rc *RunContext) error {
			<-release
			return nil
		},
	}))

	require.NoError(t, s.RunNow("slow_job"))
	waitFor(t, 2*time.Second, func() bool {
		var count int64
		db.Model(&models.PipelineRun{}).Where("job_name = ? AND status = ?", "slow_job", models.RunStatusRunning).Count(&count)
		return count == 1
	})

	// Simulate the next cron tick arriving while the run is in flight.
	s.mu.Lock()
	job := s.jobs["slow_job"]
	s.mu.Unlock()
	s.execute(job)

	var skipped []models.PipelineRun
	require.NoError(t, db.Where("job_name = ? AND status = ?", "slow_job", models.RunStatusSkipped).Find(&skipped).Error)
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0].Error, "still in progress")
	assert.NotNil(t, skipped[0].CompletedAt)

	close(release)
	s.Stop()
}

func TestFailedHandlerFinalizesRun(t *testing.T) {
	db := newTestDB(t)
	s := NewScheduler(db, testLogger(), time.Minute)

	require.NoError(t, s.Register(Job{
		Name: "failing_job",
		Spec: "@every 1h",
		Handler: func(ctx context.Context, rc *RunContext) error {
			rc.Processed = 3
			return assert.AnError
		},
	}))

	require.NoError(t, s.RunNow("failing_job"))
	waitFor(t, 2*time.Second, func() bool {
		var run models.PipelineRun
		if err := db.Where("job_name = ?", "failing_job").First(&run).Error; err != nil {
			return false
		}
		return run.Status == models.RunStatusFailed
	})

	var run models.PipelineRun
	require.NoError(t, db.Where("job_name = ?", "failing_job").First(&run).Error)
	assert.Equal(t, 3, run.RecordsProcessed)
	assert.NotEmpty(t, run.Error)
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	db := newTestDB(t)
	s := NewScheduler(db, testLogger(), time.Minute)

	require.NoError(t, s.Register(Job{
		Name: "panicking_job",
		Spec: "@every 1h",
		Handler: func(ctx context.Context, rc *RunContext) error {
			panic("boom")
		},
	}))

	require.NoError(t, s.RunNow("panicking_job"))
	waitFor(t, 2*time.Second, func() bool {
		var run models.PipelineRun
		if err := db.Where("job_name = ?", "panicking_job").First(&run).Error; err != nil {
			return false
		}
		return run.Status == models.RunStatusFailed
	})

	var run models.PipelineRun
	require.NoError(t, db.Where("job_name = ?", "panicking_job").First(&run).Error)
	assert.Contains(t, run.Error, "panic")
}

func TestStaleRunningRunIsReaped(t *testing.T) {
	db := newTestDB(t)
	s := NewScheduler(db, testLogger(), 30*time.Minute)

	done := make(chan struct{})
	require.NoError(t, s.Register(Job{
		Name: "reaped_job",
		Spec: "@every 1h",
		Handler: func(ctx context.Context, rc *RunContext) error {
			close(done)
			return nil
		},
	}))

	// A running row left behind by a crashed invocation, well past the max
	// duration. It must not block the next run forever.
	stale := models.PipelineRun{
		JobName:   "reaped_job",
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, db.Create(&stale).Error)

	require.NoError(t, s.RunNow("reaped_job"))
	<-done

	waitFor(t, 2*time.Second, func() bool {
		var run models.PipelineRun
		if err := db.First(&run, stale.ID).Error; err != nil {
			return false
		}
		return run.Status == models.RunStatusFailed
	})

	var reaped models.PipelineRun
	require.NoError(t, db.First(&reaped, stale.ID).Error)
	assert.Contains(t, reaped.Error, "exceeded max duration")
}

func TestOrphanedRunsFinalizedOnStart(t *testing.T) {
	db := newTestDB(t)
	s := NewScheduler(db, testLogger(), time.Minute)

	orphan := models.PipelineRun{
		JobName:   "some_job",
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, db.Create(&orphan).Error)

	require.NoError(t, s.Start())
	defer s.Stop()

	var run models.PipelineRun
	require.NoError(t, db.First(&run, orphan.ID).Error)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "orphaned")
}

func TestHandlerErrorDuringShutdownKeepsItsOwnError(t *testing.T) {
	db := newTestDB(t)
	s := NewScheduler(db, testLogger(), time.Minute)

	// The handler fails for its own reasons while shutdown is cancelling the
	// context; the run must record the handler's error, not a cancellation.
	require.NoError(t, s.Register(Job{
		Name: "shutdown_job",
		Spec: "@every 1h",
		Handler: func(ctx context.Context, rc *RunContext) error {
			<-ctx.Done()
			return fmt.Errorf("snapshot write failed")
		},
	}))

	require.NoError(t, s.Start())
	require.NoError(t, s.RunNow("shutdown_job"))
	waitFor(t, 2*time.Second, func() bool {
		var count int64
		db.Model(&models.PipelineRun{}).Where("job_name = ? AND status = ?", "shutdown_job", models.RunStatusRunning).Count(&count)
		return count == 1
	})

	s.Stop()

	var run models.PipelineRun
	require.NoError(t, db.Where("job_name = ?", "shutdown_job").First(&run).Error)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "snapshot write failed", run.Error)

	// A handler that surfaces the cancellation itself is still labelled as
	// cancelled.
	s2 := NewScheduler(db, testLogger(), time.Minute)
	require.NoError(t, s2.Register(Job{
		Name: "cancelled_job",
		Spec: "@every 1h",
		Handler: func(ctx context.Context, rc *RunContext) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	require.NoError(t, s2.Start())
	require.NoError(t, s2.RunNow("cancelled_job"))
	waitFor(t, 2*time.Second, func() bool {
		var count int64
		db.Model(&models.PipelineRun{}).Where("job_name = ? AND status = ?", "cancelled_job", models.RunStatusRunning).Count(&count)
		return count == 1
	})
	s2.Stop()

	run = models.PipelineRun{}
	require.NoError(t, db.Where("job_name = ?", "cancelled_job").First(&run).Error)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "cancelled")
}

func TestPausedJobDropsTicks(t *testing.T) {
	db := newTestDB(t)
	s := NewScheduler(db, testLogger(), time.Minute)

	invocations := 0
	require.NoError(t, s.Register(Job{
		Name: "pausable_job",
		Spec: "@every 1h",
		Handler: func(ctx context.Context, rc *RunContext) error {
			invocations++
			return nil
		},
	}))

	require.NoError(t, s.Pause("pausable_job"))

	s.mu.Lock()
	job := s.jobs["pausable_job"]
	s.mu.Unlock()
	s.execute(job)

	var count int64
	require.NoError(t, db.Model(&models.PipelineRun{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
	assert.Equal(t, 0, invocations)

	require.NoError(t, s.Resume("pausable_job"))
	require.NoError(t, s.RunNow("pausable_job"))
	waitFor(t, 2*time.Second, func() bool {
		var run models.PipelineRun
		if err := db.Where("job_name = ?", "pausable_job").First(&run).Error; err != nil {
			return false
		}
		return run.Status == models.RunStatusCompleted
	})

	statuses := s.Status()
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Paused)
	s.Stop()
}
