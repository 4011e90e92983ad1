package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/pkg/database"
	"github.com/upsetiq/upsetiq/pkg/utils"
)

// ErrUnknownJob is returned by RunNow for a name that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// RunContext lets a handler report progress counts that end up on the
// finalized PipelineRun even when the handler fails partway.
type RunContext struct {
	Processed int
	Created   int
	Updated   int
	Metadata  map[string]interface{}
}

// JobHandler is one job's body. The context is cancelled on scheduler
// shutdown and when the job exceeds its maximum duration.
type JobHandler func(ctx context.Context, run *RunContext) error

// Job is a named scheduled task. Spec is a cron spec: either an interval
// ("@every 15m") or a daily wall-clock time ("0 6 * * *").
type Job struct {
	Name        string
	Description string
	Spec        string
	Handler     JobHandler
	MaxDuration time.Duration
}

// Scheduler runs registered jobs on independent cadences with per-job
// non-overlap. A tick that finds the previous run still going records a
// skipped PipelineRun instead of queuing; consistency of snapshot writes
// wins over cadence adherence.
type Scheduler struct {
	db     *database.DB
	logger *logrus.Logger
	cron   *cron.Cron

	mu        sync.Mutex
	jobs      map[string]*Job
	entries   map[string]cron.EntryID
	paused    map[string]bool
	isRunning bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	defaultMaxDuration time.Duration
}

func NewScheduler(db *database.DB, logger *logrus.Logger, defaultMaxDuration time.Duration) *Scheduler {
	if defaultMaxDuration == 0 {
		defaultMaxDuration = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:                 db,
		logger:             logger,
		cron:               cron.New(),
		jobs:               make(map[string]*Job),
		entries:            make(map[string]cron.EntryID),
		paused:             make(map[string]bool),
		baseCtx:            ctx,
		cancel:             cancel,
		defaultMaxDuration: defaultMaxDuration,
	}
}

// Register adds a job to the schedule. Must be called before Start.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	if job.MaxDuration == 0 {
		job.MaxDuration = s.defaultMaxDuration
	}

	j := job
	entryID, err := s.cron.AddFunc(job.Spec, func() { s.execute(&j) })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
	}

	s.jobs[job.Name] = &j
	s.entries[job.Name] = entryID
	s.logger.Infof("Registered job %s (%s)", job.Name, job.Spec)
	return nil
}

// Start recovers orphaned runs from a previous process and begins ticking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	// A crashed process can leave running rows behind; finalize them so the
	// first tick of every job is not skipped forever.
	if err := s.finalizeOrphanedRuns(); err != nil {
		s.logger.Errorf("Failed to finalize orphaned runs: %v", err)
	}

	s.cron.Start()
	s.isRunning = true
	s.logger.Infof("Pipeline scheduler started with %d jobs", len(s.jobs))
	return nil
}

// Stop cancels in-flight handlers and waits for them to finalize their runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	s.cancel()
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.wg.Wait()
	s.logger.Info("Pipeline scheduler stopped")
}

// RunNow triggers an immediate execution outside the normal cadence. It
// fails with ErrAlreadyRunning instead of queueing behind an active run.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	active, err := s.activeRun(job)
	if err != nil {
		return err
	}
	if active != nil {
		return fmt.Errorf("%w: %s", utils.ErrAlreadyRunning, name)
	}

	go s.execute(job)
	return nil
}

// Pause stops invoking the job on its cadence until Resume. Ticks during a
// pause are dropped silently, not recorded as skipped.
func (s *Scheduler) Pause(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.paused[name] = true
	s.logger.Infof("Paused job %s", name)
	return nil
}

func (s *Scheduler) Resume(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	delete(s.paused, name)
	s.logger.Infof("Resumed job %s", name)
	return nil
}

// JobStatus is one job's introspection record.
type JobStatus struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Spec        string     `json:"spec"`
	Paused      bool       `json:"paused"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"`
	LastStarted *time.Time `json:"last_started,omitempty"`
}

// Status returns the schedule state for every registered job.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for name, job := range s.jobs {
		status := JobStatus{
			Name:        name,
			Description: job.Description,
			Spec:        job.Spec,
			Paused:      s.paused[name],
		}

		if entryID, ok := s.entries[name]; ok && s.isRunning {
			entry := s.cron.Entry(entryID)
			if !entry.Next.IsZero() {
				next := entry.Next
				status.NextRun = &next
			}
		}

		var last models.PipelineRun
		if err := s.db.Where("job_name = ?", name).Order("started_at DESC").First(&last).Error; err == nil {
			status.LastStatus = last.Status
			started := last.StartedAt
			status.LastStarted = &started
		}

		statuses = append(statuses, status)
	}
	return statuses
}

// Runs returns recent PipelineRuns, optionally filtered by job name.
func (s *Scheduler) Runs(jobName string, limit int) ([]models.PipelineRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := s.db.Order("started_at DESC").Limit(limit)
	if jobName != "" {
		query = query.Where("job_name = ?", jobName)
	}
	var runs []models.PipelineRun
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to load pipeline runs: %w", err)
	}
	return runs, nil
}

// HasJob reports whether a job name is registered.
func (s *Scheduler) HasJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// execute runs one invocation of a job, honoring non-overlap.
func (s *Scheduler) execute(job *Job) {
	s.mu.Lock()
	if s.paused[job.Name] {
		s.mu.Unlock()
		s.logger.Debugf("Job %s is paused, dropping tick", job.Name)
		return
	}

	active, err := s.activeRun(job)
	if err != nil {
		s.mu.Unlock()
		s.logger.Errorf("Job %s: failed to check active run: %v", job.Name, err)
		return
	}
	if active != nil {
		// Previous run still going: record the skip and leave it alone.
		skip := models.PipelineRun{
			JobName:   job.Name,
			Status:    models.RunStatusSkipped,
			StartedAt: time.Now().UTC(),
		}
		now := time.Now().UTC()
		skip.CompletedAt = &now
		skip.Error = fmt.Sprintf("previous run %d still in progress", active.ID)
		if err := s.db.Create(&skip).Error; err != nil {
			s.logger.Errorf("Job %s: failed to record skipped run: %v", job.Name, err)
		}
		s.mu.Unlock()
		s.logger.Warnf("Job %s skipped: previous run still in progress", job.Name)
		return
	}

	run := models.PipelineRun{
		JobName:   job.Name,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&run).Error; err != nil {
		s.mu.Unlock()
		s.logger.Errorf("Job %s: failed to create run: %v", job.Name, err)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.invoke(job, &run)
}

// invoke calls the handler and finalizes the PipelineRun. Handler panics and
// errors are isolated to this job.
func (s *Scheduler) invoke(job *Job, run *models.PipelineRun) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.baseCtx, job.MaxDuration)
	defer cancel()

	rc := &RunContext{Metadata: make(map[string]interface{})}

	var handlerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("panic: %v", r)
			}
		}()
		handlerErr = job.Handler(ctx, rc)
	}()

	now := time.Now().UTC()
	run.CompletedAt = &now
	run.RecordsProcessed = rc.Processed
	run.RecordsCreated = rc.Created
	run.RecordsUpdated = rc.Updated
	if len(rc.Metadata) > 0 {
		if data, err := json.Marshal(rc.Metadata); err == nil {
			run.Metadata = datatypes.JSON(data)
		}
	}

	switch {
	case handlerErr == nil:
		run.Status = models.RunStatusCompleted
		s.logger.Infof("Job %s completed: processed=%d created=%d updated=%d",
			job.Name, rc.Processed, rc.Created, rc.Updated)
	case errors.Is(handlerErr, context.Canceled) || errors.Is(handlerErr, context.DeadlineExceeded):
		run.Status = models.RunStatusFailed
		run.Error = fmt.Sprintf("cancelled: %v", handlerErr)
		s.logger.Warnf("Job %s cancelled", job.Name)
	default:
		run.Status = models.RunStatusFailed
		run.Error = handlerErr.Error()
		s.logger.Errorf("Job %s failed: %v", job.Name, handlerErr)
	}

	if err := s.db.Save(run).Error; err != nil {
		s.logger.Errorf("Job %s: failed to finalize run %d: %v", job.Name, run.ID, err)
	}
}

// activeRun returns the current running PipelineRun for the job, reaping it
// first if it has exceeded the job's maximum expected duration. Without the
// reap, a crashed handler would block every future tick.
func (s *Scheduler) activeRun(job *Job) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := s.db.Where("job_name = ? AND status = ?", job.Name, models.RunStatusRunning).
		Order("started_at DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query running jobs: %w", err)
	}

	if time.Since(run.StartedAt) > job.MaxDuration {
		now := time.Now().UTC()
		run.Status = models.RunStatusFailed
		run.CompletedAt = &now
		run.Error = fmt.Sprintf("forcibly finalized: exceeded max duration %s", job.MaxDuration)
		if err := s.db.Save(&run).Error; err != nil {
			return nil, fmt.Errorf("failed to reap stale run: %w", err)
		}
		s.logger.Warnf("Job %s: reaped stale run %d (started %s)", job.Name, run.ID, run.StartedAt)
		return nil, nil
	}

	return &run, nil
}

// finalizeOrphanedRuns marks every leftover running run as failed.
func (s *Scheduler) finalizeOrphanedRuns() error {
	now := time.Now().UTC()
	return s.db.Model(&models.PipelineRun{}).
		Where("status = ?", models.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":       models.RunStatusFailed,
			"completed_at": now,
			"error":        "orphaned by process restart",
		}).Error
}
