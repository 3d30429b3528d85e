// Package scheduler owns job definitions and turns them into runs, either
// once or on every tick of a cron expression.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/loadoor/pkg/apierr"
	"github.com/ethpandaops/loadoor/pkg/launcher"
)

// Scheduler manages job definitions and their timers.
type Scheduler interface {
	// Start re-arms persisted cron definitions and starts the timers.
	Start(ctx context.Context) error
	// Stop halts the timers and waits for running ticks.
	Stop() error

	CreateJob(ctx context.Context, def *JobDefinition) (*CreatedJob, error)
	ListJobs(ctx context.Context, includeOneTime bool) ([]JobDefinition, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	StopRun(ctx context.Context, jobID, runID string) error
}

// PhaseSource resolves the current phase of a run's report.
type PhaseSource interface {
	Phase(ctx context.Context, testID, reportID string) (string, error)
}

// Option customizes a Scheduler.
type Option func(*scheduler)

// WithClock overrides the time source used for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *scheduler) {
		s.now = now
	}
}

// cronParser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log      logrus.FieldLogger
	store    Store
	launcher launcher.Launcher
	phases   PhaseSource
	cron     *cron.Cron
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a Scheduler.
func New(
	log logrus.FieldLogger,
	store Store,
	l launcher.Launcher,
	phases PhaseSource,
	opts ...Option,
) Scheduler {
	log = log.WithField("component", "scheduler")

	s := &scheduler{
		log:      log,
		store:    store,
		launcher: l,
		phases:   phases,
		now:      time.Now,
		entries:  make(map[string]cron.EntryID),
	}

	for _, opt := range opts {
		opt(s)
	}

	cronLog := cronLogger{log: log}

	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog)),
	)

	return s
}

func (s *scheduler) Start(ctx context.Context) error {
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting job store: %w", err)
	}

	jobs, err := s.store.ListCronJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading cron jobs: %w", err)
	}

	for i := range jobs {
		if err := s.arm(&jobs[i]); err != nil {
			s.log.WithError(err).WithField("job_id", jobs[i].ID).Warn("Failed to re-arm cron job")
		}
	}

	s.cron.Start()

	s.log.WithField("armed", len(jobs)).Info("Scheduler started")

	return nil
}

func (s *scheduler) Stop() error {
	<-s.cron.Stop().Done()

	s.log.Info("Scheduler stopped")

	return nil
}

func (s *scheduler) CreateJob(ctx context.Context, def *JobDefinition) (*CreatedJob, error) {
	if err := validate(def); err != nil {
		return nil, err
	}

	job := *def
	job.ID = uuid.NewString()
	job.CreatedAt = s.now().UTC()

	if job.Parallelism < 1 {
		job.Parallelism = 1
	}

	if job.IsCron() {
		job.State = StateArmed
	} else {
		job.State = StateScheduled
	}

	if err := s.store.CreateJob(ctx, &job); err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"test_id": job.TestID,
		"cron":    job.CronExpression,
	})

	if job.IsCron() {
		if err := s.arm(&job); err != nil {
			s.rollback(ctx, &job)

			return nil, err
		}
	}

	created := &CreatedJob{JobDefinition: job}

	if job.RunImmediately || !job.IsCron() {
		handle, err := s.trigger(ctx, &job)
		if err != nil {
			s.rollback(ctx, &job)

			return nil, err
		}

		created.RunID = handle.RunID

		if !job.IsCron() {
			// The run exists either way; a failed state write only leaves
			// the definition listed as scheduled.
			if err := s.store.SetState(ctx, job.ID, StateCompleted); err != nil {
				log.WithError(err).WithField("run_id", handle.RunID).
					Warn("Run launched but marking the job completed failed")
			} else {
				created.State = StateCompleted
			}
		}
	}

	log.Info("Job created")

	return created, nil
}

func (s *scheduler) ListJobs(ctx context.Context, includeOneTime bool) ([]JobDefinition, error) {
	jobs, err := s.store.ListJobs(ctx, includeOneTime)
	if err != nil {
		return nil, err
	}

	if jobs == nil {
		jobs = []JobDefinition{}
	}

	return jobs, nil
}

func (s *scheduler) GetJob(ctx context.Context, jobID string) (*Job, error) {
	def, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job := &Job{JobDefinition: *def}

	run, err := s.store.LatestRun(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if run == nil {
		return job, nil
	}

	job.LastRun = &RunStatus{RunID: run.RunID, CreatedAt: run.CreatedAt}

	phase, err := s.phases.Phase(ctx, run.TestID, run.RunID)

	switch {
	case err == nil:
		job.LastRun.Phase = phase
	case errors.Is(err, apierr.ErrReportNotFound):
	default:
		return nil, err
	}

	return job, nil
}

func (s *scheduler) DeleteJob(ctx context.Context, jobID string) error {
	s.disarm(jobID)

	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}

	s.log.WithField("job_id", jobID).Info("Job deleted")

	return nil
}

func (s *scheduler) StopRun(ctx context.Context, jobID, runID string) error {
	return s.launcher.Terminate(ctx, jobID, runID)
}

// trigger launches one run of job and records it in the run ledger.
func (s *scheduler) trigger(ctx context.Context, job *JobDefinition) (*launcher.RunHandle, error) {
	handle, err := s.launcher.Launch(ctx, job.request())
	if handle == nil {
		return nil, err
	}

	if recErr := s.store.InsertRun(ctx, &Run{
		RunID:     handle.RunID,
		JobID:     job.ID,
		TestID:    job.TestID,
		CreatedAt: s.now().UTC(),
	}); recErr != nil && err == nil {
		err = recErr
	}

	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"job_id": job.ID,
			"run_id": handle.RunID,
		}).Warn("Run launched with bookkeeping errors")
	}

	return handle, nil
}

// tick is the cron callback for one job. It reloads the definition so a
// deleted job stops firing even if its disarm raced with the tick.
func (s *scheduler) tick(jobID string) {
	ctx := context.Background()
	log := s.log.WithField("job_id", jobID)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, apierr.ErrJobNotFound) {
			s.disarm(jobID)

			return
		}

		log.WithError(err).Error("Missed trigger: loading job failed")

		return
	}

	handle, err := s.trigger(ctx, job)
	if err != nil {
		log.WithError(err).Error("Missed trigger: launch failed")

		return
	}

	log.WithField("run_id", handle.RunID).Info("Cron trigger launched run")
}

func (s *scheduler) arm(job *JobDefinition) error {
	jobID := job.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[jobID]; ok {
		return nil
	}

	id, err := s.cron.AddFunc(job.CronExpression, func() { s.tick(jobID) })
	if err != nil {
		return apierr.NewValidationError("cron_expression", err.Error())
	}

	s.entries[jobID] = id

	return nil
}

func (s *scheduler) disarm(jobID string) {
	s.mu.Lock()
	id, ok := s.entries[jobID]
	delete(s.entries, jobID)
	s.mu.Unlock()

	if ok {
		s.cron.Remove(id)
	}
}

// rollback removes a definition whose creation could not complete.
func (s *scheduler) rollback(ctx context.Context, job *JobDefinition) {
	s.disarm(job.ID)

	if err := s.store.DeleteJob(ctx, job.ID); err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("Failed to roll back job")
	}
}

func validate(def *JobDefinition) error {
	switch {
	case def.TestID == "":
		return apierr.NewValidationError("test_id", "is required")
	case def.Duration <= 0:
		return apierr.NewValidationError("duration", "is required and must be positive")
	case def.ArrivalRate <= 0:
		return apierr.NewValidationError("arrival_rate", "is required and must be positive")
	case def.Environment == "":
		return apierr.NewValidationError("environment", "is required")
	case def.RampTo < 0:
		return apierr.NewValidationError("ramp_to", "must not be negative")
	case def.Parallelism < 0:
		return apierr.NewValidationError("parallelism", "must not be negative")
	}

	if def.CronExpression != "" {
		if _, err := cronParser.Parse(def.CronExpression); err != nil {
			return apierr.NewValidationError("cron_expression", err.Error())
		}
	}

	if def.TestConfiguration != "" && !json.Valid([]byte(def.TestConfiguration)) {
		return apierr.NewValidationError("test_configuration", "must be valid JSON")
	}

	return nil
}

// cronLogger adapts logrus to the cron.Logger interface.
type cronLogger struct {
	log logrus.FieldLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(keysAndValues []any) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}

	return fields
}
