package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/loadoor/pkg/apierr"
	"github.com/ethpandaops/loadoor/pkg/config"
	"github.com/ethpandaops/loadoor/pkg/database"
	"github.com/ethpandaops/loadoor/pkg/launcher"
	"github.com/ethpandaops/loadoor/pkg/reports"
)

type countingBackend struct {
	mu        sync.Mutex
	creates   []string
	deleted   map[string]bool
	createErr error

	// When block is set, CreateJob reports the job name on entered and
	// waits for block to close.
	block   chan struct{}
	entered chan string
}

func (b *countingBackend) Name() string { return "counting" }

func (b *countingBackend) CreateJob(_ context.Context, spec *launcher.JobSpec) (*launcher.CreatedJob, error) {
	b.mu.Lock()

	if b.createErr != nil {
		b.mu.Unlock()

		return nil, b.createErr
	}

	b.creates = append(b.creates, spec.Name)
	block, entered := b.block, b.entered

	b.mu.Unlock()

	if block != nil {
		entered <- spec.Name
		<-block
	}

	return &launcher.CreatedJob{Name: spec.Name}, nil
}

func (b *countingBackend) DeleteJob(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, created := range b.creates {
		if created == name && !b.deleted[name] {
			b.deleted[name] = true

			return nil
		}
	}

	return apierr.ErrRunNotFound
}

func (b *countingBackend) createCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.creates)
}

type testEnv struct {
	scheduler *scheduler
	backend   *countingBackend
	reports   reports.Service
}

func setupTestScheduler(t *testing.T) *testEnv {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	ctx := context.Background()

	db := database.NewClient(log, &config.DatabaseConfig{
		Driver:       "sqlite",
		QueryTimeout: "5s",
		SQLite:       config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, db.Start(ctx))

	svc := reports.NewService(log, &config.ReportsConfig{
		LastReportsMonths: 3,
		JoinConcurrency:   2,
	}, reports.NewStore(log, db))
	require.NoError(t, svc.Start(ctx))

	backend := &countingBackend{deleted: make(map[string]bool)}

	l, err := launcher.New(log, &config.BackendConfig{
		Timeout:     "2s",
		RunnerImage: "runner:test",
	}, backend, svc)
	require.NoError(t, err)

	store := NewStore(log, db)
	require.NoError(t, store.Start(ctx))

	s, ok := New(log, store, l, svc).(*scheduler)
	require.True(t, ok)

	t.Cleanup(func() {
		_ = s.Stop()
		_ = svc.Stop()
		_ = db.Stop()
	})

	return &testEnv{scheduler: s, backend: backend, reports: svc}
}

func validJob() *JobDefinition {
	return &JobDefinition{
		TestID:      "test-1",
		ArrivalRate: 10,
		Duration:    60,
		Environment: "test",
	}
}

// fire runs the cron entry of a job synchronously, as a natural tick would.
func (e *testEnv) fire(t *testing.T, jobID string) {
	t.Helper()

	e.scheduler.mu.Lock()
	id, ok := e.scheduler.entries[jobID]
	e.scheduler.mu.Unlock()

	require.True(t, ok, "job %s is not armed", jobID)

	e.scheduler.cron.Entry(id).Job.Run()
}

func TestCreateJob_DualTrigger(t *testing.T) {
	tests := []struct {
		name           string
		runImmediately bool
		wantAtCreate   int
		wantAfterTick  int
	}{
		{
			name:           "run immediately with cron fires twice",
			runImmediately: true,
			wantAtCreate:   1,
			wantAfterTick:  2,
		},
		{
			name:           "cron only fires once",
			runImmediately: false,
			wantAtCreate:   0,
			wantAfterTick:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestScheduler(t)
			ctx := context.Background()

			def := validJob()
			def.CronExpression = "0 */5 * * * *"
			def.RunImmediately = tt.runImmediately

			created, err := env.scheduler.CreateJob(ctx, def)
			require.NoError(t, err)
			assert.NotEmpty(t, created.ID)
			assert.Equal(t, StateArmed, created.State)
			assert.Equal(t, tt.wantAtCreate, env.backend.createCount())

			env.fire(t, created.ID)
			assert.Equal(t, tt.wantAfterTick, env.backend.createCount())

			env.backend.mu.Lock()
			names := append([]string(nil), env.backend.creates...)
			env.backend.mu.Unlock()

			seen := make(map[string]bool)
			for _, name := range names {
				assert.False(t, seen[name], "run names must be distinct")
				seen[name] = true
				assert.Contains(t, name, "predator."+created.ID+"-")
			}
		})
	}
}

func TestCreateJob_OneShot(t *testing.T) {
	env := setupTestScheduler(t)
	ctx := context.Background()

	created, err := env.scheduler.CreateJob(ctx, validJob())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, created.State)
	assert.NotEmpty(t, created.RunID)
	assert.Equal(t, 1, created.Parallelism)
	assert.Equal(t, 1, env.backend.createCount())

	env.scheduler.mu.Lock()
	assert.Empty(t, env.scheduler.entries, "one-shot jobs are never armed")
	env.scheduler.mu.Unlock()

	report, err := env.reports.GetReport(ctx, "test-1", created.RunID)
	require.NoError(t, err)
	assert.Equal(t, reports.PhaseInitializing, report.Phase)
	assert.Equal(t, created.ID, report.JobID)
}

func TestCreateJob_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*JobDefinition)
		field  string
	}{
		{"missing test id", func(j *JobDefinition) { j.TestID = "" }, "test_id"},
		{"missing duration", func(j *JobDefinition) { j.Duration = 0 }, "duration"},
		{"missing arrival rate", func(j *JobDefinition) { j.ArrivalRate = 0 }, "arrival_rate"},
		{"missing environment", func(j *JobDefinition) { j.Environment = "" }, "environment"},
		{"bad cron", func(j *JobDefinition) { j.CronExpression = "every tuesday" }, "cron_expression"},
		{"bad configuration", func(j *JobDefinition) { j.TestConfiguration = "{" }, "test_configuration"},
	}

	env := setupTestScheduler(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validJob()
			tt.mutate(def)

			_, err := env.scheduler.CreateJob(context.Background(), def)
			require.ErrorIs(t, err, apierr.ErrValidation)

			var verr *apierr.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.Equal(t, 0, env.backend.createCount())
}

func TestCreateJob_LaunchFailureRollsBack(t *testing.T) {
	env := setupTestScheduler(t)
	env.backend.createErr = errors.New("cluster down")
	ctx := context.Background()

	def := validJob()
	def.CronExpression = "@hourly"
	def.RunImmediately = true

	_, err := env.scheduler.CreateJob(ctx, def)
	require.ErrorIs(t, err, apierr.ErrBackendUnavailable)

	jobs, err := env.scheduler.ListJobs(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	env.scheduler.mu.Lock()
	assert.Empty(t, env.scheduler.entries)
	env.scheduler.mu.Unlock()
}

func TestListJobs_OneTimeFilter(t *testing.T) {
	env := setupTestScheduler(t)
	ctx := context.Background()

	oneShot := validJob()
	oneShot.RunImmediately = true

	oneShotJob, err := env.scheduler.CreateJob(ctx, oneShot)
	require.NoError(t, err)

	cronDef := validJob()
	cronDef.CronExpression = "* 10 * * * *"

	cronJob, err := env.scheduler.CreateJob(ctx, cronDef)
	require.NoError(t, err)

	active, err := env.scheduler.ListJobs(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, cronJob.ID, active[0].ID)

	all, err := env.scheduler.ListJobs(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)

	ids := []string{all[0].ID, all[1].ID}
	assert.ElementsMatch(t, []string{oneShotJob.ID, cronJob.ID}, ids)
}

func TestGetJob_LastRunPhase(t *testing.T) {
	env := setupTestScheduler(t)
	ctx := context.Background()

	created, err := env.scheduler.CreateJob(ctx, validJob())
	require.NoError(t, err)

	job, err := env.scheduler.GetJob(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, job.LastRun)
	assert.Equal(t, created.RunID, job.LastRun.RunID)
	assert.Equal(t, reports.PhaseInitializing, job.LastRun.Phase)

	_, err = env.reports.UpdateReportPhase(ctx, "test-1", created.RunID, reports.PhaseStarted)
	require.NoError(t, err)

	job, err = env.scheduler.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, reports.PhaseStarted, job.LastRun.Phase)
}

func TestGetJob_NeverRun(t *testing.T) {
	env := setupTestScheduler(t)

	def := validJob()
	def.CronExpression = "@daily"

	created, err := env.scheduler.CreateJob(context.Background(), def)
	require.NoError(t, err)

	job, err := env.scheduler.GetJob(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Nil(t, job.LastRun)
}

func TestDeleteJob(t *testing.T) {
	env := setupTestScheduler(t)
	ctx := context.Background()

	def := validJob()
	def.CronExpression = "@every 1h"
	def.RunImmediately = true

	created, err := env.scheduler.CreateJob(ctx, def)
	require.NoError(t, err)

	require.NoError(t, env.scheduler.DeleteJob(ctx, created.ID))

	_, err = env.scheduler.GetJob(ctx, created.ID)
	assert.ErrorIs(t, err, apierr.ErrJobNotFound)

	assert.ErrorIs(t, env.scheduler.DeleteJob(ctx, created.ID), apierr.ErrJobNotFound)

	env.scheduler.mu.Lock()
	assert.Empty(t, env.scheduler.entries)
	env.scheduler.mu.Unlock()

	assert.Empty(t, env.scheduler.cron.Entries())

	_, err = env.reports.GetReport(ctx, "test-1", created.RunID)
	assert.NoError(t, err, "reports outlive their job")
}

func TestTick_DeletedJobDisarms(t *testing.T) {
	env := setupTestScheduler(t)
	ctx := context.Background()

	def := validJob()
	def.CronExpression = "@hourly"

	created, err := env.scheduler.CreateJob(ctx, def)
	require.NoError(t, err)

	// Remove the row behind the scheduler's back.
	require.NoError(t, env.scheduler.store.DeleteJob(ctx, created.ID))

	env.fire(t, created.ID)
	assert.Equal(t, 0, env.backend.createCount())

	env.scheduler.mu.Lock()
	assert.Empty(t, env.scheduler.entries)
	env.scheduler.mu.Unlock()
}

func TestTick_LaunchFailureIsMissedTrigger(t *testing.T) {
	env := setupTestScheduler(t)
	ctx := context.Background()

	def := validJob()
	def.CronExpression = "@hourly"

	created, err := env.scheduler.CreateJob(ctx, def)
	require.NoError(t, err)

	env.backend.mu.Lock()
	env.backend.createErr = errors.New("cluster down")
	env.backend.mu.Unlock()

	env.fire(t, created.ID)

	env.backend.mu.Lock()
	env.backend.createErr = nil
	env.backend.mu.Unlock()

	env.fire(t, created.ID)
	assert.Equal(t, 1, env.backend.createCount(), "the next tick still fires")
}

func TestTick_OverlappingTicksRunConcurrently(t *testing.T) {
	env := setupTestScheduler(t)
	ctx := context.Background()

	def := validJob()
	def.CronExpression = "@hourly"

	created, err := env.scheduler.CreateJob(ctx, def)
	require.NoError(t, err)

	env.backend.mu.Lock()
	env.backend.block = make(chan struct{})
	env.backend.entered = make(chan string, 2)
	block, entered := env.backend.block, env.backend.entered
	env.backend.mu.Unlock()

	env.scheduler.mu.Lock()
	id := env.scheduler.entries[created.ID]
	env.scheduler.mu.Unlock()

	job := env.scheduler.cron.Entry(id).Job
	require.NotNil(t, job)

	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			job.Run()
		}()
	}

	// Both launches must be in flight at once.
	names := make([]string, 0, 2)

	for len(names) < 2 {
		select {
		case name := <-entered:
			names = append(names, name)
		case <-time.After(5 * time.Second):
			close(block)
			wg.Wait()
			t.Fatalf("only %d of 2 ticks reached the backend", len(names))
		}
	}

	close(block)
	wg.Wait()

	assert.NotEqual(t, names[0], names[1], "each tick gets its own run")
	assert.Equal(t, 2, env.backend.createCount())
}

type stateFailingStore struct {
	Store
}

func (s stateFailingStore) SetState(context.Context, string, string) error {
	return apierr.ErrStorageUnavailable
}

func TestCreateJob_OneShotStateWriteFailureKeepsRun(t *testing.T) {
	env := setupTestScheduler(t)
	ctx := context.Background()

	s, ok := New(env.scheduler.log, stateFailingStore{env.scheduler.store},
		env.scheduler.launcher, env.reports).(*scheduler)
	require.True(t, ok)

	created, err := s.CreateJob(ctx, validJob())
	require.NoError(t, err)
	assert.NotEmpty(t, created.RunID)
	assert.Equal(t, StateScheduled, created.State)
	assert.Equal(t, 1, env.backend.createCount())

	job, err := s.GetJob(ctx, created.ID)
	require.NoError(t, err, "the definition is kept")
	require.NotNil(t, job.LastRun)
	assert.Equal(t, created.RunID, job.LastRun.RunID)
}

func TestStopRun(t *testing.T) {
	env := setupTestScheduler(t)
	ctx := context.Background()

	created, err := env.scheduler.CreateJob(ctx, validJob())
	require.NoError(t, err)

	require.NoError(t, env.scheduler.StopRun(ctx, created.ID, created.RunID))

	err = env.scheduler.StopRun(ctx, created.ID, created.RunID)
	assert.ErrorIs(t, err, apierr.ErrRunNotFound)

	err = env.scheduler.StopRun(ctx, created.ID, "unknown")
	assert.ErrorIs(t, err, apierr.ErrRunNotFound)
}

func TestStart_RearmsPersistedCronJobs(t *testing.T) {
	env := setupTestScheduler(t)
	ctx := context.Background()

	def := validJob()
	def.CronExpression = "* * * * * *"

	created, err := env.scheduler.CreateJob(ctx, def)
	require.NoError(t, err)

	// A fresh scheduler over the same store, as after a restart.
	restarted, ok := New(env.scheduler.log, env.scheduler.store, env.scheduler.launcher, env.reports).(*scheduler)
	require.True(t, ok)

	env.scheduler.disarm(created.ID)

	require.NoError(t, restarted.Start(ctx))
	t.Cleanup(func() { _ = restarted.Stop() })

	restarted.mu.Lock()
	_, armed := restarted.entries[created.ID]
	restarted.mu.Unlock()
	assert.True(t, armed)

	assert.Eventually(t, func() bool {
		return env.backend.createCount() >= 1
	}, 5*time.Second, 50*time.Millisecond)
}
