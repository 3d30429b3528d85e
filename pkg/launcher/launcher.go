// Package launcher materializes runs on a job runner backend and tears
// them down again. It never tracks run progress; phase bookkeeping belongs
// to the report service.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/loadoor/pkg/apierr"
	"github.com/ethpandaops/loadoor/pkg/config"
	"github.com/ethpandaops/loadoor/pkg/reports"
)

// Launcher creates and terminates runs.
type Launcher interface {
	// Launch creates the cluster job for a fresh run and writes its initial
	// report summary. When the backend succeeded but the summary write
	// failed, both the handle and the error are returned.
	Launch(ctx context.Context, req *Request) (*RunHandle, error)

	// Terminate deletes the cluster job of a run. It does not touch the
	// run's phase.
	Terminate(ctx context.Context, jobID, runID string) error
}

// Backend is a job runner backend able to run a named job.
type Backend interface {
	Name() string

	// CreateJob creates the job described by spec.
	CreateJob(ctx context.Context, spec *JobSpec) (*CreatedJob, error)

	// DeleteJob deletes the named job, returning apierr.ErrRunNotFound
	// when it does not exist.
	DeleteJob(ctx context.Context, name string) error
}

// ReportWriter receives the initial summary of every launched run.
type ReportWriter interface {
	InsertReport(ctx context.Context, sm *reports.Summary) error
}

// Request carries the run parameters taken from a job definition.
type Request struct {
	JobID             string
	TestID            string
	RevisionID        string
	TestType          string
	TestName          string
	TestDescription   string
	TestConfiguration string
	Environment       string
	ArrivalRate       int
	RampTo            int
	Duration          int
	Parallelism       int
	MaxVirtualUsers   int
	Notes             string
	CustomEnvVars     map[string]string
}

// RunHandle identifies a launched run.
type RunHandle struct {
	RunID    string `json:"run_id"`
	ReportID string `json:"report_id"`
	JobName  string `json:"job_name"`
}

// JobSpec is the backend-neutral description of a run's workload.
type JobSpec struct {
	Name        string
	JobID       string
	RunID       string
	Image       string
	Parallelism int
	Env         map[string]string
}

// CreatedJob is what the backend reports back for a created job.
type CreatedJob struct {
	Name      string
	UID       string
	Namespace string
}

// runIDLength keeps predator.{job_id}-{run_id} within the 63 character
// label value limit the Job controller applies to its pod labels.
const runIDLength = 12

// JobName returns the backend name of the job running (jobID, runID).
func JobName(jobID, runID string) string {
	return fmt.Sprintf("predator.%s-%s", jobID, runID)
}

// NewRunID returns a fresh random run id of runIDLength hex characters.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:runIDLength]
}

// Option customizes a Launcher.
type Option func(*launcher)

// WithClock overrides the time source used for start times.
func WithClock(now func() time.Time) Option {
	return func(l *launcher) {
		l.now = now
	}
}

// WithRunIDs overrides run id generation.
func WithRunIDs(next func() string) Option {
	return func(l *launcher) {
		l.newRunID = next
	}
}

// Compile-time interface check.
var _ Launcher = (*launcher)(nil)

type launcher struct {
	log      logrus.FieldLogger
	cfg      *config.BackendConfig
	backend  Backend
	reports  ReportWriter
	timeout  time.Duration
	now      func() time.Time
	newRunID func() string
}

// New creates a Launcher on top of backend.
func New(
	log logrus.FieldLogger,
	cfg *config.BackendConfig,
	backend Backend,
	reportWriter ReportWriter,
	opts ...Option,
) (Launcher, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("parsing backend timeout: %w", err)
	}

	l := &launcher{
		log:      log.WithField("component", "launcher"),
		cfg:      cfg,
		backend:  backend,
		reports:  reportWriter,
		timeout:  timeout,
		now:      time.Now,
		newRunID: NewRunID,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

func (l *launcher) Launch(ctx context.Context, req *Request) (*RunHandle, error) {
	runID := l.newRunID()
	name := JobName(req.JobID, runID)

	log := l.log.WithFields(logrus.Fields{
		"job_id":  req.JobID,
		"run_id":  runID,
		"test_id": req.TestID,
		"backend": l.backend.Name(),
	})

	spec := &JobSpec{
		Name:        name,
		JobID:       req.JobID,
		RunID:       runID,
		Image:       l.cfg.RunnerImage,
		Parallelism: parallelism(req),
		Env:         l.runnerEnv(req, runID),
	}

	bctx, cancel := context.WithTimeout(ctx, l.timeout)
	created, err := l.backend.CreateJob(bctx, spec)
	cancel()

	if err != nil {
		log.WithError(err).Error("Creating runner job failed")

		return nil, fmt.Errorf("creating job %s: %w", name, apierr.ErrBackendUnavailable)
	}

	log.WithField("uid", created.UID).Info("Runner job created")

	handle := &RunHandle{RunID: runID, ReportID: runID, JobName: name}
	start := l.now().UTC()

	if err := l.reports.InsertReport(ctx, &reports.Summary{
		TestID:            req.TestID,
		ReportID:          runID,
		RevisionID:        req.RevisionID,
		JobID:             req.JobID,
		TestType:          req.TestType,
		Phase:             reports.PhaseInitializing,
		StartTime:         start,
		TestName:          req.TestName,
		TestDescription:   req.TestDescription,
		TestConfiguration: req.TestConfiguration,
		Notes:             req.Notes,
		LastUpdatedAt:     start,
	}); err != nil {
		return handle, fmt.Errorf("writing initial report: %w", err)
	}

	return handle, nil
}

func (l *launcher) Terminate(ctx context.Context, jobID, runID string) error {
	name := JobName(jobID, runID)

	bctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.backend.DeleteJob(bctx, name); err != nil {
		if errors.Is(err, apierr.ErrRunNotFound) {
			return apierr.ErrRunNotFound
		}

		l.log.WithError(err).WithFields(logrus.Fields{
			"job_id":  jobID,
			"run_id":  runID,
			"backend": l.backend.Name(),
		}).Error("Deleting runner job failed")

		return fmt.Errorf("deleting job %s: %w", name, apierr.ErrBackendUnavailable)
	}

	l.log.WithField("job_name", name).Info("Runner job deleted")

	return nil
}

func (l *launcher) runnerEnv(req *Request, runID string) map[string]string {
	env := make(map[string]string, len(req.CustomEnvVars)+12)

	for k, v := range req.CustomEnvVars {
		env[k] = v
	}

	runners := parallelism(req)

	env["JOB_ID"] = req.JobID
	env["RUN_ID"] = runID
	env["REPORT_ID"] = runID
	env["TEST_ID"] = req.TestID
	env["ENVIRONMENT"] = req.Environment
	env["DURATION"] = strconv.Itoa(req.Duration)
	env["ARRIVAL_RATE"] = perRunner(req.ArrivalRate, runners)
	env["PARALLELISM"] = strconv.Itoa(runners)

	if req.RampTo > 0 {
		env["RAMP_TO"] = perRunner(req.RampTo, runners)
	}

	if req.MaxVirtualUsers > 0 {
		env["MAX_VIRTUAL_USERS"] = perRunner(req.MaxVirtualUsers, runners)
	}

	if l.cfg.PredatorURL != "" {
		env["PREDATOR_URL"] = l.cfg.PredatorURL
	}

	return env
}

func parallelism(req *Request) int {
	if req.Parallelism < 1 {
		return 1
	}

	return req.Parallelism
}

// perRunner splits total evenly across runners, keeping fractions.
func perRunner(total, runners int) string {
	return strconv.FormatFloat(float64(total)/float64(runners), 'f', -1, 64)
}
