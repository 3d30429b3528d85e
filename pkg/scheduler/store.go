package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/ethpandaops/loadoor/pkg/apierr"
	"github.com/ethpandaops/loadoor/pkg/database"
)

// Store persists job definitions and their run ledger.
type Store interface {
	Start(ctx context.Context) error

	CreateJob(ctx context.Context, job *JobDefinition) error
	GetJob(ctx context.Context, id string) (*JobDefinition, error)
	// ListJobs returns definitions oldest first. Completed ones are
	// included only when includeCompleted is set.
	ListJobs(ctx context.Context, includeCompleted bool) ([]JobDefinition, error)
	ListCronJobs(ctx context.Context) ([]JobDefinition, error)
	SetState(ctx context.Context, id, state string) error
	DeleteJob(ctx context.Context, id string) error

	InsertRun(ctx context.Context, run *Run) error
	LatestRun(ctx context.Context, jobID string) (*Run, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	db  database.Client
}

// NewStore creates a job Store on top of the shared database client.
func NewStore(log logrus.FieldLogger, db database.Client) Store {
	return &store{
		log: log.WithField("component", "jobstore"),
		db:  db,
	}
}

func (s *store) Start(ctx context.Context) error {
	if err := s.db.Migrate(ctx, &JobDefinition{}, &Run{}); err != nil {
		return fmt.Errorf("migrating job tables: %w", err)
	}

	return nil
}

func (s *store) CreateJob(ctx context.Context, job *JobDefinition) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.DB().WithContext(ctx).Create(job).Error; err != nil {
		return s.fail("create job", logrus.Fields{
			"job_id":  job.ID,
			"test_id": job.TestID,
			"cron":    job.CronExpression,
		}, err)
	}

	return nil
}

func (s *store) GetJob(ctx context.Context, id string) (*JobDefinition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var job JobDefinition
	if err := s.db.DB().WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.ErrJobNotFound
		}

		return nil, s.fail("get job", logrus.Fields{"job_id": id}, err)
	}

	return &job, nil
}

func (s *store) ListJobs(ctx context.Context, includeCompleted bool) ([]JobDefinition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.DB().WithContext(ctx).Order("created_at ASC").Order("id ASC")
	if !includeCompleted {
		query = query.Where("state <> ?", StateCompleted)
	}

	var jobs []JobDefinition
	if err := query.Find(&jobs).Error; err != nil {
		return nil, s.fail("list jobs", logrus.Fields{
			"include_completed": includeCompleted,
		}, err)
	}

	return jobs, nil
}

func (s *store) ListCronJobs(ctx context.Context) ([]JobDefinition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var jobs []JobDefinition
	if err := s.db.DB().WithContext(ctx).
		Where("cron_expression <> ''").
		Find(&jobs).Error; err != nil {
		return nil, s.fail("list cron jobs", nil, err)
	}

	return jobs, nil
}

func (s *store) SetState(ctx context.Context, id, state string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.DB().WithContext(ctx).
		Model(&JobDefinition{}).
		Where("id = ?", id).
		Update("state", state).Error; err != nil {
		return s.fail("set job state", logrus.Fields{
			"job_id": id,
			"state":  state,
		}, err)
	}

	return nil
}

func (s *store) DeleteJob(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := s.db.DB().WithContext(ctx).Where("id = ?", id).Delete(&JobDefinition{})
	if result.Error != nil {
		return s.fail("delete job", logrus.Fields{"job_id": id}, result.Error)
	}

	if result.RowsAffected == 0 {
		return apierr.ErrJobNotFound
	}

	return nil
}

func (s *store) InsertRun(ctx context.Context, run *Run) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.DB().WithContext(ctx).Create(run).Error; err != nil {
		return s.fail("insert run", logrus.Fields{
			"job_id": run.JobID,
			"run_id": run.RunID,
		}, err)
	}

	return nil
}

// LatestRun returns the newest run of a job, or nil when it never ran.
func (s *store) LatestRun(ctx context.Context, jobID string) (*Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var runs []Run
	if err := s.db.DB().WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at DESC").
		Limit(1).
		Find(&runs).Error; err != nil {
		return nil, s.fail("latest run", logrus.Fields{"job_id": jobID}, err)
	}

	if len(runs) == 0 {
		return nil, nil
	}

	return &runs[0], nil
}

func (s *store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.db.QueryTimeout())
}

func (s *store) fail(op string, params logrus.Fields, err error) error {
	s.log.WithError(err).
		WithFields(params).
		WithField("op", op).
		WithField("timeout", s.db.QueryTimeout()).
		Error("Store query failed")

	return fmt.Errorf("%s: %w", op, apierr.ErrStorageUnavailable)
}
