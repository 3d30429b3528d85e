package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/loadoor/pkg/apierr"
	"github.com/ethpandaops/loadoor/pkg/config"
)

// Service is the report query and command surface: summaries, the recency
// index and everything the Registry offers.
type Service interface {
	Registry

	Start(ctx context.Context) error
	Stop() error

	InsertReport(ctx context.Context, sm *Summary) error
	UpdateReport(
		ctx context.Context,
		testID, reportID, phase string,
		lastUpdatedAt, startTime time.Time,
	) error
	// UpdateReportPhase looks up the report's start time and updates its
	// phase as of now.
	UpdateReportPhase(ctx context.Context, testID, reportID, phase string) (*Report, error)

	GetReport(ctx context.Context, testID, reportID string) (*Report, error)
	GetReports(ctx context.Context, testID string) ([]Report, error)
	GetLastReports(ctx context.Context, limit int) ([]Report, error)

	// Phase returns the current phase of a report.
	Phase(ctx context.Context, testID, reportID string) (string, error)
}

// Option customizes a Service.
type Option func(*service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	*registry

	log    logrus.FieldLogger
	store  Store
	months int
	now    func() time.Time
}

// NewService creates the report Service on top of store.
func NewService(
	log logrus.FieldLogger,
	cfg *config.ReportsConfig,
	store Store,
	opts ...Option,
) Service {
	months := cfg.LastReportsMonths
	if months < 1 {
		months = config.DefaultLastReportsMonths
	}

	s := &service{
		registry: newRegistry(log, store, cfg.JoinConcurrency),
		log:      log.WithField("component", "reports"),
		store:    store,
		months:   months,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *service) Start(ctx context.Context) error {
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting report store: %w", err)
	}

	s.log.WithField("months", s.months).Info("Report service started")

	return nil
}

func (s *service) Stop() error {
	return s.store.Stop()
}

func (s *service) InsertReport(ctx context.Context, sm *Summary) error {
	if sm.TestID == "" {
		return apierr.NewValidationError("test_id", "is required")
	}

	if sm.ReportID == "" {
		return apierr.NewValidationError("report_id", "is required")
	}

	if sm.StartTime.IsZero() {
		sm.StartTime = s.now().UTC()
	}

	if sm.LastUpdatedAt.IsZero() {
		sm.LastUpdatedAt = sm.StartTime
	}

	return s.store.InsertSummary(ctx, sm)
}

func (s *service) UpdateReport(
	ctx context.Context,
	testID, reportID, phase string,
	lastUpdatedAt, startTime time.Time,
) error {
	return s.store.UpdateSummaryPhase(ctx, testID, reportID, phase, lastUpdatedAt, startTime)
}

func (s *service) UpdateReportPhase(
	ctx context.Context, testID, reportID, phase string,
) (*Report, error) {
	if phase == "" {
		return nil, apierr.NewValidationError("phase", "is required")
	}

	sm, err := s.store.GetSummary(ctx, testID, reportID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()

	if err := s.UpdateReport(ctx, testID, reportID, phase, now, sm.StartTime); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"test_id":   testID,
		"report_id": reportID,
		"from":      sm.Phase,
		"to":        phase,
	}).Info("Report phase updated")

	return s.GetReport(ctx, testID, reportID)
}

func (s *service) GetReport(
	ctx context.Context, testID, reportID string,
) (*Report, error) {
	sm, err := s.store.GetSummary(ctx, testID, reportID)
	if err != nil {
		return nil, err
	}

	joined, err := s.JoinSubscribers(ctx, []Summary{*sm})
	if err != nil {
		return nil, err
	}

	return &joined[0], nil
}

func (s *service) GetReports(ctx context.Context, testID string) ([]Report, error) {
	summaries, err := s.store.ListSummaries(ctx, testID)
	if err != nil {
		return nil, err
	}

	return s.JoinSubscribers(ctx, summaries)
}

// GetLastReports queries every month of the trailing window in parallel,
// concatenates the results newest month first and keeps the first limit
// rows. A failed month fails the call.
func (s *service) GetLastReports(ctx context.Context, limit int) ([]Report, error) {
	if limit < 1 {
		return nil, apierr.NewValidationError("limit", "must be positive")
	}

	months := trailingMonths(s.now(), s.months)
	shards := make([][]Summary, len(months))

	g, gctx := errgroup.WithContext(ctx)

	for i, m := range months {
		g.Go(func() error {
			rows, err := s.store.ListShard(gctx, m.year, m.month, limit)
			if err != nil {
				return err
			}

			shards[i] = rows

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, rows := range shards {
		total += len(rows)
	}

	summaries := make([]Summary, 0, min(total, limit))

	for _, rows := range shards {
		for _, row := range rows {
			if len(summaries) == limit {
				break
			}

			summaries = append(summaries, row)
		}
	}

	return s.JoinSubscribers(ctx, summaries)
}

func (s *service) Phase(ctx context.Context, testID, reportID string) (string, error) {
	sm, err := s.store.GetSummary(ctx, testID, reportID)
	if err != nil {
		return "", err
	}

	return sm.Phase, nil
}
