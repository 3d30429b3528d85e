package reports

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ethpandaops/loadoor/pkg/apierr"
	"github.com/ethpandaops/loadoor/pkg/database"
)

// Store persists report summaries, their month shards, subscribers and
// the stats ledger. Every failure is logged with its full context and
// returned as apierr.ErrStorageUnavailable.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// InsertSummary writes the canonical row if absent and mirrors it
	// into its month shard in the background.
	InsertSummary(ctx context.Context, s *Summary) error
	// UpdateSummaryPhase updates phase and last_updated_at on the
	// canonical row and mirrors the change in the background.
	UpdateSummaryPhase(
		ctx context.Context,
		testID, reportID, phase string,
		lastUpdatedAt, startTime time.Time,
	) error
	GetSummary(ctx context.Context, testID, reportID string) (*Summary, error)
	ListSummaries(ctx context.Context, testID string) ([]Summary, error)
	ListShard(ctx context.Context, year, month, limit int) ([]Summary, error)

	// UpsertSubscriber writes phase_status, and last_stats when non-nil,
	// for one runner. The last writer wins.
	UpsertSubscriber(ctx context.Context, sub *Subscriber) error
	ListSubscribers(ctx context.Context, testID, reportID string) ([]Subscriber, error)

	InsertStat(ctx context.Context, sample *StatSample) error
	ListStats(ctx context.Context, testID, reportID string) ([]StatSample, error)

	// Wait blocks until every in-flight shard mirror has settled.
	Wait()
}

// MirrorFailure describes a shard mirror write that did not land.
type MirrorFailure struct {
	Op     string
	Params logrus.Fields
	Err    error
}

// StoreOption customizes a Store.
type StoreOption func(*store)

// WithMirrorSink routes mirror failures to sink instead of the log.
func WithMirrorSink(sink func(MirrorFailure)) StoreOption {
	return func(s *store) {
		s.sink = sink
	}
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log     logrus.FieldLogger
	db      database.Client
	sink    func(MirrorFailure)
	mirrors sync.WaitGroup
}

// NewStore creates a report Store on top of the shared database client.
func NewStore(
	log logrus.FieldLogger,
	db database.Client,
	opts ...StoreOption,
) Store {
	s := &store{
		log: log.WithField("component", "reportstore"),
		db:  db,
	}

	s.sink = s.logMirrorFailure

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start creates the report tables.
func (s *store) Start(ctx context.Context) error {
	if err := s.db.Migrate(ctx,
		&Summary{},
		&LastReport{},
		&Subscriber{},
		&StatSample{},
	); err != nil {
		return fmt.Errorf("migrating report tables: %w", err)
	}

	return nil
}

// Stop waits for in-flight mirrors. The database client is owned by the
// caller and is not closed here.
func (s *store) Stop() error {
	s.Wait()

	return nil
}

func (s *store) Wait() {
	s.mirrors.Wait()
}

func (s *store) InsertSummary(ctx context.Context, sm *Summary) error {
	shard := newLastReport(sm)

	s.mirror("insert last report", logrus.Fields{
		"start_time_year":  shard.StartTimeYear,
		"start_time_month": shard.StartTimeMonth,
		"test_id":          shard.TestID,
		"report_id":        shard.ReportID,
		"phase":            shard.Phase,
		"start_time":       shard.StartTime,
	}, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(shard).Error
	})

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.DB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(sm).Error; err != nil {
		return s.fail("insert report summary", logrus.Fields{
			"test_id":   sm.TestID,
			"report_id": sm.ReportID,
			"job_id":    sm.JobID,
			"phase":     sm.Phase,
		}, err)
	}

	return nil
}

func (s *store) UpdateSummaryPhase(
	ctx context.Context,
	testID, reportID, phase string,
	lastUpdatedAt, startTime time.Time,
) error {
	year, month := shardOf(startTime)
	params := logrus.Fields{
		"test_id":         testID,
		"report_id":       reportID,
		"phase":           phase,
		"last_updated_at": lastUpdatedAt,
		"start_time":      startTime,
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.DB().WithContext(ctx).
		Model(&Summary{}).
		Where("test_id = ? AND report_id = ?", testID, reportID).
		Updates(map[string]any{
			"phase":           phase,
			"last_updated_at": lastUpdatedAt,
		}).Error; err != nil {
		return s.fail("update report summary", params, err)
	}

	s.mirror("update last report", logrus.Fields{
		"start_time_year":  year,
		"start_time_month": month,
		"test_id":          testID,
		"report_id":        reportID,
		"phase":            phase,
		"last_updated_at":  lastUpdatedAt,
	}, func(db *gorm.DB) error {
		// Rebuilt from the canonical row. An insert mirror landing later
		// is a no-op on it.
		var sm Summary

		err := db.Where("test_id = ? AND report_id = ?", testID, reportID).
			First(&sm).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		shard := newLastReport(&sm)
		shard.StartTimeYear, shard.StartTimeMonth = year, month

		return db.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "start_time_year"},
				{Name: "start_time_month"},
				{Name: "test_id"},
				{Name: "report_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"phase", "last_updated_at"}),
		}).Create(shard).Error
	})

	return nil
}

func (s *store) GetSummary(
	ctx context.Context, testID, reportID string,
) (*Summary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var sm Summary
	if err := s.db.DB().WithContext(ctx).
		Where("test_id = ? AND report_id = ?", testID, reportID).
		First(&sm).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.ErrReportNotFound
		}

		return nil, s.fail("get report summary", logrus.Fields{
			"test_id":   testID,
			"report_id": reportID,
		}, err)
	}

	return &sm, nil
}

func (s *store) ListSummaries(
	ctx context.Context, testID string,
) ([]Summary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var summaries []Summary
	if err := s.db.DB().WithContext(ctx).
		Where("test_id = ?", testID).
		Order("start_time DESC").
		Find(&summaries).Error; err != nil {
		return nil, s.fail("list report summaries", logrus.Fields{
			"test_id": testID,
		}, err)
	}

	return summaries, nil
}

func (s *store) ListShard(
	ctx context.Context, year, month, limit int,
) ([]Summary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []LastReport
	if err := s.db.DB().WithContext(ctx).
		Where("start_time_year = ? AND start_time_month = ?", year, month).
		Order("start_time DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, s.fail("list last reports", logrus.Fields{
			"start_time_year":  year,
			"start_time_month": month,
			"limit":            limit,
		}, err)
	}

	summaries := make([]Summary, 0, len(rows))
	for i := range rows {
		summaries = append(summaries, rows[i].summary())
	}

	return summaries, nil
}

func (s *store) UpsertSubscriber(ctx context.Context, sub *Subscriber) error {
	columns := []string{"phase_status"}
	if sub.LastStats != nil {
		columns = append(columns, "last_stats")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "test_id"}, {Name: "report_id"}, {Name: "runner_id"},
			},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(sub).Error; err != nil {
		return s.fail("upsert report subscriber", logrus.Fields{
			"test_id":      sub.TestID,
			"report_id":    sub.ReportID,
			"runner_id":    sub.RunnerID,
			"phase_status": sub.PhaseStatus,
			"with_stats":   sub.LastStats != nil,
		}, err)
	}

	return nil
}

func (s *store) ListSubscribers(
	ctx context.Context, testID, reportID string,
) ([]Subscriber, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var subs []Subscriber
	if err := s.db.DB().WithContext(ctx).
		Where("test_id = ? AND report_id = ?", testID, reportID).
		Order("runner_id ASC").
		Find(&subs).Error; err != nil {
		return nil, s.fail("list report subscribers", logrus.Fields{
			"test_id":   testID,
			"report_id": reportID,
		}, err)
	}

	return subs, nil
}

func (s *store) InsertStat(ctx context.Context, sample *StatSample) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.DB().WithContext(ctx).Create(sample).Error; err != nil {
		return s.fail("insert report stats", logrus.Fields{
			"runner_id":    sample.RunnerID,
			"test_id":      sample.TestID,
			"report_id":    sample.ReportID,
			"stats_id":     sample.StatsID,
			"stats_time":   sample.StatsTime,
			"phase_index":  sample.PhaseIndex,
			"phase_status": sample.PhaseStatus,
		}, err)
	}

	return nil
}

func (s *store) ListStats(
	ctx context.Context, testID, reportID string,
) ([]StatSample, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var samples []StatSample
	if err := s.db.DB().WithContext(ctx).
		Where("test_id = ? AND report_id = ?", testID, reportID).
		Order("stats_time ASC").
		Order("id ASC").
		Find(&samples).Error; err != nil {
		return nil, s.fail("list report stats", logrus.Fields{
			"test_id":   testID,
			"report_id": reportID,
		}, err)
	}

	return samples, nil
}

// mirror runs a shard write in the background with its own timeout, so a
// cancelled request never cancels the mirror. Failures go to the sink.
func (s *store) mirror(op string, params logrus.Fields, write func(db *gorm.DB) error) {
	s.mirrors.Add(1)

	go func() {
		defer s.mirrors.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.db.QueryTimeout())
		defer cancel()

		if err := write(s.db.DB().WithContext(ctx)); err != nil {
			s.sink(MirrorFailure{Op: op, Params: params, Err: err})
		}
	}()
}

func (s *store) logMirrorFailure(f MirrorFailure) {
	s.log.WithError(f.Err).
		WithFields(f.Params).
		WithField("op", f.Op).
		WithField("timeout", s.db.QueryTimeout()).
		Error("Shard mirror write failed")
}

func (s *store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.db.QueryTimeout())
}

// fail logs a store failure with everything needed to replay it and
// returns the opaque storage error.
func (s *store) fail(op string, params logrus.Fields, err error) error {
	s.log.WithError(err).
		WithFields(params).
		WithField("op", op).
		WithField("timeout", s.db.QueryTimeout()).
		Error("Store query failed")

	return fmt.Errorf("%s: %w", op, apierr.ErrStorageUnavailable)
}

// shardOf returns the calendar year and 1-based month of t in UTC.
func shardOf(t time.Time) (int, int) {
	t = t.UTC()

	return t.Year(), int(t.Month())
}

type yearMonth struct {
	year  int
	month int
}

// trailingMonths returns count months ending with the month of now,
// newest first.
func trailingMonths(now time.Time, count int) []yearMonth {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	months := make([]yearMonth, 0, count)
	for i := 0; i < count; i++ {
		d := first.AddDate(0, -i, 0)
		months = append(months, yearMonth{year: d.Year(), month: int(d.Month())})
	}

	return months
}
