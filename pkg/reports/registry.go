package reports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/loadoor/pkg/apierr"
)

// Registry tracks the runners of each report and joins their state into
// report views.
type Registry interface {
	Subscribe(ctx context.Context, testID, reportID, runnerID, phaseStatus string) error
	UpdateSubscriber(ctx context.Context, testID, reportID, runnerID, phaseStatus string) error
	UpdateSubscriberWithStats(
		ctx context.Context,
		testID, reportID, runnerID, phaseStatus, stats string,
	) error
	RecordStat(ctx context.Context, sample *StatSample) error
	GetStats(ctx context.Context, testID, reportID string) ([]StatSample, error)

	// JoinSubscribers attaches every report's subscribers. The result has
	// the same order as summaries.
	JoinSubscribers(ctx context.Context, summaries []Summary) ([]Report, error)
}

// Compile-time interface check.
var _ Registry = (*registry)(nil)

type registry struct {
	log         logrus.FieldLogger
	store       Store
	concurrency int
}

// NewRegistry creates a Registry that joins at most concurrency reports
// at a time.
func NewRegistry(log logrus.FieldLogger, store Store, concurrency int) Registry {
	return newRegistry(log, store, concurrency)
}

func newRegistry(log logrus.FieldLogger, store Store, concurrency int) *registry {
	if concurrency < 1 {
		concurrency = 1
	}

	return &registry{
		log:         log.WithField("component", "registry"),
		store:       store,
		concurrency: concurrency,
	}
}

func (r *registry) Subscribe(
	ctx context.Context, testID, reportID, runnerID, phaseStatus string,
) error {
	if err := requireIDs(testID, reportID, runnerID); err != nil {
		return err
	}

	if err := r.store.UpsertSubscriber(ctx, &Subscriber{
		TestID:      testID,
		ReportID:    reportID,
		RunnerID:    runnerID,
		PhaseStatus: phaseStatus,
	}); err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{
		"test_id":   testID,
		"report_id": reportID,
		"runner_id": runnerID,
	}).Debug("Runner subscribed")

	return nil
}

func (r *registry) UpdateSubscriber(
	ctx context.Context, testID, reportID, runnerID, phaseStatus string,
) error {
	if err := requireIDs(testID, reportID, runnerID); err != nil {
		return err
	}

	return r.store.UpsertSubscriber(ctx, &Subscriber{
		TestID:      testID,
		ReportID:    reportID,
		RunnerID:    runnerID,
		PhaseStatus: phaseStatus,
	})
}

func (r *registry) UpdateSubscriberWithStats(
	ctx context.Context,
	testID, reportID, runnerID, phaseStatus, stats string,
) error {
	if err := requireIDs(testID, reportID, runnerID); err != nil {
		return err
	}

	return r.store.UpsertSubscriber(ctx, &Subscriber{
		TestID:      testID,
		ReportID:    reportID,
		RunnerID:    runnerID,
		PhaseStatus: phaseStatus,
		LastStats:   &stats,
	})
}

// RecordStat appends a sample. A missing stats_id or stats_time is filled
// in.
func (r *registry) RecordStat(ctx context.Context, sample *StatSample) error {
	if err := requireIDs(sample.TestID, sample.ReportID, sample.RunnerID); err != nil {
		return err
	}

	if sample.Data != "" && !json.Valid([]byte(sample.Data)) {
		return apierr.NewValidationError("data", "must be valid JSON")
	}

	if sample.StatsID == "" {
		sample.StatsID = uuid.NewString()
	}

	if sample.StatsTime.IsZero() {
		sample.StatsTime = time.Now().UTC()
	}

	return r.store.InsertStat(ctx, sample)
}

func (r *registry) GetStats(
	ctx context.Context, testID, reportID string,
) ([]StatSample, error) {
	samples, err := r.store.ListStats(ctx, testID, reportID)
	if err != nil {
		return nil, err
	}

	if samples == nil {
		samples = []StatSample{}
	}

	return samples, nil
}

func (r *registry) JoinSubscribers(
	ctx context.Context, summaries []Summary,
) ([]Report, error) {
	joined := make([]Report, len(summaries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i := range summaries {
		g.Go(func() error {
			subs, err := r.store.ListSubscribers(
				gctx, summaries[i].TestID, summaries[i].ReportID,
			)
			if err != nil {
				return err
			}

			joined[i] = Report{
				Summary:     summaries[i],
				Subscribers: r.decodeSubscribers(&summaries[i], subs),
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return joined, nil
}

func (r *registry) decodeSubscribers(sm *Summary, subs []Subscriber) []SubscriberView {
	views := make([]SubscriberView, 0, len(subs))

	for _, sub := range subs {
		view := SubscriberView{
			RunnerID:    sub.RunnerID,
			PhaseStatus: sub.PhaseStatus,
		}

		if sub.LastStats != nil {
			stats, err := DecodeStats(*sub.LastStats)
			if err != nil {
				r.log.WithError(err).WithFields(logrus.Fields{
					"test_id":   sm.TestID,
					"report_id": sm.ReportID,
					"runner_id": sub.RunnerID,
				}).Warn("Undecodable subscriber stats")

				view.DecodeError = err.Error()
			} else {
				view.LastStats = stats
			}
		}

		views = append(views, view)
	}

	return views
}

func requireIDs(testID, reportID, runnerID string) error {
	switch {
	case testID == "":
		return apierr.NewValidationError("test_id", "is required")
	case reportID == "":
		return apierr.NewValidationError("report_id", "is required")
	case runnerID == "":
		return apierr.NewValidationError("runner_id", "is required")
	}

	return nil
}
