package reports_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/loadoor/pkg/apierr"
	"github.com/ethpandaops/loadoor/pkg/config"
	"github.com/ethpandaops/loadoor/pkg/reports"
)

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func setupTestService(t *testing.T) (reports.Service, reports.Store) {
	t.Helper()

	store := reports.NewStore(newTestLogger(), setupTestDB(t))
	svc := reports.NewService(newTestLogger(), &config.ReportsConfig{
		LastReportsMonths: 3,
		JoinConcurrency:   4,
	}, store, reports.WithClock(func() time.Time { return testNow }))

	require.NoError(t, svc.Start(context.Background()))

	t.Cleanup(func() {
		_ = svc.Stop()
	})

	return svc, store
}

func TestService_GetReportWithoutSubscribers(t *testing.T) {
	svc, store := setupTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.InsertReport(ctx, testSummary("t", "r", testNow)))
	store.Wait()

	report, err := svc.GetReport(ctx, "t", "r")
	require.NoError(t, err)
	require.NotNil(t, report.Subscribers)
	assert.Empty(t, report.Subscribers)

	body, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"subscribers":[]`)
	assert.Contains(t, string(body), `"test_id":"t"`)
}

func TestService_GetReportNotFound(t *testing.T) {
	svc, _ := setupTestService(t)

	_, err := svc.GetReport(context.Background(), "t", "missing")
	assert.ErrorIs(t, err, apierr.ErrReportNotFound)
	assert.True(t, apierr.IsNotFound(err))
}

func TestService_InsertReportDefaults(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	sm := &reports.Summary{TestID: "t", ReportID: "r", Phase: reports.PhaseInitializing}
	require.NoError(t, svc.InsertReport(ctx, sm))

	got, err := svc.GetReport(ctx, "t", "r")
	require.NoError(t, err)
	assert.True(t, testNow.Equal(got.StartTime))
	assert.True(t, testNow.Equal(got.LastUpdatedAt))

	err = svc.InsertReport(ctx, &reports.Summary{ReportID: "r"})
	assert.ErrorIs(t, err, apierr.ErrValidation)
}

func TestService_GetLastReports(t *testing.T) {
	svc, store := setupTestService(t)
	ctx := context.Background()

	seed := []struct {
		id    string
		start time.Time
	}{
		{"mar-1", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{"mar-2", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{"mar-3", time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)},
		{"feb-1", time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)},
		{"feb-2", time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)},
		{"jan-1", time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)},
		{"jan-2", time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)},
		{"dec-1", time.Date(2025, 12, 30, 9, 0, 0, 0, time.UTC)},
	}

	for _, s := range seed {
		require.NoError(t, svc.InsertReport(ctx, testSummary("t", s.id, s.start)))
	}

	store.Wait()

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{
			name:  "truncated within current month",
			limit: 2,
			want:  []string{"mar-3", "mar-2"},
		},
		{
			name:  "spills into previous month",
			limit: 4,
			want:  []string{"mar-3", "mar-2", "mar-1", "feb-2"},
		},
		{
			name:  "whole window excludes older months",
			limit: 100,
			want:  []string{"mar-3", "mar-2", "mar-1", "feb-2", "feb-1", "jan-2", "jan-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.GetLastReports(ctx, tt.limit)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(got), tt.limit)

			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.ReportID)
				assert.NotNil(t, r.Subscribers)
			}

			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestService_GetLastReportsInvalidLimit(t *testing.T) {
	svc, _ := setupTestService(t)

	_, err := svc.GetLastReports(context.Background(), 0)
	assert.ErrorIs(t, err, apierr.ErrValidation)
}

func TestService_GetLastReportsFailsWhenAShardFails(t *testing.T) {
	svc, _ := setupTestService(t)
	db := setupTestDB(t)

	// A store on a database without the shard table.
	broken := reports.NewService(newTestLogger(), &config.ReportsConfig{
		LastReportsMonths: 2,
	}, reports.NewStore(newTestLogger(), db))

	_, err := broken.GetLastReports(context.Background(), 5)
	assert.ErrorIs(t, err, apierr.ErrStorageUnavailable)

	_, err = svc.GetLastReports(context.Background(), 5)
	assert.NoError(t, err)
}

func TestService_GetReportsJoinsInOrder(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("r-%02d", i)
		require.NoError(t, svc.InsertReport(ctx,
			testSummary("t", id, testNow.Add(time.Duration(i)*time.Minute))))
		require.NoError(t, svc.Subscribe(ctx, "t", id, "runner-"+id, reports.PhaseStarted))
	}

	got, err := svc.GetReports(ctx, "t")
	require.NoError(t, err)
	require.Len(t, got, 12)

	for i, r := range got {
		assert.Equal(t, fmt.Sprintf("r-%02d", 11-i), r.ReportID)
		require.Len(t, r.Subscribers, 1)
		assert.Equal(t, "runner-"+r.ReportID, r.Subscribers[0].RunnerID)
	}
}

func TestService_UpdateReportPhase(t *testing.T) {
	svc, store := setupTestService(t)
	ctx := context.Background()
	start := testNow.Add(-time.Hour)

	require.NoError(t, svc.InsertReport(ctx, testSummary("t", "r", start)))
	store.Wait()

	report, err := svc.UpdateReportPhase(ctx, "t", "r", reports.PhaseStopped)
	require.NoError(t, err)
	assert.Equal(t, reports.PhaseStopped, report.Phase)
	assert.True(t, testNow.Equal(report.LastUpdatedAt))

	phase, err := svc.Phase(ctx, "t", "r")
	require.NoError(t, err)
	assert.Equal(t, reports.PhaseStopped, phase)

	store.Wait()

	last, err := svc.GetLastReports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, reports.PhaseStopped, last[0].Phase)

	_, err = svc.UpdateReportPhase(ctx, "t", "missing", reports.PhaseStopped)
	assert.ErrorIs(t, err, apierr.ErrReportNotFound)

	_, err = svc.UpdateReportPhase(ctx, "t", "r", "")
	assert.ErrorIs(t, err, apierr.ErrValidation)
}
