package analytics_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alanyang/promptlab/internal/adapter/memory"
	domainanalytics "github.com/alanyang/promptlab/internal/domain/analytics"
	"github.com/alanyang/promptlab/internal/domain/execution"
	"github.com/alanyang/promptlab/internal/domain/fault"
	"github.com/alanyang/promptlab/internal/mocks"
	"github.com/alanyang/promptlab/internal/service/analytics"
	"github.com/alanyang/promptlab/internal/service/eventlog"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func at(e execution.Event, ts time.Time) execution.Event {
	e.Timestamp = ts
	return e
}

func terminal(typ execution.Type, card string, ts time.Time, durMs, tokens int64, cost float64) execution.Event {
	p := execution.Payload{
		DurationMs: execution.Int64(durMs),
		TokensUsed: execution.Int64(tokens),
		Cost:       execution.Float64(cost),
	}
	if typ == execution.TypeComplete {
		p.Success = execution.Bool(true)
	} else {
		p.ErrorKind = execution.ErrorKindTimeout
	}
	return at(execution.New(typ, uuid.New(), card, p), ts)
}

func seed(t *testing.T, events ...execution.Event) *memory.EventStore {
	t.Helper()
	s := memory.NewEventStore()
	_, err := s.Append(context.Background(), events...)
	require.NoError(t, err)
	return s
}

func TestQuery_AggregatesTerminalEventsOnly(t *testing.T) {
	run := uuid.New()
	store := seed(t,
		at(execution.New(execution.TypeStart, run, "c", execution.Payload{}), t0),
		// Progress events carry per-test-case values that must not be counted again.
		at(execution.New(execution.TypeProgress, run, "c", execution.Payload{Cost: execution.Float64(9), TokensUsed: execution.Int64(900)}), t0.Add(time.Minute)),
		terminal(execution.TypeComplete, "c", t0.Add(2*time.Minute), 1000, 100, 0.5),
		terminal(execution.TypeComplete, "c", t0.Add(70*time.Minute), 3000, 300, 1.5),
		terminal(execution.TypeFail, "c", t0.Add(80*time.Minute), 2000, 50, 0.25),
		terminal(execution.TypeComplete, "other", t0.Add(3*time.Minute), 1, 1, 1),
	)
	agg := analytics.NewAggregator(store)

	res, err := agg.Query(context.Background(), domainanalytics.Query{
		CardID:      "c",
		Range:       domainanalytics.TimeRange{Start: t0, End: t0.Add(2 * time.Hour)},
		Granularity: domainanalytics.GranularityHour,
	})
	require.NoError(t, err)

	a := res.Aggregates
	assert.Equal(t, 3, a.TerminalRuns)
	assert.Equal(t, 2, a.SuccessfulRuns)
	assert.InDelta(t, 2.0/3.0, a.SuccessRate, 1e-9)
	assert.InDelta(t, 2000.0, a.AvgDurationMs, 1e-9)
	assert.InDelta(t, 2.25, a.TotalCost, 1e-9)
	assert.Equal(t, int64(450), a.TotalTokens)
	assert.InDelta(t, 3.0/120.0, a.Throughput, 1e-9)

	require.Len(t, res.TimeSeries, 3)
	assert.Equal(t, t0, res.TimeSeries[0].Start)
	assert.Equal(t, 1, res.TimeSeries[0].Metrics.TerminalRuns)
	assert.Equal(t, 2, res.TimeSeries[1].Metrics.TerminalRuns)
	assert.InDelta(t, 0.5, res.TimeSeries[1].Metrics.SuccessRate, 1e-9)
	assert.Equal(t, 0, res.TimeSeries[2].Metrics.TerminalRuns)
}

func TestQuery_RangeIsInclusive(t *testing.T) {
	inside := terminal(execution.TypeComplete, "c", t0, 10, 1, 0.1)
	edge := terminal(execution.TypeComplete, "c", t0.Add(time.Hour), 10, 1, 0.1)
	outside := terminal(execution.TypeComplete, "c", t0.Add(time.Hour+time.Nanosecond), 10, 1, 0.1)
	before := terminal(execution.TypeComplete, "c", t0.Add(-time.Nanosecond), 10, 1, 0.1)
	agg := analytics.NewAggregator(seed(t, inside, edge, outside, before))

	res, err := agg.Query(context.Background(), domainanalytics.Query{
		CardID:      "c",
		Range:       domainanalytics.TimeRange{Start: t0, End: t0.Add(time.Hour)},
		Granularity: domainanalytics.GranularityMinute,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Aggregates.TerminalRuns)
	assert.Len(t, res.TimeSeries, 61)
	assert.Equal(t, 1, res.TimeSeries[60].Metrics.TerminalRuns)
}

func TestQuery_InvalidInput(t *testing.T) {
	agg := analytics.NewAggregator(memory.NewEventStore())
	ctx := context.Background()

	_, err := agg.Query(ctx, domainanalytics.Query{Range: domainanalytics.TimeRange{Start: t0, End: t0.Add(-time.Second)}})
	assert.True(t, errors.Is(err, fault.ErrInvalidTimeRange))

	_, err = agg.Query(ctx, domainanalytics.Query{})
	assert.True(t, errors.Is(err, fault.ErrInvalidTimeRange))

	_, err = agg.Query(ctx, domainanalytics.Query{
		Range:       domainanalytics.TimeRange{Start: t0, End: t0.Add(time.Hour)},
		Granularity: "fortnight",
	})
	assert.True(t, errors.Is(err, fault.ErrValidation))

	_, err = agg.Query(ctx, domainanalytics.Query{
		Range:       domainanalytics.TimeRange{Start: t0, End: t0.AddDate(1, 0, 0)},
		Granularity: domainanalytics.GranularityMinute,
	})
	assert.True(t, errors.Is(err, fault.ErrInvalidTimeRange), "too many buckets")
}

func TestQuery_StoreError(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockEventStore(ctrl)
	store.EXPECT().List(gomock.Any(), gomock.Any()).Return(nil, errors.New("boom"))

	_, err := analytics.NewAggregator(store).Query(context.Background(), domainanalytics.Query{
		Range: domainanalytics.TimeRange{Start: t0, End: t0.Add(time.Hour)},
	})
	require.Error(t, err)
}

func TestQuery_ExactUnderConcurrentWrites(t *testing.T) {
	store := memory.NewEventStore()
	rec := eventlog.NewRecorder(store, eventlog.Config{})
	go rec.Run()
	defer rec.Close()

	start := time.Now().UTC().Add(-time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rec.RecordEvent(context.Background(), execution.New(execution.TypeComplete, uuid.New(), "c", execution.Payload{
				Cost:       execution.Float64(0.5),
				TokensUsed: execution.Int64(7),
			}))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := analytics.NewAggregator(rec).Query(context.Background(), domainanalytics.Query{
		CardID: "c",
		Range:  domainanalytics.TimeRange{Start: start, End: time.Now().UTC().Add(time.Minute)},
	})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Aggregates.TerminalRuns)
	assert.InDelta(t, 50.0, res.Aggregates.TotalCost, 1e-9)
	assert.Equal(t, int64(700), res.Aggregates.TotalTokens)
	assert.InDelta(t, 1.0, res.Aggregates.SuccessRate, 1e-9)
}

func TestWindow(t *testing.T) {
	now := time.Now().UTC()
	store := seed(t,
		terminal(execution.TypeComplete, "c", now.Add(-10*time.Minute), 100, 10, 0.1),
		terminal(execution.TypeFail, "c", now.Add(-3*time.Hour), 100, 10, 0.1),
	)
	r, m, err := analytics.NewAggregator(store).Window(context.Background(), "c", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, m.TerminalRuns)
	assert.WithinDuration(t, r.Start.Add(time.Hour), r.End, time.Millisecond)
}
