package analytics

import (
	"context"
	"fmt"
	"time"

	domainanalytics "github.com/alanyang/promptlab/internal/domain/analytics"
	"github.com/alanyang/promptlab/internal/domain/execution"
	"github.com/alanyang/promptlab/internal/domain/fault"
)

// MaxBuckets caps a time series; finer granularity needs a narrower range.
const MaxBuckets = 10_000

// EventSource is the read side of the execution log.
// [ISP] The aggregator never appends.
type EventSource interface {
	List(ctx context.Context, f execution.Filter) ([]execution.Event, error)
}

// Aggregator recomputes metrics from the log on every query. Nothing is cached,
// so results can never drift from what the store holds.
type Aggregator struct {
	source EventSource
}

func NewAggregator(source EventSource) *Aggregator {
	return &Aggregator{source: source}
}

func (a *Aggregator) Query(ctx context.Context, q domainanalytics.Query) (domainanalytics.Result, error) {
	if err := q.Range.Validate(); err != nil {
		return domainanalytics.Result{}, err
	}
	if q.Granularity == "" {
		q.Granularity = domainanalytics.GranularityHour
	}
	width := q.Granularity.Duration()
	if width == 0 {
		return domainanalytics.Result{}, fmt.Errorf("%w: unknown granularity %q", fault.ErrValidation, q.Granularity)
	}

	first := q.Range.Start.Truncate(width)
	n := int(q.Range.End.Sub(first)/width) + 1
	if n > MaxBuckets {
		return domainanalytics.Result{}, fmt.Errorf("%w: %d %s buckets exceed the maximum of %d",
			fault.ErrInvalidTimeRange, n, q.Granularity, MaxBuckets)
	}

	events, err := a.source.List(ctx, execution.Filter{
		CardID: q.CardID,
		Types:  []execution.Type{execution.TypeComplete, execution.TypeFail},
		From:   q.Range.Start,
		To:     q.Range.End,
	})
	if err != nil {
		return domainanalytics.Result{}, fmt.Errorf("query analytics: %w", err)
	}

	buckets := make([]tally, n)
	var total tally
	for _, e := range events {
		i := int(e.Timestamp.Sub(first) / width)
		if i < 0 || i >= n {
			continue
		}
		buckets[i].add(e)
		total.add(e)
	}

	res := domainanalytics.Result{
		Query:      q,
		TimeSeries: make([]domainanalytics.Bucket, n),
		Aggregates: total.metrics(span(q.Range)),
	}
	for i := range buckets {
		res.TimeSeries[i] = domainanalytics.Bucket{
			Start:   first.Add(time.Duration(i) * width),
			Metrics: buckets[i].metrics(width),
		}
	}
	return res, nil
}

// Window computes aggregates only, for the trailing period ending now.
func (a *Aggregator) Window(ctx context.Context, cardID string, period time.Duration) (domainanalytics.TimeRange, domainanalytics.Metrics, error) {
	end := time.Now().UTC()
	r := domainanalytics.TimeRange{Start: end.Add(-period), End: end}
	res, err := a.Query(ctx, domainanalytics.Query{CardID: cardID, Range: r, Granularity: coarsest(period)})
	if err != nil {
		return r, domainanalytics.Metrics{}, err
	}
	return r, res.Aggregates, nil
}

type tally struct {
	terminal    int
	successful  int
	timed       int
	durationSum int64
	cost        float64
	tokens      int64
}

func (t *tally) add(e execution.Event) {
	if !e.Type.Terminal() {
		return
	}
	t.terminal++
	if e.Successful() {
		t.successful++
	}
	if e.Payload.DurationMs != nil {
		t.timed++
		t.durationSum += *e.Payload.DurationMs
	}
	if e.Payload.Cost != nil {
		t.cost += *e.Payload.Cost
	}
	if e.Payload.TokensUsed != nil {
		t.tokens += *e.Payload.TokensUsed
	}
}

func (t tally) metrics(over time.Duration) domainanalytics.Metrics {
	m := domainanalytics.Metrics{
		TerminalRuns:   t.terminal,
		SuccessfulRuns: t.successful,
		TotalCost:      t.cost,
		TotalTokens:    t.tokens,
	}
	if t.terminal > 0 {
		m.SuccessRate = float64(t.successful) / float64(t.terminal)
	}
	if t.timed > 0 {
		m.AvgDurationMs = float64(t.durationSum) / float64(t.timed)
	}
	if over < time.Minute {
		over = time.Minute
	}
	m.Throughput = float64(t.terminal) / over.Minutes()
	return m
}

func span(r domainanalytics.TimeRange) time.Duration {
	return r.End.Sub(r.Start)
}

func coarsest(period time.Duration) domainanalytics.Granularity {
	switch {
	case period >= 48*time.Hour:
		return domainanalytics.GranularityDay
	case period >= 2*time.Hour:
		return domainanalytics.GranularityHour
	default:
		return domainanalytics.GranularityMinute
	}
}
