package analytics

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyang/promptlab/internal/domain/fault"
)

type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityMinute:
		return time.Minute
	case GranularityHour:
		return time.Hour
	case GranularityDay:
		return 24 * time.Hour
	}
	return 0
}

func ParseGranularity(s string) (Granularity, error) {
	if s == "" {
		return GranularityHour, nil
	}
	g := Granularity(strings.ToLower(s))
	if g.Duration() == 0 {
		return "", fmt.Errorf("%w: unknown granularity %q", fault.ErrValidation, s)
	}
	return g, nil
}

// TimeRange is inclusive on both ends.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ParseTimeRange accepts RFC 3339 timestamps (with or without fractional seconds).
func ParseTimeRange(start, end string) (TimeRange, error) {
	s, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(start))
	if err != nil {
		return TimeRange{}, fmt.Errorf("%w: start %q is not RFC 3339", fault.ErrInvalidTimeRange, start)
	}
	e, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(end))
	if err != nil {
		return TimeRange{}, fmt.Errorf("%w: end %q is not RFC 3339", fault.ErrInvalidTimeRange, end)
	}
	r := TimeRange{Start: s.UTC(), End: e.UTC()}
	return r, r.Validate()
}

func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", fault.ErrInvalidTimeRange)
	}
	if r.Start.After(r.End) {
		return fmt.Errorf("%w: start %s is after end %s", fault.ErrInvalidTimeRange,
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}

type Query struct {
	CardID      string      `json:"card_id"`
	Range       TimeRange   `json:"time_range"`
	Granularity Granularity `json:"granularity"`
}

// Metrics is a derived view; it is always recomputed from the event log.
type Metrics struct {
	TerminalRuns   int     `json:"terminal_runs"`
	SuccessfulRuns int     `json:"successful_runs"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	TotalCost      float64 `json:"total_cost"`
	TotalTokens    int64   `json:"total_tokens"`
	// Throughput is terminal runs per minute over the covered interval.
	Throughput float64 `json:"throughput"`
}

type Bucket struct {
	Start   time.Time `json:"start"`
	Metrics Metrics   `json:"metrics"`
}

type Result struct {
	Query      Query    `json:"query"`
	TimeSeries []Bucket `json:"time_series"`
	Aggregates Metrics  `json:"aggregates"`
}
