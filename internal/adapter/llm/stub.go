package llm

import (
	"context"
	"strings"
	"time"

	portmodel "github.com/alanyang/promptlab/internal/port/model"
)

var _ portmodel.Invoker = (*StubInvoker)(nil)

// StubInvoker echoes the prompt after a fixed latency. It is used when no model
// endpoint is configured, and in tests.
type StubInvoker struct {
	Latency      time.Duration
	CostPerToken float64
}

func (s StubInvoker) Invoke(ctx context.Context, p portmodel.Prompt) (portmodel.Result, error) {
	started := time.Now()
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return portmodel.Result{}, portmodel.ErrTimeout
			}
			return portmodel.Result{}, ctx.Err()
		}
	}
	tokens := int64(len(strings.Fields(p.Text)))
	return portmodel.Result{
		Output:     p.Text,
		TokensUsed: tokens,
		Cost:       float64(tokens) * s.CostPerToken,
		DurationMs: time.Since(started).Milliseconds(),
	}, nil
}
