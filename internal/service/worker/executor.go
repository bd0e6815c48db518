package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domainanalytics "github.com/alanyang/promptlab/internal/domain/analytics"
	"github.com/alanyang/promptlab/internal/domain/card"
	"github.com/alanyang/promptlab/internal/domain/execution"
	"github.com/alanyang/promptlab/internal/domain/fault"
	"github.com/alanyang/promptlab/internal/domain/progress"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	portdef "github.com/alanyang/promptlab/internal/port/definition"
	portbus "github.com/alanyang/promptlab/internal/port/eventbus"
	portmodel "github.com/alanyang/promptlab/internal/port/model"
	"github.com/alanyang/promptlab/internal/service/gate"
)

// Recorder is the write side of the execution log.
type Recorder interface {
	RecordEvent(ctx context.Context, e execution.Event) (execution.Event, error)
}

// WindowReader supplies the trailing card metrics pushed after a run finishes.
type WindowReader interface {
	Window(ctx context.Context, cardID string, period time.Duration) (domainanalytics.TimeRange, domainanalytics.Metrics, error)
}

type Config struct {
	// InvokeTimeout bounds a single model call.
	InvokeTimeout time.Duration
	// AnalyticsWindow is the trailing period of analytics_update pushes. Zero disables them.
	AnalyticsWindow time.Duration
	// RecordBackoff is the first wait between terminal event writes. It doubles up to maxRecordBackoff.
	RecordBackoff time.Duration
	// Stopping is closed on shutdown. Terminal event writes are retried until
	// they succeed or Stopping is closed.
	Stopping <-chan struct{}
}

const maxRecordBackoff = 5 * time.Second

// Executor runs one request's test cases against the model.
// [SRP] Knows nothing about queueing; it is handed an admitted request and a
// context that is cancelled when the run should stop.
type Executor struct {
	defs      portdef.Lookup
	invoker   portmodel.Invoker
	recorder  Recorder
	bus       portbus.EventBus
	modelGate *gate.Gate
	analytics WindowReader
	cfg       Config
}

func NewExecutor(
	defs portdef.Lookup,
	invoker portmodel.Invoker,
	recorder Recorder,
	bus portbus.EventBus,
	modelGate *gate.Gate,
	analytics WindowReader,
	cfg Config,
) *Executor {
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 60 * time.Second
	}
	if cfg.RecordBackoff <= 0 {
		cfg.RecordBackoff = 50 * time.Millisecond
	}
	return &Executor{
		defs:      defs,
		invoker:   invoker,
		recorder:  recorder,
		bus:       bus,
		modelGate: modelGate,
		analytics: analytics,
		cfg:       cfg,
	}
}

// caseFailure is a test case error already classified.
type caseFailure struct {
	testCaseID string
	kind       execution.ErrorKind
	err        error
}

func (f *caseFailure) Error() string {
	return fmt.Sprintf("test case %s: %s: %v", f.testCaseID, f.kind, f.err)
}

func (f *caseFailure) Unwrap() error { return f.err }

type totals struct {
	mu        sync.Mutex
	completed int
	tokens    int64
	cost      float64
}

func (t *totals) add(r portmodel.Result) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	t.tokens += r.TokensUsed
	t.cost += r.Cost
	return t.completed
}

func (t *totals) snapshot() (int, int64, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed, t.tokens, t.cost
}

// Execute records exactly one terminal event before returning. If the process
// stops before the log accepts it, the outcome is marked Unrecorded.
func (e *Executor) Execute(ctx context.Context, req domainrun.Request) domainrun.Outcome {
	started := time.Now()
	// Events are written even after the run is cancelled.
	recCtx := context.WithoutCancel(ctx)
	room := progress.Room{SessionID: req.SessionID, CardID: req.CardID}
	total := len(req.TestCases)

	if _, err := e.recorder.RecordEvent(recCtx, execution.New(execution.TypeStart, req.ID, req.CardID,
		execution.Payload{Total: total})); err != nil {
		slog.ErrorContext(ctx, "record start event", "run_id", req.ID, "error", err)
	}
	e.publish(recCtx, room, progress.TestProgress{RunID: req.ID, State: "running", Total: total})

	var t totals
	err := e.runCases(ctx, req, &t)
	return e.finish(recCtx, ctx, req, room, started, &t, err)
}

func (e *Executor) runCases(ctx context.Context, req domainrun.Request, t *totals) error {
	c, err := e.defs.GetCard(ctx, req.CardID)
	if err != nil {
		kind := execution.ErrorKindUnavailable
		if errors.Is(err, fault.ErrNotFound) {
			kind = execution.ErrorKindInvalidInput
		}
		return &caseFailure{kind: kind, err: err}
	}

	limit := req.RequestedParallelism
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, tc := range req.TestCases {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return e.runCase(gctx, req, c, tc, t)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// A cancellation that lands after the last case still counts.
	return ctx.Err()
}

func (e *Executor) runCase(ctx context.Context, req domainrun.Request, c card.Card, tc card.TestCase, t *totals) error {
	permit, err := e.modelGate.Acquire(ctx, req.ID.String()+"/"+tc.ID)
	if err != nil {
		return err
	}
	defer permit.Release()

	ictx, cancel := context.WithTimeout(ctx, e.cfg.InvokeTimeout)
	res, err := e.invoker.Invoke(ictx, portmodel.Prompt{
		CardID:     c.ID,
		TestCaseID: tc.ID,
		Model:      c.Model,
		Text:       c.Render(tc),
	})
	timedOut := errors.Is(ictx.Err(), context.DeadlineExceeded)
	cancel()

	recCtx := context.WithoutCancel(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Stopped because the run or a sibling case was cancelled.
			return err
		}
		kind := classify(err, timedOut)
		e.record(recCtx, execution.New(execution.TypeProgress, req.ID, req.CardID, execution.Payload{
			TestCaseID: tc.ID,
			Total:      len(req.TestCases),
			Success:    execution.Bool(false),
			ErrorKind:  kind,
		}))
		e.publish(recCtx, progress.Room{SessionID: req.SessionID, CardID: req.CardID}, progress.TestProgress{
			RunID: req.ID, TestCaseID: tc.ID, State: "failed", Total: len(req.TestCases), ErrorKind: string(kind),
		})
		return &caseFailure{testCaseID: tc.ID, kind: kind, err: err}
	}

	done := t.add(res)
	e.record(recCtx, execution.New(execution.TypeProgress, req.ID, req.CardID, execution.Payload{
		TestCaseID: tc.ID,
		Completed:  done,
		Total:      len(req.TestCases),
		DurationMs: execution.Int64(res.DurationMs),
		TokensUsed: execution.Int64(res.TokensUsed),
		Cost:       execution.Float64(res.Cost),
		Success:    execution.Bool(true),
	}))
	e.publish(recCtx, progress.Room{SessionID: req.SessionID, CardID: req.CardID}, progress.TestProgress{
		RunID:      req.ID,
		TestCaseID: tc.ID,
		State:      "completed",
		Completed:  done,
		Total:      len(req.TestCases),
		DurationMs: res.DurationMs,
	})
	return nil
}

func (e *Executor) finish(recCtx, runCtx context.Context, req domainrun.Request, room progress.Room,
	started time.Time, t *totals, runErr error) domainrun.Outcome {
	completed, tokens, cost := t.snapshot()
	payload := execution.Payload{
		Completed:  completed,
		Total:      len(req.TestCases),
		DurationMs: execution.Int64(time.Since(started).Milliseconds()),
		TokensUsed: execution.Int64(tokens),
		Cost:       execution.Float64(cost),
	}

	outcome := domainrun.Outcome{Status: domainrun.StatusCompleted}
	evType := execution.TypeComplete
	state := "completed"
	if runErr != nil {
		var kind execution.ErrorKind
		var cf *caseFailure
		switch {
		case runCtx.Err() != nil:
			kind = execution.CancelKind(runCtx)
		case errors.As(runErr, &cf):
			kind = cf.kind
		default:
			kind = execution.ErrorKindModel
		}
		evType = execution.TypeFail
		payload.ErrorKind = kind
		payload.Success = execution.Bool(false)
		outcome = domainrun.Outcome{Status: domainrun.StatusFailed, ErrorKind: string(kind)}
		if kind == execution.ErrorKindCancelled {
			outcome.Status = domainrun.StatusCancelled
		}
		state = string(outcome.Status)
		slog.WarnContext(recCtx, "run failed", "run_id", req.ID, "card_id", req.CardID,
			"error_kind", kind, "error", runErr)
	} else {
		payload.Success = execution.Bool(true)
	}

	if err := e.recordTerminal(recCtx, execution.New(evType, req.ID, req.CardID, payload)); err != nil {
		slog.ErrorContext(recCtx, "record terminal event", "run_id", req.ID, "error", err)
		outcome.Unrecorded = true
	}

	e.publish(recCtx, room, progress.TestProgress{
		RunID:      req.ID,
		State:      state,
		Completed:  completed,
		Total:      len(req.TestCases),
		DurationMs: *payload.DurationMs,
		ErrorKind:  string(payload.ErrorKind),
	})
	e.publish(recCtx, room, progress.CostUpdate{RunID: req.ID, Cost: cost, TokensUsed: tokens})
	e.publishAnalytics(recCtx, room)
	return outcome
}

// recordTerminal retries with backoff until the event is stored. Once Stopping
// is closed it makes one last attempt.
func (e *Executor) recordTerminal(ctx context.Context, ev execution.Event) error {
	backoff := e.cfg.RecordBackoff
	for {
		_, err := e.recorder.RecordEvent(ctx, ev)
		if err == nil {
			return nil
		}
		slog.WarnContext(ctx, "record terminal event failed, retrying", "run_id", ev.RunID,
			"type", ev.Type, "backoff", backoff, "error", err)
		select {
		case <-e.cfg.Stopping:
			_, err = e.recorder.RecordEvent(ctx, ev)
			return err
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, maxRecordBackoff)
	}
}

func (e *Executor) publishAnalytics(ctx context.Context, room progress.Room) {
	if e.analytics == nil || e.cfg.AnalyticsWindow <= 0 || !room.Valid() {
		return
	}
	window, metrics, err := e.analytics.Window(ctx, room.CardID, e.cfg.AnalyticsWindow)
	if err != nil {
		slog.ErrorContext(ctx, "compute analytics update", "card_id", room.CardID, "error", err)
		return
	}
	e.publish(ctx, room, progress.AnalyticsUpdate{CardID: room.CardID, Window: window, Metrics: metrics})
}

func (e *Executor) record(ctx context.Context, ev execution.Event) {
	if _, err := e.recorder.RecordEvent(ctx, ev); err != nil {
		slog.ErrorContext(ctx, "record event", "run_id", ev.RunID, "type", ev.Type, "error", err)
	}
}

// publish is best-effort; runs submitted without a session have no room to publish to.
func (e *Executor) publish(ctx context.Context, room progress.Room, p progress.Payload) {
	if e.bus == nil || !room.Valid() {
		return
	}
	if err := e.bus.Publish(ctx, progress.New(room, p)); err != nil {
		slog.ErrorContext(ctx, "publish progress", "type", p.Kind(), "error", err)
	}
}

func classify(err error, timedOut bool) execution.ErrorKind {
	switch {
	case timedOut, errors.Is(err, portmodel.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return execution.ErrorKindTimeout
	case errors.Is(err, portmodel.ErrUnavailable):
		return execution.ErrorKindUnavailable
	default:
		return execution.ErrorKindModel
	}
}
