package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	domainanalytics "github.com/alanyang/promptlab/internal/domain/analytics"
	"github.com/alanyang/promptlab/internal/domain/execution"
	"github.com/alanyang/promptlab/internal/domain/fault"
	domainprogress "github.com/alanyang/promptlab/internal/domain/progress"
	"github.com/alanyang/promptlab/internal/domain/resource"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	portdef "github.com/alanyang/promptlab/internal/port/definition"
	portidem "github.com/alanyang/promptlab/internal/port/idempotency"
	portrun "github.com/alanyang/promptlab/internal/port/run"
	"github.com/alanyang/promptlab/internal/service/admission"
	"github.com/alanyang/promptlab/internal/service/analytics"
	"github.com/alanyang/promptlab/internal/service/eventlog"
	"github.com/alanyang/promptlab/internal/service/gate"
	"github.com/alanyang/promptlab/internal/service/progress"
	"github.com/alanyang/promptlab/internal/service/queue"
)

const (
	opSubmitRun = "submit_run"
	claimPoll   = 10 * time.Millisecond
)

type SubmitInput struct {
	CardID    string   `json:"card_id"`
	SessionID string   `json:"session_id"`
	TestCases []string `json:"test_cases"`
	Priority  string   `json:"priority"`
	// Parallelism defaults to 1.
	Parallelism    int    `json:"parallelism"`
	IdempotencyKey string `json:"-"`
}

// View is a run as returned to pollers. Position is the 1-based queue position
// while the run is queued.
type View struct {
	domainrun.Request
	Position int `json:"position,omitempty"`
}

type Config struct {
	InstanceID     string
	MaxParallelism int
	// ClaimWait bounds how long a submission waits on another one holding the
	// same idempotency key. Defaults to 5s.
	ClaimWait time.Duration
}

// Service is the entry point the API layer talks to.
// [SRP] Validates and records submissions; scheduling is delegated to the queue manager.
// [DIP] Storage and definitions come in through ports.
type Service struct {
	defs        portdef.Lookup
	runs        portrun.Repository
	idem        portidem.Store
	manager     *queue.Manager
	admission   *admission.Controller
	gates       *gate.Registry
	recorder    *eventlog.Recorder
	aggregator  *analytics.Aggregator
	broadcaster *progress.Broadcaster
	validator   *inputValidator
	cfg         Config
}

func NewService(
	defs portdef.Lookup,
	runs portrun.Repository,
	idem portidem.Store,
	manager *queue.Manager,
	ctrl *admission.Controller,
	gates *gate.Registry,
	recorder *eventlog.Recorder,
	aggregator *analytics.Aggregator,
	broadcaster *progress.Broadcaster,
	cfg Config,
) *Service {
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = 5 * time.Second
	}
	return &Service{
		defs:        defs,
		runs:        runs,
		idem:        idem,
		manager:     manager,
		admission:   ctrl,
		gates:       gates,
		recorder:    recorder,
		aggregator:  aggregator,
		broadcaster: broadcaster,
		validator:   newInputValidator(),
		cfg:         cfg,
	}
}

// SubmitRun validates the request, persists it and hands it to the queue manager.
// It returns as soon as the run is running or queued. With an idempotency key,
// concurrent and repeated submissions share the one run the first of them created.
func (s *Service) SubmitRun(ctx context.Context, in SubmitInput) (domainrun.Ack, error) {
	id := uuid.New()
	if in.IdempotencyKey == "" || s.idem == nil {
		return s.submit(ctx, in, id)
	}

	key := in.IdempotencyKey
	prior, owned, err := s.claim(ctx, key, id)
	if err != nil || !owned {
		return prior, err
	}

	// Detached so the key is settled even if the caller went away.
	settle := context.WithoutCancel(ctx)
	ack, err := s.submit(ctx, in, id)
	if err != nil {
		if rerr := s.idem.Release(settle, key, id); rerr != nil {
			slog.ErrorContext(ctx, "release idempotency key", "run_id", id, "error", rerr)
		}
		return domainrun.Ack{}, err
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return ack, fmt.Errorf("encode idempotent result: %w", err)
	}
	if err := s.idem.Complete(settle, key, id, data); err != nil {
		slog.ErrorContext(ctx, "complete idempotency key", "run_id", id, "error", err)
	}
	return ack, nil
}

// claim takes key for id. If another submission holds it, claim waits for that
// submission's result and returns it with owned=false.
func (s *Service) claim(ctx context.Context, key string, id uuid.UUID) (domainrun.Ack, bool, error) {
	deadline := time.NewTimer(s.cfg.ClaimWait)
	defer deadline.Stop()
	for {
		c, owned, err := s.idem.Claim(ctx, key, id, opSubmitRun)
		if err != nil {
			return domainrun.Ack{}, false, fmt.Errorf("claim idempotency key: %w", err)
		}
		if owned {
			return domainrun.Ack{}, true, nil
		}
		if c.Result != nil {
			var ack domainrun.Ack
			if err := json.Unmarshal(c.Result, &ack); err != nil {
				return domainrun.Ack{}, false, fmt.Errorf("decode idempotent result: %w", err)
			}
			return ack, false, nil
		}

		select {
		case <-deadline.C:
			return domainrun.Ack{}, false, fmt.Errorf("%w: run %s for idempotency key %q is still being submitted",
				fault.ErrConflict, c.RunID, key)
		case <-ctx.Done():
			return domainrun.Ack{}, false, ctx.Err()
		case <-time.After(claimPoll):
		}
	}
}

func (s *Service) submit(ctx context.Context, in SubmitInput, id uuid.UUID) (domainrun.Ack, error) {
	req, err := s.buildRequest(ctx, in)
	if err != nil {
		return domainrun.Ack{}, err
	}
	req.ID = id

	if _, err := s.runs.Create(ctx, req); err != nil {
		return domainrun.Ack{}, fmt.Errorf("create run: %w", err)
	}

	ack, err := s.manager.Submit(ctx, req)
	if err != nil {
		kind := "rejected"
		if errors.Is(err, fault.ErrQueueOverflow) {
			kind = "queue_overflow"
		} else if errors.Is(err, fault.ErrResourceExhausted) {
			kind = "resource_exhausted"
		}
		// Detached so a cancelled caller still leaves no run stuck in queued.
		if uerr := s.runs.UpdateStatus(context.WithoutCancel(ctx), req.ID, domainrun.StatusQueued, domainrun.StatusRejected, kind); uerr != nil {
			slog.ErrorContext(ctx, "mark run rejected", "run_id", req.ID, "error", uerr)
		}
		return domainrun.Ack{}, fmt.Errorf("submit run: %w", err)
	}

	slog.InfoContext(ctx, "run submitted", "run_id", ack.ExecutionID, "card_id", req.CardID,
		"session_id", req.SessionID, "priority", req.Priority, "status", ack.Status)
	return ack, nil
}

func (s *Service) buildRequest(ctx context.Context, in SubmitInput) (domainrun.Request, error) {
	cardID := strings.TrimSpace(in.CardID)
	if cardID == "" {
		return domainrun.Request{}, fmt.Errorf("%w: card_id is required", fault.ErrValidation)
	}
	priority, err := domainrun.ParsePriority(in.Priority)
	if err != nil {
		return domainrun.Request{}, err
	}
	parallelism := in.Parallelism
	if parallelism == 0 {
		parallelism = 1
	}

	c, err := s.defs.GetCard(ctx, cardID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return domainrun.Request{}, fmt.Errorf("%w: unknown card %q", fault.ErrValidation, cardID)
		}
		return domainrun.Request{}, fmt.Errorf("get card: %w", err)
	}
	tcs, err := c.Select(in.TestCases)
	if err != nil {
		return domainrun.Request{}, err
	}
	if err := s.validator.validate(c, tcs); err != nil {
		return domainrun.Request{}, err
	}

	req := domainrun.New(cardID, in.SessionID, tcs, priority, parallelism)
	req.InstanceID = s.cfg.InstanceID
	if err := req.Validate(s.cfg.MaxParallelism); err != nil {
		return domainrun.Request{}, err
	}
	return req, nil
}

// CancelRun cancels a queued run synchronously or asks a running one to stop.
// Cancelling a run that already finished is a no-op that reports its final status.
func (s *Service) CancelRun(ctx context.Context, id uuid.UUID) (domainrun.Status, error) {
	status, err := s.manager.Cancel(ctx, id)
	if err == nil {
		slog.InfoContext(ctx, "run cancel requested", "run_id", id, "status", status)
		return status, nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return "", fmt.Errorf("cancel run: %w", err)
	}
	r, gerr := s.runs.GetByID(ctx, id)
	if gerr != nil {
		return "", fmt.Errorf("cancel run: %w", gerr)
	}
	return r.Status, nil
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (View, error) {
	r, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return View{}, fmt.Errorf("get run: %w", err)
	}
	v := View{Request: r}
	if r.Status == domainrun.StatusQueued {
		if st, err := s.manager.Status(ctx); err == nil {
			for _, e := range st.Entries {
				if e.ID == id {
					v.Position = e.Position
					break
				}
			}
		}
	}
	return v, nil
}

func (s *Service) ListRuns(ctx context.Context, filters domainrun.ListFilters) ([]domainrun.Request, error) {
	runs, err := s.runs.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// RunEvents returns a run's lifecycle events in append order.
func (s *Service) RunEvents(ctx context.Context, id uuid.UUID) ([]execution.Event, error) {
	return s.recorder.Query(ctx, execution.Filter{RunID: id})
}

func (s *Service) QueueStatus(ctx context.Context) (queue.Status, error) {
	return s.manager.Status(ctx)
}

func (s *Service) SetQueueLimit(ctx context.Context, n int) error {
	return s.manager.SetQueueLimit(ctx, n)
}

func (s *Service) GateStatus(name string) (gate.Status, error) {
	g, err := s.gates.Get(name)
	if err != nil {
		return gate.Status{}, err
	}
	return g.Status(), nil
}

func (s *Service) GateStatuses() []gate.Status {
	return s.gates.Statuses()
}

func (s *Service) Usage() resource.Usage {
	return s.admission.Snapshot()
}

func (s *Service) SetResourceLimits(ctx context.Context, limits resource.Limits) error {
	if err := s.manager.SetResourceLimits(ctx, limits); err != nil {
		return err
	}
	slog.InfoContext(ctx, "resource limits updated", "max_concurrent_runs", limits.MaxConcurrentRuns,
		"max_memory_mb", limits.MaxMemoryMB, "max_cpu_percent", limits.MaxCPUPercent)
	return nil
}

func (s *Service) QueryAnalytics(ctx context.Context, q domainanalytics.Query) (domainanalytics.Result, error) {
	return s.aggregator.Query(ctx, q)
}

func (s *Service) SubscribeProgress(room domainprogress.Room) (*progress.Subscriber, error) {
	return s.broadcaster.Subscribe(room)
}

func (s *Service) UnsubscribeProgress(id uuid.UUID) bool {
	return s.broadcaster.Unsubscribe(id)
}
