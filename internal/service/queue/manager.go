package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/promptlab/internal/domain/execution"
	"github.com/alanyang/promptlab/internal/domain/fault"
	"github.com/alanyang/promptlab/internal/domain/progress"
	"github.com/alanyang/promptlab/internal/domain/resource"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	portbus "github.com/alanyang/promptlab/internal/port/eventbus"
	portrun "github.com/alanyang/promptlab/internal/port/run"
	"github.com/alanyang/promptlab/internal/service/admission"
	"github.com/alanyang/promptlab/internal/service/gate"
)

var ErrStopped = errors.New("queue manager stopped")

// Runner executes one admitted request to completion. It must return only after
// the request's terminal event has been recorded.
type Runner interface {
	Execute(ctx context.Context, req domainrun.Request) domainrun.Outcome
}

type Config struct {
	// Limit bounds the number of queued (not yet running) entries.
	Limit int
	// AgingInterval promotes a waiting entry one tier per interval waited. Zero disables aging.
	AgingInterval time.Duration
	// StoreTimeout bounds each run repository write made by the coordinator.
	StoreTimeout time.Duration
}

// EntryView is a queued entry as shown by status endpoints.
type EntryView struct {
	ID         uuid.UUID          `json:"id"`
	CardID     string             `json:"card_id"`
	Priority   domainrun.Priority `json:"priority"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	Position   int                `json:"position"`
}

type Status struct {
	Queued     int            `json:"queued"`
	Running    int            `json:"running"`
	Limit      int            `json:"limit"`
	ByPriority map[string]int `json:"by_priority"`
	Entries    []EntryView    `json:"entries"`
}

type entry struct {
	req        domainrun.Request
	enqueuedAt time.Time
	seq        uint64
}

type active struct {
	req    domainrun.Request
	permit *gate.Permit
	cancel context.CancelCauseFunc
}

// Messages accepted by the coordinator loop.
type (
	submitted struct {
		req   domainrun.Request
		reply chan submitReply
	}
	submitReply struct {
		status domainrun.Status
		err    error
	}
	runFinished struct {
		id      uuid.UUID
		outcome domainrun.Outcome
	}
	resourceFreed   struct{}
	cancelRequested struct {
		id    uuid.UUID
		reply chan cancelReply
	}
	cancelReply struct {
		status domainrun.Status
		err    error
	}
	limitsChanged struct {
		limits resource.Limits
		reply  chan error
	}
	queueLimitChanged struct {
		limit int
		reply chan error
	}
	statusRequested struct {
		reply chan Status
	}
)

// Manager is the single owner of the queue, the running set and the runs gate.
// All scheduling state is touched only from the Run goroutine; public methods
// send a message and wait for the reply.
// [SRP] Orders and dispatches; execution itself belongs to the Runner.
type Manager struct {
	admission *admission.Controller
	gate      *gate.Gate
	runner    Runner
	runs      portrun.Repository
	bus       portbus.EventBus
	cfg       Config

	inbox   chan any
	done    chan struct{}
	workers sync.WaitGroup

	// Owned by the Run goroutine.
	tiers   []*list.List
	index   map[uuid.UUID]*list.Element
	running map[uuid.UUID]*active
	limit   int
	seq     uint64
	base    context.Context
	now     func() time.Time
}

func NewManager(
	ctrl *admission.Controller,
	runsGate *gate.Gate,
	runner Runner,
	runs portrun.Repository,
	bus portbus.EventBus,
	cfg Config,
) (*Manager, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("%w: queue limit must be > 0, got %d", fault.ErrConfig, cfg.Limit)
	}
	if cfg.AgingInterval < 0 {
		return nil, fmt.Errorf("%w: aging interval must be >= 0", fault.ErrConfig)
	}
	if ctrl.Limits().MaxConcurrentRuns > runsGate.Capacity() {
		return nil, fmt.Errorf("%w: max_concurrent_runs %d exceeds %s gate capacity %d",
			fault.ErrConfig, ctrl.Limits().MaxConcurrentRuns, runsGate.Name(), runsGate.Capacity())
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	tiers := make([]*list.List, len(domainrun.Tiers))
	for i := range tiers {
		tiers[i] = list.New()
	}
	return &Manager{
		admission: ctrl,
		gate:      runsGate,
		runner:    runner,
		runs:      runs,
		bus:       bus,
		cfg:       cfg,
		inbox:     make(chan any, 64),
		done:      make(chan struct{}),
		tiers:     tiers,
		index:     make(map[uuid.UUID]*list.Element),
		running:   make(map[uuid.UUID]*active),
		limit:     cfg.Limit,
		now:       time.Now,
	}, nil
}

// Run owns the scheduling state until ctx is cancelled. On shutdown every running
// worker is interrupted and Run waits for their terminal outcomes before returning.
func (m *Manager) Run(ctx context.Context) {
	m.base = context.WithoutCancel(ctx)
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case msg := <-m.inbox:
			m.handle(msg)
		}
	}
}

// Submit admits req or enqueues it. It never waits for capacity.
func (m *Manager) Submit(ctx context.Context, req domainrun.Request) (domainrun.Ack, error) {
	reply := make(chan submitReply, 1)
	if err := m.send(ctx, submitted{req: req, reply: reply}); err != nil {
		return domainrun.Ack{}, err
	}
	select {
	case r := <-reply:
		if r.err != nil {
			return domainrun.Ack{}, r.err
		}
		return domainrun.Ack{ExecutionID: req.ID, Status: r.status}, nil
	case <-m.done:
		return domainrun.Ack{}, ErrStopped
	case <-ctx.Done():
		return domainrun.Ack{}, ctx.Err()
	}
}

// Cancel removes a queued entry synchronously, or signals a running worker.
// The returned status is cancelled for a queued entry and running for a
// running one, whose terminal event follows asynchronously.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (domainrun.Status, error) {
	reply := make(chan cancelReply, 1)
	if err := m.send(ctx, cancelRequested{id: id, reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.status, r.err
	case <-m.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SetResourceLimits applies new limits and retries dispatch, since raised limits free capacity.
func (m *Manager) SetResourceLimits(ctx context.Context, limits resource.Limits) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, limitsChanged{limits: limits, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

func (m *Manager) SetQueueLimit(ctx context.Context, n int) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, queueLimitChanged{limit: n, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// ResourceFreed asks the coordinator to retry dispatch.
func (m *Manager) ResourceFreed(ctx context.Context) error {
	return m.send(ctx, resourceFreed{})
}

func (m *Manager) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := m.send(ctx, statusRequested{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-m.done:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Done is closed once Run has returned and every worker has finished.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) send(ctx context.Context, msg any) error {
	select {
	case m.inbox <- msg:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handle(msg any) {
	switch msg := msg.(type) {
	case submitted:
		status, err := m.onSubmitted(msg.req)
		msg.reply <- submitReply{status: status, err: err}
	case runFinished:
		m.onFinished(msg.id, msg.outcome)
	case resourceFreed:
		m.dispatch()
	case cancelRequested:
		status, err := m.onCancel(msg.id)
		msg.reply <- cancelReply{status: status, err: err}
	case limitsChanged:
		msg.reply <- m.onLimitsChanged(msg.limits)
	case queueLimitChanged:
		if msg.limit <= 0 {
			msg.reply <- fmt.Errorf("%w: queue limit must be > 0, got %d", fault.ErrConfig, msg.limit)
			return
		}
		m.limit = msg.limit
		msg.reply <- nil
		m.publishQueueStatus()
	case statusRequested:
		msg.reply <- m.status()
	default:
		slog.Error("queue manager: unknown message", "type", fmt.Sprintf("%T", msg))
	}
}

func (m *Manager) onSubmitted(req domainrun.Request) (domainrun.Status, error) {
	if req.Priority.Rank() < 0 {
		return "", fmt.Errorf("%w: unknown priority %q", fault.ErrValidation, req.Priority)
	}
	if _, dup := m.index[req.ID]; dup {
		return "", fmt.Errorf("%w: run %s already queued", fault.ErrValidation, req.ID)
	}
	if _, dup := m.running[req.ID]; dup {
		return "", fmt.Errorf("%w: run %s already running", fault.ErrValidation, req.ID)
	}
	if !m.admission.Fits(req) {
		return "", fmt.Errorf("%w: run needs more than the configured limits allow", fault.ErrResourceExhausted)
	}

	// Start straight away only when nothing is waiting, so a newcomer never overtakes the queue.
	if m.queued() == 0 && m.admission.CanAdmit(req) && m.start(req) {
		m.publishStatus()
		return domainrun.StatusRunning, nil
	}

	if m.queued() >= m.limit {
		return "", fmt.Errorf("%w: %d entries already queued", fault.ErrQueueOverflow, m.queued())
	}
	m.enqueue(req)
	m.dispatch()
	if _, ok := m.running[req.ID]; ok {
		return domainrun.StatusRunning, nil
	}
	return domainrun.StatusQueued, nil
}

func (m *Manager) onFinished(id uuid.UUID, outcome domainrun.Outcome) {
	a, ok := m.running[id]
	if !ok {
		slog.Warn("queue manager: finish for unknown run", "run_id", id)
		return
	}
	delete(m.running, id)
	a.cancel(nil)
	m.gate.Release(a.permit)
	m.admission.RecordStop(a.req)

	if outcome.Unrecorded {
		slog.Error("run finished without a terminal event, left running for recovery",
			"run_id", id, "card_id", a.req.CardID, "status", outcome.Status)
		m.dispatch()
		return
	}
	if !outcome.Status.Terminal() {
		outcome.Status = domainrun.StatusFailed
	}
	m.transition(id, domainrun.StatusRunning, outcome.Status, outcome.ErrorKind)
	slog.Info("run finished", "run_id", id, "card_id", a.req.CardID,
		"status", outcome.Status, "error_kind", outcome.ErrorKind)

	m.dispatch()
}

func (m *Manager) onCancel(id uuid.UUID) (domainrun.Status, error) {
	if el, ok := m.index[id]; ok {
		e := m.remove(el)
		m.transition(id, domainrun.StatusQueued, domainrun.StatusCancelled, string(execution.ErrorKindCancelled))
		slog.Info("queued run cancelled", "run_id", id, "card_id", e.req.CardID)
		m.publishStatus()
		return domainrun.StatusCancelled, nil
	}
	if a, ok := m.running[id]; ok {
		a.cancel(execution.ErrCancelled)
		return domainrun.StatusRunning, nil
	}
	return "", fmt.Errorf("run %s is not queued or running: %w", id, fault.ErrNotFound)
}

func (m *Manager) onLimitsChanged(limits resource.Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	if limits.MaxConcurrentRuns > m.gate.Capacity() {
		return fmt.Errorf("%w: max_concurrent_runs %d exceeds %s gate capacity %d",
			fault.ErrConfig, limits.MaxConcurrentRuns, m.gate.Name(), m.gate.Capacity())
	}
	if err := m.admission.SetLimits(limits); err != nil {
		return err
	}
	m.dispatch()
	return nil
}

// dispatch starts head entries while admission and the gate allow. The head is
// never skipped: if it cannot start, nothing behind it starts either.
func (m *Manager) dispatch() {
	for {
		el := m.head()
		if el == nil {
			break
		}
		e := el.Value.(*entry)
		if !m.admission.CanAdmit(e.req) {
			break
		}
		if !m.start(e.req) {
			break
		}
		m.remove(el)
	}
	m.publishStatus()
}

// start takes a permit and launches the worker. It reports false if the gate is full.
func (m *Manager) start(req domainrun.Request) bool {
	permit, ok := m.gate.TryAcquire(req.ID.String())
	if !ok {
		return false
	}
	if err := m.admission.RecordStart(req); err != nil {
		m.gate.Release(permit)
		slog.Error("queue manager: record start", "run_id", req.ID, "error", err)
		return false
	}

	m.transition(req.ID, domainrun.StatusQueued, domainrun.StatusRunning, "")
	now := m.now().UTC()
	req.Status = domainrun.StatusRunning
	req.StartedAt = &now

	ctx, cancel := context.WithCancelCause(m.base)
	m.running[req.ID] = &active{req: req, permit: permit, cancel: cancel}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		outcome := m.runner.Execute(ctx, req)
		// Delivered even during shutdown; the drain loop consumes it.
		m.inbox <- runFinished{id: req.ID, outcome: outcome}
	}()
	return true
}

func (m *Manager) enqueue(req domainrun.Request) {
	m.seq++
	e := &entry{req: req, enqueuedAt: m.now(), seq: m.seq}
	m.index[req.ID] = m.tiers[req.Priority.Rank()].PushBack(e)
}

func (m *Manager) remove(el *list.Element) *entry {
	e := el.Value.(*entry)
	m.tiers[e.req.Priority.Rank()].Remove(el)
	delete(m.index, e.req.ID)
	return e
}

// head picks the next entry: lowest effective tier, then earliest arrival.
// Within a tier the front is always the oldest, so only fronts are compared.
func (m *Manager) head() *list.Element {
	fronts := make([]*list.Element, len(m.tiers))
	for i, l := range m.tiers {
		fronts[i] = l.Front()
	}
	if i := m.pick(fronts, m.now()); i >= 0 {
		return fronts[i]
	}
	return nil
}

// pick returns the index of the candidate that dispatches first, or -1.
func (m *Manager) pick(fronts []*list.Element, now time.Time) int {
	best, bestRank := -1, 0
	for rank, el := range fronts {
		if el == nil {
			continue
		}
		e := el.Value.(*entry)
		eff := m.effectiveRank(rank, e, now)
		if best < 0 || eff < bestRank || (eff == bestRank && e.seq < fronts[best].Value.(*entry).seq) {
			best, bestRank = rank, eff
		}
	}
	return best
}

func (m *Manager) effectiveRank(rank int, e *entry, now time.Time) int {
	if m.cfg.AgingInterval <= 0 {
		return rank
	}
	eff := rank - int(now.Sub(e.enqueuedAt)/m.cfg.AgingInterval)
	if eff < 0 {
		eff = 0
	}
	return eff
}

func (m *Manager) queued() int { return len(m.index) }

func (m *Manager) status() Status {
	s := Status{
		Queued:     m.queued(),
		Running:    len(m.running),
		Limit:      m.limit,
		ByPriority: make(map[string]int, len(domainrun.Tiers)),
		Entries:    make([]EntryView, 0, m.queued()),
	}
	for rank, l := range m.tiers {
		s.ByPriority[string(domainrun.Tiers[rank])] = l.Len()
	}

	// Positions follow dispatch order, so walk a copy of the fronts.
	fronts := make([]*list.Element, len(m.tiers))
	for i, l := range m.tiers {
		fronts[i] = l.Front()
	}
	now := m.now()
	for pos := 1; ; pos++ {
		i := m.pick(fronts, now)
		if i < 0 {
			break
		}
		e := fronts[i].Value.(*entry)
		s.Entries = append(s.Entries, EntryView{
			ID:         e.req.ID,
			CardID:     e.req.CardID,
			Priority:   e.req.Priority,
			EnqueuedAt: e.enqueuedAt,
			Position:   pos,
		})
		fronts[i] = fronts[i].Next()
	}
	return s
}

func (m *Manager) transition(id uuid.UUID, from, to domainrun.Status, errorKind string) {
	if m.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.base, m.cfg.StoreTimeout)
	defer cancel()
	if err := m.runs.UpdateStatus(ctx, id, from, to, errorKind); err != nil {
		slog.ErrorContext(ctx, "queue manager: update run status", "run_id", id,
			"from", from, "to", to, "error", err)
	}
}

func (m *Manager) publishStatus() {
	m.admission.SetQueueLength(m.queued())
	m.publishQueueStatus()
	if m.bus == nil {
		return
	}
	msg := progress.NewGlobal(progress.ResourceUpdate{Usage: m.admission.Snapshot()})
	if err := m.bus.Publish(m.base, msg); err != nil {
		slog.Error("queue manager: publish resource update", "error", err)
	}
}

func (m *Manager) publishQueueStatus() {
	if m.bus == nil {
		return
	}
	s := m.status()
	msg := progress.NewGlobal(progress.QueueStatus{
		Queued:     s.Queued,
		Running:    s.Running,
		Limit:      s.Limit,
		ByPriority: s.ByPriority,
	})
	if err := m.bus.Publish(m.base, msg); err != nil {
		slog.Error("queue manager: publish queue status", "error", err)
	}
}

func (m *Manager) shutdown() {
	for id, a := range m.running {
		slog.Info("interrupting run", "run_id", id)
		a.cancel(execution.ErrInterrupted)
	}
	finished := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(finished)
	}()
	for {
		select {
		case msg := <-m.inbox:
			switch msg := msg.(type) {
			case runFinished:
				m.onShutdownFinished(msg.id, msg.outcome)
			case submitted:
				msg.reply <- submitReply{err: ErrStopped}
			case cancelRequested:
				msg.reply <- cancelReply{err: ErrStopped}
			case limitsChanged:
				msg.reply <- ErrStopped
			case queueLimitChanged:
				msg.reply <- ErrStopped
			case statusRequested:
				msg.reply <- m.status()
			}
		case <-finished:
			// Workers may have queued their last messages just before Wait returned.
			for {
				select {
				case msg := <-m.inbox:
					if f, ok := msg.(runFinished); ok {
						m.onShutdownFinished(f.id, f.outcome)
					}
				default:
					return
				}
			}
		}
	}
}

// onShutdownFinished settles a run without dispatching anything new.
func (m *Manager) onShutdownFinished(id uuid.UUID, outcome domainrun.Outcome) {
	a, ok := m.running[id]
	if !ok {
		return
	}
	delete(m.running, id)
	m.gate.Release(a.permit)
	m.admission.RecordStop(a.req)
	if outcome.Unrecorded {
		slog.Error("run finished without a terminal event, left running for recovery", "run_id", id)
		return
	}
	if !outcome.Status.Terminal() {
		outcome.Status = domainrun.StatusFailed
	}
	m.transition(id, domainrun.StatusRunning, outcome.Status, outcome.ErrorKind)
}
