package run_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alanyang/promptlab/internal/adapter/llm"
	"github.com/alanyang/promptlab/internal/adapter/memory"
	domainanalytics "github.com/alanyang/promptlab/internal/domain/analytics"
	"github.com/alanyang/promptlab/internal/domain/card"
	"github.com/alanyang/promptlab/internal/domain/execution"
	"github.com/alanyang/promptlab/internal/domain/fault"
	domainprogress "github.com/alanyang/promptlab/internal/domain/progress"
	"github.com/alanyang/promptlab/internal/domain/resource"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	"github.com/alanyang/promptlab/internal/mocks"
	portdef "github.com/alanyang/promptlab/internal/port/definition"
	portidem "github.com/alanyang/promptlab/internal/port/idempotency"
	portmodel "github.com/alanyang/promptlab/internal/port/model"
	"github.com/alanyang/promptlab/internal/service/admission"
	"github.com/alanyang/promptlab/internal/service/analytics"
	"github.com/alanyang/promptlab/internal/service/eventlog"
	"github.com/alanyang/promptlab/internal/service/gate"
	"github.com/alanyang/promptlab/internal/service/progress"
	"github.com/alanyang/promptlab/internal/service/queue"
	"github.com/alanyang/promptlab/internal/service/run"
	"github.com/alanyang/promptlab/internal/service/worker"
)

var greeting = card.Card{
	ID:          "greeting",
	Name:        "Greeting",
	Template:    "Say hello to {{name}}",
	Model:       "small",
	InputSchema: json.RawMessage(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`),
	TestCases: []card.TestCase{
		{ID: "tc-1", Inputs: map[string]any{"name": "Ada"}},
		{ID: "tc-2", Inputs: map[string]any{"name": "Linus"}},
	},
}

var broken = card.Card{
	ID:          "broken",
	Template:    "{{name}}",
	InputSchema: json.RawMessage(`{"type":"object","required":["name"]}`),
	TestCases:   []card.TestCase{{ID: "tc-1", Inputs: map[string]any{"other": 1}}},
}

type harness struct {
	svc     *run.Service
	runs    *memory.RunRepository
	events  *memory.EventStore
	cleanup func()
}

type harnessOpts struct {
	defs      portdef.Lookup
	idem      portidem.Store
	claimWait time.Duration
}

func newHarness(t *testing.T, invoker portmodel.Invoker, maxRuns, queueLimit int) *harness {
	t.Helper()
	return newHarnessWith(t, invoker, maxRuns, queueLimit, harnessOpts{})
}

func newHarnessWith(t *testing.T, invoker portmodel.Invoker, maxRuns, queueLimit int, opts harnessOpts) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	defs := opts.defs
	if defs == nil {
		defs = memory.NewDefinitions(greeting, broken)
	}
	idem := opts.idem
	if idem == nil {
		idem = memory.NewIdempotencyStore(0)
	}
	runs := memory.NewRunRepository()
	events := memory.NewEventStore()
	bus := memory.NewEventBus()

	gates, err := gate.NewRegistry(map[string]int{"runs": maxRuns, "model": 4})
	require.NoError(t, err)
	runsGate, err := gates.Get("runs")
	require.NoError(t, err)
	modelGate, err := gates.Get("model")
	require.NoError(t, err)

	ctrl, err := admission.NewController(
		resource.Limits{MaxConcurrentRuns: maxRuns, MaxMemoryMB: 4096, MaxCPUPercent: 400},
		resource.Estimate{MemoryMB: 64, CPUPercent: 10},
	)
	require.NoError(t, err)

	recorder := eventlog.NewRecorder(events, eventlog.Config{})
	go recorder.Run()
	aggregator := analytics.NewAggregator(recorder)
	broadcaster := progress.NewBroadcaster(progress.DefaultBuffer)
	sub, err := bus.Subscribe(ctx, broadcaster.Handle)
	require.NoError(t, err)

	exec := worker.NewExecutor(defs, invoker, recorder, bus, modelGate, aggregator, worker.Config{InvokeTimeout: time.Second})
	manager, err := queue.NewManager(ctrl, runsGate, exec, runs, bus, queue.Config{Limit: queueLimit})
	require.NoError(t, err)
	go manager.Run(ctx)

	svc := run.NewService(defs, runs, idem, manager, ctrl, gates,
		recorder, aggregator, broadcaster, run.Config{InstanceID: "test", MaxParallelism: 4, ClaimWait: opts.claimWait})

	h := &harness{svc: svc, runs: runs, events: events}
	h.cleanup = func() {
		cancel()
		<-manager.Done()
		sub.Unsubscribe()
		recorder.Close()
		broadcaster.Close()
	}
	t.Cleanup(h.cleanup)
	return h
}

func (h *harness) waitStatus(t *testing.T, id uuid.UUID, want domainrun.Status) domainrun.Request {
	t.Helper()
	var got domainrun.Request
	require.Eventually(t, func() bool {
		r, err := h.runs.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		got = r
		return r.Status == want
	}, 3*time.Second, 5*time.Millisecond, "run %s never reached %s", id, want)
	return got
}

func TestSubmitRun_CompletesAndRecordsEvents(t *testing.T) {
	h := newHarness(t, llm.StubInvoker{CostPerToken: 0.01}, 2, 10)
	ctx := context.Background()

	ack, err := h.svc.SubmitRun(ctx, run.SubmitInput{CardID: "greeting", SessionID: "s1", Parallelism: 2})
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusRunning, ack.Status)

	r := h.waitStatus(t, ack.ExecutionID, domainrun.StatusCompleted)
	assert.Equal(t, "test", r.InstanceID)

	evs, err := h.svc.RunEvents(ctx, ack.ExecutionID)
	require.NoError(t, err)
	require.Len(t, evs, 4)
	assert.Equal(t, execution.TypeStart, evs[0].Type)
	assert.Equal(t, execution.TypeComplete, evs[3].Type)
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Seq, evs[i-1].Seq)
	}

	res, err := h.svc.QueryAnalytics(ctx, domainanalytics.Query{
		CardID: "greeting",
		Range:  domainanalytics.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now().Add(time.Minute)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Aggregates.TerminalRuns)
	assert.Equal(t, 1, res.Aggregates.SuccessfulRuns)
	assert.Equal(t, int64(8), res.Aggregates.TotalTokens)
}

func TestSubmitRun_Validation(t *testing.T) {
	h := newHarness(t, llm.StubInvoker{}, 1, 10)

	tests := []struct {
		name string
		in   run.SubmitInput
	}{
		{"missing card", run.SubmitInput{}},
		{"unknown card", run.SubmitInput{CardID: "nope"}},
		{"unknown priority", run.SubmitInput{CardID: "greeting", Priority: "urgent"}},
		{"unknown test case", run.SubmitInput{CardID: "greeting", TestCases: []string{"tc-9"}}},
		{"parallelism too high", run.SubmitInput{CardID: "greeting", Parallelism: 9}},
		{"negative parallelism", run.SubmitInput{CardID: "greeting", Parallelism: -1}},
		{"inputs fail schema", run.SubmitInput{CardID: "broken"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.SubmitRun(context.Background(), tt.in)
			assert.True(t, errors.Is(err, fault.ErrValidation), "got %v", err)
		})
	}

	runs, err := h.svc.ListRuns(context.Background(), domainrun.ListFilters{})
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected submissions must not be persisted")
}

func TestSubmitRun_Idempotent(t *testing.T) {
	h := newHarness(t, llm.StubInvoker{}, 1, 10)
	ctx := context.Background()

	in := run.SubmitInput{CardID: "greeting", IdempotencyKey: "k-1"}
	first, err := h.svc.SubmitRun(ctx, in)
	require.NoError(t, err)
	second, err := h.svc.SubmitRun(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)

	runs, err := h.svc.ListRuns(ctx, domainrun.ListFilters{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// slowLookup widens the window between claiming a key and creating the run.
type slowLookup struct {
	portdef.Lookup
	delay time.Duration
}

func (l slowLookup) GetCard(ctx context.Context, cardID string) (card.Card, error) {
	time.Sleep(l.delay)
	return l.Lookup.GetCard(ctx, cardID)
}

func TestSubmitRun_ConcurrentSameKeyCreatesOneRun(t *testing.T) {
	h := newHarnessWith(t, llm.StubInvoker{}, 1, 10, harnessOpts{
		defs: slowLookup{Lookup: memory.NewDefinitions(greeting), delay: 20 * time.Millisecond},
	})
	ctx := context.Background()

	const submitters = 6
	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
		mu    sync.Mutex
		ids   = map[uuid.UUID]int{}
	)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			ack, err := h.svc.SubmitRun(ctx, run.SubmitInput{CardID: "greeting", IdempotencyKey: "shared"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[ack.ExecutionID]++
			mu.Unlock()
		}()
	}
	close(ready)
	wg.Wait()

	require.Len(t, ids, 1, "every submitter gets the same execution id")
	runs, err := h.svc.ListRuns(ctx, domainrun.ListFilters{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSubmitRun_WaitsForInFlightSubmission(t *testing.T) {
	ctrl := gomock.NewController(t)
	idem := mocks.NewMockIdempotencyStore(ctrl)
	h := newHarnessWith(t, llm.StubInvoker{}, 1, 10, harnessOpts{idem: idem})

	owner := uuid.New()
	stored, err := json.Marshal(domainrun.Ack{ExecutionID: owner, Status: domainrun.StatusQueued})
	require.NoError(t, err)
	gomock.InOrder(
		idem.EXPECT().Claim(gomock.Any(), "k-1", gomock.Any(), "submit_run").
			Return(portidem.Claim{RunID: owner}, false, nil).Times(2),
		idem.EXPECT().Claim(gomock.Any(), "k-1", gomock.Any(), "submit_run").
			Return(portidem.Claim{RunID: owner, Result: stored}, false, nil),
	)

	ack, err := h.svc.SubmitRun(context.Background(), run.SubmitInput{CardID: "greeting", IdempotencyKey: "k-1"})
	require.NoError(t, err)
	assert.Equal(t, owner, ack.ExecutionID)
	assert.Equal(t, domainrun.StatusQueued, ack.Status)

	runs, err := h.svc.ListRuns(context.Background(), domainrun.ListFilters{})
	require.NoError(t, err)
	assert.Empty(t, runs, "a waiting submitter creates nothing")
}

func TestSubmitRun_InFlightClaimTimesOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	idem := mocks.NewMockIdempotencyStore(ctrl)
	h := newHarnessWith(t, llm.StubInvoker{}, 1, 10, harnessOpts{idem: idem, claimWait: 30 * time.Millisecond})

	idem.EXPECT().Claim(gomock.Any(), "k-1", gomock.Any(), "submit_run").
		Return(portidem.Claim{RunID: uuid.New()}, false, nil).AnyTimes()

	_, err := h.svc.SubmitRun(context.Background(), run.SubmitInput{CardID: "greeting", IdempotencyKey: "k-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrConflict), "got %v", err)
	assert.True(t, fault.Retryable(err))
}

func TestSubmitRun_ClaimSettledByOutcome(t *testing.T) {
	tests := []struct {
		name    string
		in      run.SubmitInput
		wantErr bool
	}{
		{"accepted run completes the key", run.SubmitInput{CardID: "greeting", IdempotencyKey: "k-1"}, false},
		{"rejected run releases the key", run.SubmitInput{CardID: "nope", IdempotencyKey: "k-1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			idem := mocks.NewMockIdempotencyStore(ctrl)
			h := newHarnessWith(t, llm.StubInvoker{}, 1, 10, harnessOpts{idem: idem})

			var claimed uuid.UUID
			idem.EXPECT().Claim(gomock.Any(), "k-1", gomock.Any(), "submit_run").
				DoAndReturn(func(_ context.Context, _ string, id uuid.UUID, _ string) (portidem.Claim, bool, error) {
					claimed = id
					return portidem.Claim{RunID: id}, true, nil
				})
			if tt.wantErr {
				idem.EXPECT().Release(gomock.Any(), "k-1", gomock.Any()).
					DoAndReturn(func(_ context.Context, _ string, id uuid.UUID) error {
						assert.Equal(t, claimed, id)
						return nil
					})
			} else {
				idem.EXPECT().Complete(gomock.Any(), "k-1", gomock.Any(), gomock.Any()).
					DoAndReturn(func(_ context.Context, _ string, id uuid.UUID, result []byte) error {
						assert.Equal(t, claimed, id)
						var ack domainrun.Ack
						require.NoError(t, json.Unmarshal(result, &ack))
						assert.Equal(t, id, ack.ExecutionID)
						return nil
					})
			}

			ack, err := h.svc.SubmitRun(context.Background(), tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, claimed, ack.ExecutionID)
		})
	}
}

func TestSubmitRun_OverflowMarksRejected(t *testing.T) {
	h := newHarness(t, llm.StubInvoker{Latency: time.Second}, 1, 1)
	ctx := context.Background()

	a, err := h.svc.SubmitRun(ctx, run.SubmitInput{CardID: "greeting"})
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusRunning, a.Status)

	b, err := h.svc.SubmitRun(ctx, run.SubmitInput{CardID: "greeting"})
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusQueued, b.Status)

	view, err := h.svc.GetRun(ctx, b.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Position)

	_, err = h.svc.SubmitRun(ctx, run.SubmitInput{CardID: "greeting"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrQueueOverflow))
	assert.True(t, fault.Retryable(err))

	rejected, err := h.svc.ListRuns(ctx, domainrun.ListFilters{Statuses: []domainrun.Status{domainrun.StatusRejected}})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "queue_overflow", rejected[0].ErrorKind)
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t, llm.StubInvoker{Latency: time.Second}, 1, 5)
	ctx := context.Background()

	a, err := h.svc.SubmitRun(ctx, run.SubmitInput{CardID: "greeting"})
	require.NoError(t, err)
	b, err := h.svc.SubmitRun(ctx, run.SubmitInput{CardID: "greeting"})
	require.NoError(t, err)

	status, err := h.svc.CancelRun(ctx, b.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusCancelled, status)
	h.waitStatus(t, b.ExecutionID, domainrun.StatusCancelled)

	status, err = h.svc.CancelRun(ctx, a.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusRunning, status)
	h.waitStatus(t, a.ExecutionID, domainrun.StatusCancelled)

	evs, err := h.svc.RunEvents(ctx, a.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, execution.TypeFail, last.Type)
	assert.Equal(t, execution.ErrorKindCancelled, last.Payload.ErrorKind)

	// A finished run reports its final status.
	status, err = h.svc.CancelRun(ctx, a.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusCancelled, status)

	_, err = h.svc.CancelRun(ctx, uuid.New())
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestSubscribeProgress_ReceivesRoomMessages(t *testing.T) {
	h := newHarness(t, llm.StubInvoker{}, 1, 5)
	ctx := context.Background()

	sub, err := h.svc.SubscribeProgress(domainprogress.Room{SessionID: "s1", CardID: "greeting"})
	require.NoError(t, err)
	other, err := h.svc.SubscribeProgress(domainprogress.Room{SessionID: "s2", CardID: "greeting"})
	require.NoError(t, err)

	ack, err := h.svc.SubmitRun(ctx, run.SubmitInput{CardID: "greeting", SessionID: "s1"})
	require.NoError(t, err)
	h.waitStatus(t, ack.ExecutionID, domainrun.StatusCompleted)

	kinds := map[domainprogress.Kind]int{}
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case m := <-sub.C:
			kinds[m.Type]++
			if m.Type == domainprogress.KindCostUpdate {
				break collect
			}
		case <-deadline:
			break collect
		}
	}
	assert.Positive(t, kinds[domainprogress.KindTestProgress])
	assert.Equal(t, 1, kinds[domainprogress.KindCostUpdate])

	for {
		select {
		case m := <-other.C:
			assert.True(t, m.Type.Global(), "room s2 got %s", m.Type)
			continue
		default:
		}
		break
	}
	assert.True(t, h.svc.UnsubscribeProgress(sub.ID))
	assert.False(t, h.svc.UnsubscribeProgress(sub.ID))
}

func TestSetResourceLimits_RejectsAboveGateCapacity(t *testing.T) {
	h := newHarness(t, llm.StubInvoker{}, 2, 5)
	ctx := context.Background()

	err := h.svc.SetResourceLimits(ctx, resource.Limits{MaxConcurrentRuns: 3, MaxMemoryMB: 1024, MaxCPUPercent: 100})
	assert.True(t, errors.Is(err, fault.ErrConfig), "got %v", err)

	require.NoError(t, h.svc.SetResourceLimits(ctx, resource.Limits{MaxConcurrentRuns: 1, MaxMemoryMB: 1024, MaxCPUPercent: 100}))
	assert.Equal(t, 1, h.svc.Usage().Limits.MaxConcurrentRuns)

	st, err := h.svc.GateStatus("runs")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Capacity)
	_, err = h.svc.GateStatus("nope")
	assert.True(t, errors.Is(err, fault.ErrNotFound))
	assert.Len(t, h.svc.GateStatuses(), 2)
}
