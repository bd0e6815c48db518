package bootstrap_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alanyang/promptlab/internal/adapter/memory"
	"github.com/alanyang/promptlab/internal/bootstrap"
	"github.com/alanyang/promptlab/internal/domain/card"
	"github.com/alanyang/promptlab/internal/domain/execution"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	"github.com/alanyang/promptlab/internal/mocks"
	"github.com/alanyang/promptlab/internal/service/eventlog"
	"github.com/alanyang/promptlab/internal/testutil"
)

type recoveryFixture struct {
	runs     *memory.RunRepository
	events   *memory.EventStore
	recorder *eventlog.Recorder
}

func newRecoveryFixture(t *testing.T) recoveryFixture {
	t.Helper()
	events := memory.NewEventStore()
	recorder := eventlog.NewRecorder(events, eventlog.Config{})
	go recorder.Run()
	t.Cleanup(recorder.Close)
	return recoveryFixture{runs: memory.NewRunRepository(), events: events, recorder: recorder}
}

func (f recoveryFixture) seed(t *testing.T, instanceID string, status domainrun.Status) domainrun.Request {
	t.Helper()
	req := domainrun.New("greeting", "s1", []card.TestCase{{ID: "tc-1"}}, domainrun.PriorityNormal, 1)
	req.InstanceID = instanceID
	_, err := f.runs.Create(context.Background(), req)
	require.NoError(t, err)
	if status != domainrun.StatusQueued {
		require.NoError(t, f.runs.UpdateStatus(context.Background(), req.ID, domainrun.StatusQueued, status, ""))
	}
	req.Status = status
	return req
}

func TestRecoverInterrupted(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	queued := f.seed(t, "a", domainrun.StatusQueued)
	running := f.seed(t, "a", domainrun.StatusRunning)
	done := f.seed(t, "a", domainrun.StatusRunning)
	require.NoError(t, f.runs.UpdateStatus(ctx, done.ID, domainrun.StatusRunning, domainrun.StatusCompleted, ""))
	otherInstance := f.seed(t, "b", domainrun.StatusRunning)

	n, err := bootstrap.RecoverInterrupted(ctx, "a", f.runs, f.recorder, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tests := []struct {
		name      string
		id        domainrun.Request
		want      domainrun.Status
		wantKind  string
		wantEvent bool
	}{
		{"queued run failed without event", queued, domainrun.StatusFailed, "interrupted", false},
		{"running run failed with event", running, domainrun.StatusFailed, "interrupted", true},
		{"finished run untouched", done, domainrun.StatusCompleted, "", false},
		{"other instance untouched", otherInstance, domainrun.StatusRunning, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.runs.GetByID(ctx, tc.id.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, tc.wantKind, got.ErrorKind)

			events, err := f.recorder.Query(ctx, execution.Filter{RunID: tc.id.ID})
			require.NoError(t, err)
			if !tc.wantEvent {
				assert.Empty(t, events)
				return
			}
			require.Len(t, events, 1)
			assert.Equal(t, execution.TypeFail, events[0].Type)
			assert.Equal(t, execution.ErrorKindInterrupted, events[0].Payload.ErrorKind)
		})
	}

	// A second pass finds nothing left to do.
	n, err = bootstrap.RecoverInterrupted(ctx, "a", f.runs, f.recorder, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverInterrupted_HoldsAdvisoryLock(t *testing.T) {
	f := newRecoveryFixture(t)
	f.seed(t, "a", domainrun.StatusQueued)

	ctrl := gomock.NewController(t)
	locker := mocks.NewMockAdvisoryLocker(ctrl)
	locker.EXPECT().WithLock(gomock.Any(), bootstrap.RecoveryLockName("a"), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, fn func(context.Context) error) error {
			return fn(ctx)
		})

	n, err := bootstrap.RecoverInterrupted(context.Background(), "a", f.runs, f.recorder, locker)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecoverInterrupted_LockError(t *testing.T) {
	f := newRecoveryFixture(t)
	queued := f.seed(t, "a", domainrun.StatusQueued)

	ctrl := gomock.NewController(t)
	locker := mocks.NewMockAdvisoryLocker(ctrl)
	locker.EXPECT().WithLock(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))

	_, err := bootstrap.RecoverInterrupted(context.Background(), "a", f.runs, f.recorder, locker)
	require.Error(t, err)

	got, err := f.runs.GetByID(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusQueued, got.Status)
}

func TestRecoverInterrupted_ListError(t *testing.T) {
	f := newRecoveryFixture(t)
	ctrl := gomock.NewController(t)
	runs := mocks.NewMockRunRepository(ctrl)
	runs.EXPECT().List(gomock.Any(), gomock.Any()).Return(nil, errors.New("db down"))

	_, err := bootstrap.RecoverInterrupted(context.Background(), "a", runs, f.recorder, nil)
	assert.ErrorContains(t, err, "db down")
}

func TestNewCore_RunsRecoveryBeforeAcceptingWork(t *testing.T) {
	defs := memory.NewDefinitions(testutil.Greeting)
	st := bootstrap.MemoryStores(defs)

	stale := domainrun.New("greeting", "s1", testutil.Greeting.TestCases, domainrun.PriorityNormal, 1)
	stale.InstanceID = "node-1"
	_, err := st.Runs.Create(context.Background(), stale)
	require.NoError(t, err)

	cfg := testutil.TestConfig()
	cfg.Recovery.Enabled = true
	cfg.Recovery.InstanceID = "node-1"
	testutil.NewCoreWithStores(t, cfg, st, nil)

	got, err := st.Runs.GetByID(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusFailed, got.Status)
	assert.Equal(t, string(execution.ErrorKindInterrupted), got.ErrorKind)
}

func TestNewCore_RejectsLimitsAboveGate(t *testing.T) {
	cfg := testutil.TestConfig()
	cfg.Limits.MaxConcurrentRuns = cfg.Gates["runs"] + 1

	_, err := bootstrap.NewCore(t.Context(), cfg, bootstrap.MemoryStores(memory.NewDefinitions()), nil)
	assert.Error(t, err)
}
