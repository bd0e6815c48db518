package eventlog_test

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
	"github.com/alanyang/promptlab/internal/domain/execution"
	"github.com/alanyang/promptlab/internal/domain/fault"
	"github.com/alanyang/promptlab/internal/mocks"
	"github.com/alanyang/promptlab/internal/service/eventlog"
)

func startRecorder(t *testing.T, cfg eventlog.Config) (*eventlog.Recorder, *memory.EventStore) {
	t.Helper()
	store := memory.NewEventStore()
	r := eventlog.NewRecorder(store, cfg)
	go r.Run()
	t.Cleanup(r.Close)
	return r, store
}

func TestRecordEvent_AssignsSeq(t *testing.T) {
	r, _ := startRecorder(t, eventlog.Config{})
	ctx := context.Background()
	run := uuid.New()

	first, err := r.RecordEvent(ctx, execution.New(execution.TypeStart, run, "card", execution.Payload{}))
	require.NoError(t, err)
	second, err := r.RecordEvent(ctx, execution.New(execution.TypeComplete, run, "card", execution.Payload{}))
	require.NoError(t, err)
	assert.Less(t, first.Seq, second.Seq)
}

func TestRecordEvent_Validation(t *testing.T) {
	r, _ := startRecorder(t, eventlog.Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		e    execution.Event
	}{
		{"bad type", execution.New("finished", uuid.New(), "card", execution.Payload{})},
		{"no run", execution.New(execution.TypeStart, uuid.Nil, "card", execution.Payload{})},
		{"no card", execution.New(execution.TypeStart, uuid.New(), "", execution.Payload{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.RecordEvent(ctx, tt.e)
			assert.True(t, errors.Is(err, fault.ErrValidation))
		})
	}
}

func TestRecordEvent_ConcurrentWritersLoseNothing(t *testing.T) {
	r, _ := startRecorder(t, eventlog.Config{BatchSize: 16})
	ctx := context.Background()

	const writers = 100
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.RecordEvent(ctx, execution.New(execution.TypeComplete, uuid.New(), "card", execution.Payload{
				Cost:       execution.Float64(0.01),
				TokensUsed: execution.Int64(10),
			}))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := r.Query(ctx, execution.Filter{CardID: "card"})
	require.NoError(t, err)
	require.Len(t, events, writers)

	seen := make(map[int64]bool, writers)
	for _, e := range events {
		assert.False(t, seen[e.Seq], "seq %d assigned twice", e.Seq)
		seen[e.Seq] = true
	}
}

func TestRecordEvent_PerRunOrder(t *testing.T) {
	r, _ := startRecorder(t, eventlog.Config{BatchSize: 4})
	ctx := context.Background()

	var wg sync.WaitGroup
	runs := make([]uuid.UUID, 10)
	for i := range runs {
		runs[i] = uuid.New()
		wg.Add(1)
		go func(run uuid.UUID) {
			defer wg.Done()
			for _, typ := range []execution.Type{execution.TypeStart, execution.TypeProgress, execution.TypeProgress, execution.TypeComplete} {
				_, err := r.RecordEvent(ctx, execution.New(typ, run, "card", execution.Payload{}))
				assert.NoError(t, err)
			}
		}(runs[i])
	}
	wg.Wait()

	for _, run := range runs {
		events, err := r.Query(ctx, execution.Filter{RunID: run})
		require.NoError(t, err)
		require.Len(t, events, 4)
		assert.Equal(t, execution.TypeStart, events[0].Type)
		assert.Equal(t, execution.TypeComplete, events[3].Type)
	}
}

func TestRecordEvent_StoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockEventStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil, errors.New("disk full"))

	r := eventlog.NewRecorder(store, eventlog.Config{FlushInterval: time.Millisecond})
	go r.Run()
	defer r.Close()

	_, err := r.RecordEvent(context.Background(), execution.New(execution.TypeStart, uuid.New(), "card", execution.Payload{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestClose_FlushesAndRejects(t *testing.T) {
	store := memory.NewEventStore()
	r := eventlog.NewRecorder(store, eventlog.Config{BatchSize: 1000, FlushInterval: time.Hour})
	go r.Run()

	done := make(chan error, 1)
	go func() {
		_, err := r.RecordEvent(context.Background(), execution.New(execution.TypeStart, uuid.New(), "card", execution.Payload{}))
		done <- err
	}()
	// Give the event time to reach the pipeline before closing.
	time.Sleep(20 * time.Millisecond)
	r.Close()

	require.NoError(t, <-done)
	events, err := store.List(context.Background(), execution.Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = r.RecordEvent(context.Background(), execution.New(execution.TypeStart, uuid.New(), "card", execution.Payload{}))
	assert.True(t, errors.Is(err, eventlog.ErrClosed))
}
