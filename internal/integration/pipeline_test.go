//go:build integration

package integration_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/promptlab/internal/bootstrap"
	"github.com/alanyang/promptlab/internal/config"
	"github.com/alanyang/promptlab/internal/domain/card"
	domainanalytics "github.com/alanyang/promptlab/internal/domain/analytics"
	"github.com/alanyang/promptlab/internal/domain/execution"
	domainprogress "github.com/alanyang/promptlab/internal/domain/progress"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	runsvc "github.com/alanyang/promptlab/internal/service/run"
	"github.com/alanyang/promptlab/internal/testutil"
)

// ── test harness ──────────────────────────────────────────────────────────────

type harness struct {
	stores bootstrap.Stores
	core   *bootstrap.Core
	cfg    config.Config
	cardID string
}

func postgresConfig(t *testing.T, instanceID string) config.Config {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}
	cfg := testutil.TestConfig()
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = url
	cfg.Store.MaxConns = 8
	cfg.Recovery.InstanceID = instanceID
	return cfg
}

func openStores(t *testing.T, cfg config.Config) bootstrap.Stores {
	t.Helper()
	st, err := bootstrap.OpenStores(context.Background(), cfg)
	require.NoError(t, err)
	// Registered before the core so the core drains first.
	t.Cleanup(st.Close)
	return st
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := postgresConfig(t, "it-"+uuid.NewString())
	st := openStores(t, cfg)

	cardID := "card-" + uuid.NewString()
	testutil.InsertCard(t, st.Pool, cardID, "Say hello to {{name}}", nil, map[string]string{
		"tc-1": "Ada",
		"tc-2": "Linus",
	})

	core := testutil.NewCoreWithStores(t, cfg, st, nil)
	return &harness{stores: st, core: core, cfg: cfg, cardID: cardID}
}

func (h *harness) waitStatus(t *testing.T, id uuid.UUID, want domainrun.Status) runsvc.View {
	t.Helper()
	var v runsvc.View
	require.Eventually(t, func() bool {
		var err error
		v, err = h.core.Service.GetRun(context.Background(), id)
		return err == nil && v.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return v
}

// ── end-to-end ────────────────────────────────────────────────────────────────

func TestPipeline_RunCompletesAndIsDurable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Second)

	ack, err := h.core.Service.SubmitRun(ctx, runsvc.SubmitInput{CardID: h.cardID, SessionID: "s1", Parallelism: 2})
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusRunning, ack.Status)

	v := h.waitStatus(t, ack.ExecutionID, domainrun.StatusCompleted)
	assert.NotNil(t, v.StartedAt)
	assert.NotNil(t, v.FinishedAt)
	assert.Equal(t, h.cfg.Recovery.InstanceID, v.InstanceID)

	events, err := h.core.Service.RunEvents(ctx, ack.ExecutionID)
	require.NoError(t, err)
	require.Len(t, events, 4, "start, two progress, complete")
	assert.Equal(t, execution.TypeStart, events[0].Type)
	assert.Equal(t, execution.TypeComplete, events[3].Type)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	res, err := h.core.Service.QueryAnalytics(ctx, domainanalytics.Query{
		CardID:      h.cardID,
		Range:       domainanalytics.TimeRange{Start: start, End: time.Now().UTC().Add(time.Second)},
		Granularity: domainanalytics.GranularityMinute,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Aggregates.TerminalRuns)
	assert.Equal(t, int64(8), res.Aggregates.TotalTokens)
}

func TestPipeline_ProgressRelayedThroughNotify(t *testing.T) {
	h := newHarness(t)
	room := domainprogress.Room{SessionID: "s-" + uuid.NewString(), CardID: h.cardID}

	sub, err := h.core.Service.SubscribeProgress(room)
	require.NoError(t, err)
	defer h.core.Service.UnsubscribeProgress(sub.ID)

	ack, err := h.core.Service.SubmitRun(context.Background(), runsvc.SubmitInput{CardID: h.cardID, SessionID: room.SessionID})
	require.NoError(t, err)

	seen := map[domainprogress.Kind]bool{}
	deadline := time.After(5 * time.Second)
	for !seen[domainprogress.KindCostUpdate] {
		select {
		case m := <-sub.C:
			seen[m.Type] = true
			if p, ok := m.Payload.(domainprogress.TestProgress); ok {
				assert.Equal(t, ack.ExecutionID, p.RunID)
			}
		case <-deadline:
			t.Fatalf("cost_update not received, saw %v", seen)
		}
	}
	assert.True(t, seen[domainprogress.KindTestProgress])
}

func TestPipeline_IdempotencyKeyIsShared(t *testing.T) {
	h := newHarness(t)
	key := "it-" + uuid.NewString()

	first, err := h.core.Service.SubmitRun(context.Background(), runsvc.SubmitInput{CardID: h.cardID, IdempotencyKey: key})
	require.NoError(t, err)
	second, err := h.core.Service.SubmitRun(context.Background(), runsvc.SubmitInput{CardID: h.cardID, IdempotencyKey: key})
	require.NoError(t, err)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
}

func TestPipeline_RecoveryFailsInterruptedRuns(t *testing.T) {
	cfg := postgresConfig(t, "it-"+uuid.NewString())
	st := openStores(t, cfg)
	ctx := context.Background()

	stale := domainrun.New("card-"+uuid.NewString(), "s1", []card.TestCase{{ID: "tc-1"}}, domainrun.PriorityHigh, 1)
	stale.InstanceID = cfg.Recovery.InstanceID
	_, err := st.Runs.Create(ctx, stale)
	require.NoError(t, err)
	require.NoError(t, st.Runs.UpdateStatus(ctx, stale.ID, domainrun.StatusQueued, domainrun.StatusRunning, ""))

	cfg.Recovery.Enabled = true
	core := testutil.NewCoreWithStores(t, cfg, st, nil)

	got, err := st.Runs.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusFailed, got.Status)
	assert.Equal(t, string(execution.ErrorKindInterrupted), got.ErrorKind)

	events, err := core.Service.RunEvents(ctx, stale.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, execution.TypeFail, events[0].Type)
}
