package admission_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/promptlab/internal/domain/card"
	"github.com/alanyang/promptlab/internal/domain/fault"
	"github.com/alanyang/promptlab/internal/domain/resource"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	"github.com/alanyang/promptlab/internal/service/admission"
)

var perWorker = resource.Estimate{MemoryMB: 100, CPUPercent: 10}

func newController(t *testing.T, l resource.Limits) *admission.Controller {
	t.Helper()
	c, err := admission.NewController(l, perWorker)
	require.NoError(t, err)
	return c
}

func req(parallelism int) domainrun.Request {
	return domainrun.New("card-1", "s", []card.TestCase{{ID: "tc"}}, domainrun.PriorityNormal, parallelism)
}

func TestNewController_InvalidLimits(t *testing.T) {
	_, err := admission.NewController(resource.Limits{}, perWorker)
	assert.True(t, errors.Is(err, fault.ErrConfig))
}

func TestSetLimits(t *testing.T) {
	c := newController(t, resource.Limits{MaxConcurrentRuns: 2, MaxMemoryMB: 1000, MaxCPUPercent: 100})

	tests := []struct {
		name   string
		limits resource.Limits
	}{
		{"zero runs", resource.Limits{MaxConcurrentRuns: 0, MaxMemoryMB: 1, MaxCPUPercent: 1}},
		{"negative memory", resource.Limits{MaxConcurrentRuns: 1, MaxMemoryMB: -5, MaxCPUPercent: 1}},
		{"zero cpu", resource.Limits{MaxConcurrentRuns: 1, MaxMemoryMB: 1, MaxCPUPercent: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.SetLimits(tt.limits)
			assert.True(t, errors.Is(err, fault.ErrConfig))
			assert.Equal(t, 2, c.Limits().MaxConcurrentRuns, "invalid limits must not replace active ones")
		})
	}

	require.NoError(t, c.SetLimits(resource.Limits{MaxConcurrentRuns: 5, MaxMemoryMB: 10, MaxCPUPercent: 1}))
	assert.Equal(t, 5, c.Limits().MaxConcurrentRuns)
}

func TestCanAdmit(t *testing.T) {
	c := newController(t, resource.Limits{MaxConcurrentRuns: 2, MaxMemoryMB: 250, MaxCPUPercent: 100})

	a := req(1)
	assert.True(t, c.CanAdmit(a))
	assert.True(t, c.CanAdmit(a), "CanAdmit has no side effects")
	require.NoError(t, c.RecordStart(a))

	// 100MB used; a parallelism-2 request needs 200MB more.
	assert.False(t, c.CanAdmit(req(2)))
	b := req(1)
	assert.True(t, c.CanAdmit(b))
	require.NoError(t, c.RecordStart(b))

	assert.False(t, c.CanAdmit(req(1)), "run count limit reached")

	assert.True(t, c.RecordStop(a))
	assert.False(t, c.RecordStop(a), "stop is counted once")
	assert.True(t, c.CanAdmit(req(1)))
}

func TestCanAdmit_CPU(t *testing.T) {
	c := newController(t, resource.Limits{MaxConcurrentRuns: 10, MaxMemoryMB: 10000, MaxCPUPercent: 25})
	require.NoError(t, c.RecordStart(req(2)))
	assert.False(t, c.CanAdmit(req(1)))
}

func TestFits(t *testing.T) {
	c := newController(t, resource.Limits{MaxConcurrentRuns: 1, MaxMemoryMB: 300, MaxCPUPercent: 100})
	assert.True(t, c.Fits(req(3)))
	assert.False(t, c.Fits(req(4)))
}

func TestRecordStart_Duplicate(t *testing.T) {
	c := newController(t, resource.Limits{MaxConcurrentRuns: 2, MaxMemoryMB: 1000, MaxCPUPercent: 100})
	r := req(1)
	require.NoError(t, c.RecordStart(r))
	assert.Error(t, c.RecordStart(r))
	assert.Equal(t, 1, c.Snapshot().ActiveCount)
}

func TestSnapshot(t *testing.T) {
	c := newController(t, resource.Limits{MaxConcurrentRuns: 4, MaxMemoryMB: 1000, MaxCPUPercent: 100})
	require.NoError(t, c.RecordStart(req(2)))
	c.SetQueueLength(3)

	s := c.Snapshot()
	assert.Equal(t, 1, s.ActiveCount)
	assert.Equal(t, 200, s.MemoryMB)
	assert.InDelta(t, 20.0, s.CPUPercent, 0.0001)
	assert.Equal(t, 3, s.QueueLength)
	assert.Equal(t, 4, s.Limits.MaxConcurrentRuns)
}

func TestConcurrentStartStop(t *testing.T) {
	c := newController(t, resource.Limits{MaxConcurrentRuns: 1000, MaxMemoryMB: 1_000_000, MaxCPUPercent: 1_000_000})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := req(1)
			if assert.NoError(t, c.RecordStart(r)) {
				c.RecordStop(r)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, 0, s.ActiveCount)
	assert.Equal(t, 0, s.MemoryMB)
	assert.Zero(t, s.CPUPercent)
}
