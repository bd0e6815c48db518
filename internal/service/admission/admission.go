package admission

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyang/promptlab/internal/domain/resource"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
)

// Controller tracks admitted usage against the active limits.
// [SRP] Only answers admission questions; it never starts or queues work.
// Every mutation goes through mu, and in practice only the queue coordinator mutates.
type Controller struct {
	mu        sync.RWMutex
	limits    resource.Limits
	perWorker resource.Estimate
	active    map[uuid.UUID]resource.Estimate
	memoryMB  int
	cpu       float64
	queued    int
}

// NewController validates the initial limits. perWorker is the footprint of one
// in-flight test case; a request is charged perWorker times its parallelism.
func NewController(limits resource.Limits, perWorker resource.Estimate) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		limits:    limits,
		perWorker: perWorker,
		active:    make(map[uuid.UUID]resource.Estimate),
	}, nil
}

// SetLimits replaces the active limits atomically. Invalid limits leave the old ones in place.
func (c *Controller) SetLimits(limits resource.Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.limits = limits
	c.mu.Unlock()
	return nil
}

func (c *Controller) Limits() resource.Limits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limits
}

func (c *Controller) Estimate(req domainrun.Request) resource.Estimate {
	n := req.RequestedParallelism
	if n < 1 {
		n = 1
	}
	return resource.Estimate{
		MemoryMB:   c.perWorker.MemoryMB * n,
		CPUPercent: c.perWorker.CPUPercent * float64(n),
	}
}

// CanAdmit reports whether req could start right now. It has no side effects.
func (c *Controller) CanAdmit(req domainrun.Request) bool {
	est := c.Estimate(req)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.active)+1 > c.limits.MaxConcurrentRuns {
		return false
	}
	if c.memoryMB+est.MemoryMB > c.limits.MaxMemoryMB {
		return false
	}
	return c.cpu+est.CPUPercent <= c.limits.MaxCPUPercent
}

// Fits reports whether req could ever be admitted under the current limits,
// even with nothing else running.
func (c *Controller) Fits(req domainrun.Request) bool {
	return c.Estimate(req).Fits(c.Limits())
}

// RecordStart charges req's estimate to the usage snapshot.
func (c *Controller) RecordStart(req domainrun.Request) error {
	est := c.Estimate(req)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[req.ID]; ok {
		return fmt.Errorf("run %s already recorded as started", req.ID)
	}
	c.active[req.ID] = est
	c.memoryMB += est.MemoryMB
	c.cpu += est.CPUPercent
	return nil
}

// RecordStop releases req's charge. It reports false if req was not active.
func (c *Controller) RecordStop(req domainrun.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	est, ok := c.active[req.ID]
	if !ok {
		return false
	}
	delete(c.active, req.ID)
	c.memoryMB -= est.MemoryMB
	c.cpu -= est.CPUPercent
	if len(c.active) == 0 {
		// float drift
		c.cpu = 0
	}
	return true
}

func (c *Controller) SetQueueLength(n int) {
	c.mu.Lock()
	c.queued = n
	c.mu.Unlock()
}

// Snapshot is a read-only view for status endpoints.
func (c *Controller) Snapshot() resource.Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return resource.Usage{
		CPUPercent:  c.cpu,
		MemoryMB:    c.memoryMB,
		ActiveCount: len(c.active),
		QueueLength: c.queued,
		Limits:      c.limits,
	}
}
