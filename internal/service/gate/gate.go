package gate

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/alanyang/promptlab/internal/domain/fault"
)

// Permit is one concurrency slot. It is bound to a single holder and can be
// released exactly once; later releases are no-ops.
type Permit struct {
	id         uuid.UUID
	gate       *Gate
	holder     string
	acquiredAt time.Time
	released   atomic.Bool
}

func (p *Permit) ID() uuid.UUID         { return p.id }
func (p *Permit) Holder() string        { return p.holder }
func (p *Permit) Gate() string          { return p.gate.name }
func (p *Permit) AcquiredAt() time.Time { return p.acquiredAt }
func (p *Permit) Released() bool        { return p.released.Load() }

// Release returns the permit to its gate. Reports false for a duplicate release.
func (p *Permit) Release() bool { return p.gate.Release(p) }

type Status struct {
	Name             string `json:"name"`
	Capacity         int    `json:"capacity"`
	AvailablePermits int    `json:"available_permits"`
	QueuedRequests   int    `json:"queued_requests"`
}

// Gate is a fixed-capacity semaphore. Waiters are served strictly FIFO and a
// TryAcquire never jumps ahead of a queued waiter.
type Gate struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	held     atomic.Int64
	waiting  atomic.Int64
}

func New(name string, permits int) (*Gate, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: gate name is required", fault.ErrConfig)
	}
	if permits <= 0 {
		return nil, fmt.Errorf("%w: gate %s permits must be > 0, got %d", fault.ErrConfig, name, permits)
	}
	return &Gate{
		name:     name,
		capacity: int64(permits),
		sem:      semaphore.NewWeighted(int64(permits)),
	}, nil
}

func (g *Gate) Name() string  { return g.name }
func (g *Gate) Capacity() int { return int(g.capacity) }

// Acquire blocks until a permit is free or ctx is done. Use a context deadline
// to bound the wait.
func (g *Gate) Acquire(ctx context.Context, holder string) (*Permit, error) {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return nil, fmt.Errorf("acquire %s permit: %w", g.name, err)
	}
	return g.grant(holder), nil
}

// TryAcquire grants a permit only if one is free right now.
func (g *Gate) TryAcquire(holder string) (*Permit, bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	return g.grant(holder), true
}

// Release returns p to the gate. Permits from another gate and duplicate
// releases are ignored, so available permits never exceed capacity.
func (g *Gate) Release(p *Permit) bool {
	if p == nil || p.gate != g {
		return false
	}
	if !p.released.CompareAndSwap(false, true) {
		return false
	}
	g.held.Add(-1)
	g.sem.Release(1)
	return true
}

func (g *Gate) Status() Status {
	held := g.held.Load()
	return Status{
		Name:             g.name,
		Capacity:         int(g.capacity),
		AvailablePermits: int(g.capacity - held),
		QueuedRequests:   int(g.waiting.Load()),
	}
}

func (g *Gate) grant(holder string) *Permit {
	g.held.Add(1)
	return &Permit{
		id:         uuid.New(),
		gate:       g,
		holder:     holder,
		acquiredAt: time.Now().UTC(),
	}
}

// Registry holds independent named gates, one per resource class.
// The set of gates is fixed at construction.
type Registry struct {
	gates map[string]*Gate
}

func NewRegistry(permits map[string]int) (*Registry, error) {
	r := &Registry{gates: make(map[string]*Gate, len(permits))}
	for name, n := range permits {
		g, err := New(name, n)
		if err != nil {
			return nil, err
		}
		r.gates[name] = g
	}
	return r, nil
}

func (r *Registry) Get(name string) (*Gate, error) {
	g, ok := r.gates[name]
	if !ok {
		return nil, fmt.Errorf("gate %q: %w", name, fault.ErrNotFound)
	}
	return g, nil
}

// Statuses returns every gate's status sorted by name.
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, len(r.gates))
	for _, g := range r.gates {
		out = append(out, g.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
