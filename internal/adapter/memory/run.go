package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/promptlab/internal/domain/fault"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	portrun "github.com/alanyang/promptlab/internal/port/run"
)

var _ portrun.Repository = (*RunRepository)(nil)

type RunRepository struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]domainrun.Request
}

func NewRunRepository() *RunRepository {
	return &RunRepository{runs: make(map[uuid.UUID]domainrun.Request)}
}

func (r *RunRepository) Create(_ context.Context, req domainrun.Request) (domainrun.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[req.ID]; ok {
		return domainrun.Request{}, fmt.Errorf("run %s already exists", req.ID)
	}
	r.runs[req.ID] = req
	return req, nil
}

func (r *RunRepository) GetByID(_ context.Context, id uuid.UUID) (domainrun.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.runs[id]
	if !ok {
		return domainrun.Request{}, fmt.Errorf("run %s: %w", id, fault.ErrNotFound)
	}
	return req, nil
}

func (r *RunRepository) List(_ context.Context, f domainrun.ListFilters) ([]domainrun.Request, error) {
	r.mu.RLock()
	var out []domainrun.Request
	for _, req := range r.runs {
		if f.CardID != nil && req.CardID != *f.CardID {
			continue
		}
		if f.InstanceID != nil && req.InstanceID != *f.InstanceID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, req.Status) {
			continue
		}
		out = append(out, req)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *RunRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to domainrun.Status, errorKind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, fault.ErrNotFound)
	}
	if req.Status != from {
		return fmt.Errorf("update run status: expected %s, found %s", from, req.Status)
	}
	now := time.Now().UTC()
	req.Status = to
	if to == domainrun.StatusRunning {
		req.StartedAt = &now
	}
	if to.Terminal() {
		req.FinishedAt = &now
		req.ErrorKind = errorKind
	}
	r.runs[id] = req
	return nil
}

func containsStatus(list []domainrun.Status, s domainrun.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
