package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	portidem "github.com/alanyang/promptlab/internal/port/idempotency"
)

var _ portidem.Store = (*IdempotencyStore)(nil)

type idempotencyRecord struct {
	runID     uuid.UUID
	opType    string
	result    []byte
	claimedAt time.Time
}

type IdempotencyStore struct {
	mu         sync.Mutex
	records    map[string]*idempotencyRecord
	staleAfter time.Duration
}

// NewIdempotencyStore keeps claims in memory. staleAfter <= 0 means portidem.StaleAfter.
func NewIdempotencyStore(staleAfter time.Duration) *IdempotencyStore {
	if staleAfter <= 0 {
		staleAfter = portidem.StaleAfter
	}
	return &IdempotencyStore{records: make(map[string]*idempotencyRecord), staleAfter: staleAfter}
}

func (s *IdempotencyStore) Claim(_ context.Context, key string, runID uuid.UUID, opType string) (portidem.Claim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		if rec.result != nil || time.Since(rec.claimedAt) < s.staleAfter {
			return portidem.Claim{RunID: rec.runID, Result: rec.result}, false, nil
		}
	}
	s.records[key] = &idempotencyRecord{runID: runID, opType: opType, claimedAt: time.Now()}
	return portidem.Claim{RunID: runID}, true, nil
}

func (s *IdempotencyStore) Complete(_ context.Context, key string, runID uuid.UUID, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.runID != runID {
		return fmt.Errorf("idempotency key %q is not held by run %s", key, runID)
	}
	rec.result = result
	return nil
}

func (s *IdempotencyStore) Release(_ context.Context, key string, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && rec.runID == runID && rec.result == nil {
		delete(s.records, key)
	}
	return nil
}
