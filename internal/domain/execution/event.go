package execution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeStart    Type = "start"
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeFail     Type = "fail"
)

// Terminal reports whether the event type ends a run's lifecycle.
func (t Type) Terminal() bool { return t == TypeComplete || t == TypeFail }

func (t Type) Valid() bool {
	switch t {
	case TypeStart, TypeProgress, TypeComplete, TypeFail:
		return true
	}
	return false
}

// ErrorKind classifies why a run or test case failed.
type ErrorKind string

const (
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindUnavailable  ErrorKind = "unavailable"
	ErrorKindModel        ErrorKind = "model_error"
	ErrorKindCancelled    ErrorKind = "cancelled"
	ErrorKindInterrupted  ErrorKind = "interrupted"
	ErrorKindInvalidInput ErrorKind = "invalid_input"
)

// Cancellation causes attached to a running run's context.
var (
	ErrCancelled   = errors.New("run cancelled by request")
	ErrInterrupted = errors.New("run interrupted by shutdown")
)

// CancelKind maps a cancelled context to the error kind recorded on its fail event.
func CancelKind(ctx context.Context) ErrorKind {
	if errors.Is(context.Cause(ctx), ErrInterrupted) {
		return ErrorKindInterrupted
	}
	return ErrorKindCancelled
}

// Payload fields are optional; which ones are set depends on the event type.
// Terminal events carry run totals, progress events carry per-test-case values.
type Payload struct {
	TestCaseID string    `json:"test_case_id,omitempty"`
	Completed  int       `json:"completed,omitempty"`
	Total      int       `json:"total,omitempty"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	TokensUsed *int64    `json:"tokens_used,omitempty"`
	Cost       *float64  `json:"cost,omitempty"`
	Success    *bool     `json:"success,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
}

// Event is an immutable lifecycle record. Seq is assigned by the store on append
// and gives a single total order across all runs.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Seq       int64     `json:"seq"`
	Type      Type      `json:"event_type"`
	RunID     uuid.UUID `json:"run_id"`
	CardID    string    `json:"card_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

func New(eventType Type, runID uuid.UUID, cardID string, payload Payload) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		RunID:     runID,
		CardID:    cardID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Successful reports whether this is a terminal event for a run that succeeded.
func (e Event) Successful() bool {
	if e.Type != TypeComplete {
		return false
	}
	return e.Payload.Success == nil || *e.Payload.Success
}

// Filter selects events from a store. Zero values mean "no constraint".
// From and To are inclusive.
type Filter struct {
	CardID string
	RunID  uuid.UUID
	Types  []Type
	From   time.Time
	To     time.Time
}

// Matches applies the filter in memory; stores with a query language push the
// same predicates down.
func (f Filter) Matches(e Event) bool {
	if f.CardID != "" && e.CardID != f.CardID {
		return false
	}
	if f.RunID != uuid.Nil && e.RunID != f.RunID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if t == e.Type {
				return true
			}
		}
		return false
	}
	return true
}

func Int64(v int64) *int64       { return &v }
func Float64(v float64) *float64 { return &v }
func Bool(v bool) *bool          { return &v }
