package run

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/promptlab/internal/domain/card"
	"github.com/alanyang/promptlab/internal/domain/fault"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

var validTransitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusCancelled, StatusRejected, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusRejected:  {},
	StatusCancelled: {},
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Tiers lists priorities from most to least urgent. Index equals Rank.
var Tiers = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Rank orders priorities; lower dispatches first. Unknown priorities rank -1.
func (p Priority) Rank() int {
	for i, t := range Tiers {
		if t == p {
			return i
		}
	}
	return -1
}

// ParsePriority accepts a tier name (case-insensitive). Empty means normal.
func ParsePriority(s string) (Priority, error) {
	if strings.TrimSpace(s) == "" {
		return PriorityNormal, nil
	}
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p.Rank() < 0 {
		return "", fmt.Errorf("%w: unknown priority %q", fault.ErrValidation, s)
	}
	return p, nil
}

// Request is one submission to run a card's test cases.
type Request struct {
	ID                   uuid.UUID       `json:"id"`
	CardID               string          `json:"card_id"`
	SessionID            string          `json:"session_id,omitempty"`
	TestCases            []card.TestCase `json:"test_cases"`
	Priority             Priority        `json:"priority"`
	RequestedParallelism int             `json:"requested_parallelism"`
	SubmittedAt          time.Time       `json:"submitted_at"`
	Status               Status          `json:"status"`
	InstanceID           string          `json:"instance_id,omitempty"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	FinishedAt           *time.Time      `json:"finished_at,omitempty"`
	ErrorKind            string          `json:"error_kind,omitempty"`
}

func New(cardID, sessionID string, testCases []card.TestCase, priority Priority, parallelism int) Request {
	return Request{
		ID:                   uuid.New(),
		CardID:               cardID,
		SessionID:            sessionID,
		TestCases:            testCases,
		Priority:             priority,
		RequestedParallelism: parallelism,
		SubmittedAt:          time.Now().UTC(),
		Status:               StatusQueued,
	}
}

// Validate checks the submission shape. maxParallelism <= 0 disables the upper bound.
func (r Request) Validate(maxParallelism int) error {
	if strings.TrimSpace(r.CardID) == "" {
		return fmt.Errorf("%w: card_id is required", fault.ErrValidation)
	}
	if len(r.TestCases) == 0 {
		return fmt.Errorf("%w: at least one test case is required", fault.ErrValidation)
	}
	if r.Priority.Rank() < 0 {
		return fmt.Errorf("%w: unknown priority %q", fault.ErrValidation, r.Priority)
	}
	if r.RequestedParallelism < 1 {
		return fmt.Errorf("%w: parallelism must be >= 1", fault.ErrValidation)
	}
	if maxParallelism > 0 && r.RequestedParallelism > maxParallelism {
		return fmt.Errorf("%w: parallelism %d exceeds maximum %d", fault.ErrValidation, r.RequestedParallelism, maxParallelism)
	}
	seen := make(map[string]bool, len(r.TestCases))
	for _, tc := range r.TestCases {
		if tc.ID == "" {
			return fmt.Errorf("%w: test case id is required", fault.ErrValidation)
		}
		if seen[tc.ID] {
			return fmt.Errorf("%w: duplicate test case %q", fault.ErrValidation, tc.ID)
		}
		seen[tc.ID] = true
	}
	return nil
}

// Ack is what a submitter gets back: the execution id and where it landed.
type Ack struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Status      Status    `json:"status"`
}

type ListFilters struct {
	CardID     *string
	Statuses   []Status
	InstanceID *string
	Limit      int
}

// Outcome is how a running request ended, as reported by its worker.
type Outcome struct {
	Status    Status `json:"status"`
	ErrorKind string `json:"error_kind,omitempty"`

	// Unrecorded means the terminal event never reached the log. The run keeps
	// its running status so startup recovery settles it.
	Unrecorded bool `json:"-"`
}
