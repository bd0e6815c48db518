package progress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/promptlab/internal/domain/analytics"
	"github.com/alanyang/promptlab/internal/domain/resource"
)

type Kind string

const (
	KindTestProgress    Kind = "test_progress"
	KindAnalyticsUpdate Kind = "analytics_update"
	KindCostUpdate      Kind = "cost_update"
	KindQueueStatus     Kind = "queue_status"
	KindResourceUpdate  Kind = "resource_update"
)

// Global kinds describe the whole coordinator and go to every room.
// All other kinds must be addressed to exactly one room.
func (k Kind) Global() bool {
	return k == KindQueueStatus || k == KindResourceUpdate
}

// Room scopes delivery. Subscribers only see messages for the room they joined.
type Room struct {
	SessionID string `json:"session_id"`
	CardID    string `json:"card_id"`
}

func (r Room) Valid() bool { return r.SessionID != "" && r.CardID != "" }

// Payload is implemented only by the variants in this package.
type Payload interface {
	Kind() Kind
}

type TestProgress struct {
	RunID      uuid.UUID `json:"run_id"`
	TestCaseID string    `json:"test_case_id,omitempty"`
	State      string    `json:"state"`
	Completed  int       `json:"completed"`
	Total      int       `json:"total"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
}

type AnalyticsUpdate struct {
	CardID  string              `json:"card_id"`
	Window  analytics.TimeRange `json:"window"`
	Metrics analytics.Metrics   `json:"metrics"`
}

type CostUpdate struct {
	RunID      uuid.UUID `json:"run_id"`
	Cost       float64   `json:"cost"`
	TokensUsed int64     `json:"tokens_used"`
}

type QueueStatus struct {
	Queued     int            `json:"queued"`
	Running    int            `json:"running"`
	Limit      int            `json:"limit"`
	ByPriority map[string]int `json:"by_priority"`
}

type ResourceUpdate struct {
	Usage resource.Usage `json:"usage"`
}

func (TestProgress) Kind() Kind    { return KindTestProgress }
func (AnalyticsUpdate) Kind() Kind { return KindAnalyticsUpdate }
func (CostUpdate) Kind() Kind      { return KindCostUpdate }
func (QueueStatus) Kind() Kind     { return KindQueueStatus }
func (ResourceUpdate) Kind() Kind  { return KindResourceUpdate }

// Message is the wire shape pushed to live subscribers.
type Message struct {
	Type      Kind      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	CardID    string    `json:"card_id,omitempty"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// New addresses a room-scoped payload.
func New(room Room, p Payload) Message {
	return Message{
		Type:      p.Kind(),
		SessionID: room.SessionID,
		CardID:    room.CardID,
		Payload:   p,
		Timestamp: time.Now().UTC(),
	}
}

// NewGlobal builds a message for a global kind.
func NewGlobal(p Payload) Message {
	return Message{Type: p.Kind(), Payload: p, Timestamp: time.Now().UTC()}
}

func (m Message) Room() Room { return Room{SessionID: m.SessionID, CardID: m.CardID} }

func (m Message) Validate() error {
	if m.Payload == nil {
		return fmt.Errorf("message %s has no payload", m.Type)
	}
	if m.Payload.Kind() != m.Type {
		return fmt.Errorf("message type %s does not match payload %s", m.Type, m.Payload.Kind())
	}
	if !m.Type.Global() && !m.Room().Valid() {
		return fmt.Errorf("message %s requires session_id and card_id", m.Type)
	}
	return nil
}

// UnmarshalJSON decodes the payload into the variant named by type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      Kind            `json:"type"`
		SessionID string          `json:"session_id"`
		CardID    string          `json:"card_id"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var p Payload
	switch raw.Type {
	case KindTestProgress:
		var v TestProgress
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
		p = v
	case KindAnalyticsUpdate:
		var v AnalyticsUpdate
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
		p = v
	case KindCostUpdate:
		var v CostUpdate
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
		p = v
	case KindQueueStatus:
		var v QueueStatus
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
		p = v
	case KindResourceUpdate:
		var v ResourceUpdate
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
		p = v
	default:
		return fmt.Errorf("unknown message type %q", raw.Type)
	}

	*m = Message{
		Type:      raw.Type,
		SessionID: raw.SessionID,
		CardID:    raw.CardID,
		Payload:   p,
		Timestamp: raw.Timestamp,
	}
	return nil
}
