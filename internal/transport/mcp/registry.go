package mcp

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	domainprogress "github.com/alanyang/promptlab/internal/domain/progress"
	"github.com/alanyang/promptlab/internal/service/progress"
)

// ProgressMethod is the notification method progress messages are pushed under.
const ProgressMethod = "notifications/message"

// ProgressSource hands out broadcaster subscriptions.
type ProgressSource interface {
	SubscribeProgress(room domainprogress.Room) (*progress.Subscriber, error)
	UnsubscribeProgress(id uuid.UUID) bool
}

// SessionRegistry tracks which progress subscriptions each MCP session owns and
// forwards their messages as notifications to that session only.
//
// [SRP] Subscription bookkeeping and notification dispatch only.
type SessionRegistry struct {
	src ProgressSource

	mu        sync.Mutex
	bySession map[string]map[uuid.UUID]struct{}
	owner     map[uuid.UUID]string

	// mcpSrv is set after the MCP server is constructed.
	mcpMu  sync.RWMutex
	mcpSrv *mcpserver.MCPServer
}

func NewSessionRegistry(src ProgressSource) *SessionRegistry {
	return &SessionRegistry{
		src:       src,
		bySession: make(map[string]map[uuid.UUID]struct{}),
		owner:     make(map[uuid.UUID]string),
	}
}

func (r *SessionRegistry) SetMCPServer(s *mcpserver.MCPServer) {
	r.mcpMu.Lock()
	r.mcpSrv = s
	r.mcpMu.Unlock()
}

// Subscribe joins room on behalf of sessionID and starts forwarding.
func (r *SessionRegistry) Subscribe(sessionID string, room domainprogress.Room) (uuid.UUID, error) {
	sub, err := r.src.SubscribeProgress(room)
	if err != nil {
		return uuid.Nil, err
	}

	r.mu.Lock()
	subs, ok := r.bySession[sessionID]
	if !ok {
		subs = make(map[uuid.UUID]struct{})
		r.bySession[sessionID] = subs
	}
	subs[sub.ID] = struct{}{}
	r.owner[sub.ID] = sessionID
	r.mu.Unlock()

	go r.forward(sessionID, sub)
	return sub.ID, nil
}

// Unsubscribe drops a subscription, but only for the session that owns it.
func (r *SessionRegistry) Unsubscribe(sessionID string, id uuid.UUID) bool {
	r.mu.Lock()
	if r.owner[id] != sessionID {
		r.mu.Unlock()
		return false
	}
	delete(r.owner, id)
	delete(r.bySession[sessionID], id)
	if len(r.bySession[sessionID]) == 0 {
		delete(r.bySession, sessionID)
	}
	r.mu.Unlock()

	return r.src.UnsubscribeProgress(id)
}

// UnregisterSession drops every subscription the session holds. Returns how many.
func (r *SessionRegistry) UnregisterSession(sessionID string) int {
	r.mu.Lock()
	subs := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	for id := range subs {
		delete(r.owner, id)
	}
	r.mu.Unlock()

	for id := range subs {
		r.src.UnsubscribeProgress(id)
	}
	return len(subs)
}

// Subscriptions returns how many subscriptions sessionID holds.
func (r *SessionRegistry) Subscriptions(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession[sessionID])
}

// forward runs until the broadcaster closes the subscriber's channel.
func (r *SessionRegistry) forward(sessionID string, sub *progress.Subscriber) {
	for m := range sub.C {
		r.mcpMu.RLock()
		srv := r.mcpSrv
		r.mcpMu.RUnlock()
		if srv == nil {
			continue
		}

		params, err := toParams(m)
		if err != nil {
			slog.Error("mcp: serialize progress message", "type", m.Type, "error", err)
			continue
		}
		if err := srv.SendNotificationToSpecificClient(sessionID, ProgressMethod, params); err != nil {
			// Delivery is best effort; a slow or gone client just misses the message.
			slog.Debug("mcp: progress notification dropped", "session_id", sessionID, "error", err)
		}
	}
}

func toParams(m domainprogress.Message) (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return map[string]any{
		"level":  "info",
		"logger": "progress",
		"data":   body,
	}, nil
}
