// Package hub fans domain events out to live client connections.
//
// Each connection gets a Session scoped to one authenticated tenant user.
// Sessions join/leave conversation rooms; the hub pushes room-scoped events
// (message lifecycle, typing) and tenant-wide events (conversation list,
// presence) into per-session buffered outboxes. Delivery is non-blocking: a
// slow client drops events rather than stalling the pipeline.
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"relayhub/internal/domain"
	"relayhub/internal/metrics"
	"relayhub/pkg/logx"
)

var ErrUnauthorized = errors.New("connection not authorized")

type Config struct {
	// SessionBuffer caps each connection's outbox.
	SessionBuffer int
}

func (c Config) withDefaults() Config {
	if c.SessionBuffer <= 0 {
		c.SessionBuffer = 64
	}
	return c
}

// Event is one wire event queued for a connection.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

// AuthFunc validates a connection credential once, at connect time. A failed
// auth means the connection is never admitted into any room.
type AuthFunc func(ctx context.Context, token string) (tenantID, userID string, err error)

type Hub struct {
	cfg  Config
	auth AuthFunc
	log  logx.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	// rooms maps conversationID -> member sessions.
	rooms map[string]map[string]*Session
	// tenants maps tenantID -> that tenant's sessions.
	tenants map[string]map[string]*Session
}

func New(cfg Config, auth AuthFunc, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		cfg:      cfg.withDefaults(),
		auth:     auth,
		log:      log,
		sessions: map[string]*Session{},
		rooms:    map[string]map[string]*Session{},
		tenants:  map[string]map[string]*Session{},
	}
}

func (h *Hub) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg.withDefaults()
	h.mu.Unlock()
}

// Connect authenticates and registers a connection. Presence is derived from
// the connection lifecycle: admit emits user:online tenant-wide, Close emits
// user:offline.
func (h *Hub) Connect(ctx context.Context, token string) (*Session, error) {
	if h.auth == nil {
		return nil, ErrUnauthorized
	}
	tenantID, userID, err := h.auth(ctx, token)
	if err != nil {
		h.log.Warn("connection rejected", logx.Any("err", err))
		return nil, ErrUnauthorized
	}

	h.mu.Lock()
	s := &Session{
		id:       uuid.NewString(),
		tenantID: tenantID,
		userID:   userID,
		hub:      h,
		rooms:    map[string]struct{}{},
		out:      make(chan Event, h.cfg.SessionBuffer),
	}
	h.sessions[s.id] = s
	t := h.tenants[tenantID]
	if t == nil {
		t = map[string]*Session{}
		h.tenants[tenantID] = t
	}
	t[s.id] = s
	h.mu.Unlock()

	metrics.HubConnections.Inc()
	h.log.Debug("connection admitted",
		logx.String("conn", s.id), logx.String("tenant", tenantID), logx.String("user", userID))

	h.BroadcastToTenant(tenantID, domain.EventUserOnline, PresencePayload{UserID: userID})
	return s, nil
}

// BroadcastToConversation delivers to sessions that joined the conversation's
// room and have not left it since.
func (h *Hub) BroadcastToConversation(conversationID, event string, payload any) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[conversationID]))
	for _, s := range h.rooms[conversationID] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		s.push(Event{Name: event, Payload: payload})
	}
	if len(members) > 0 {
		metrics.HubEvents.WithLabelValues(event).Add(float64(len(members)))
	}
}

// BroadcastToTenant delivers to every live session of the tenant.
func (h *Hub) BroadcastToTenant(tenantID, event string, payload any) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.tenants[tenantID]))
	for _, s := range h.tenants[tenantID] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		s.push(Event{Name: event, Payload: payload})
	}
	if len(members) > 0 {
		metrics.HubEvents.WithLabelValues(event).Add(float64(len(members)))
	}
}

// Connections reports the number of live sessions.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) join(s *Session, conversationID string) {
	h.mu.Lock()
	r := h.rooms[conversationID]
	if r == nil {
		r = map[string]*Session{}
		h.rooms[conversationID] = r
	}
	r[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) leave(s *Session, conversationID string) {
	h.mu.Lock()
	if r := h.rooms[conversationID]; r != nil {
		delete(r, s.id)
		if len(r) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	h.mu.Unlock()
}

// typing re-broadcasts an ephemeral typing signal to the other room members.
// Nothing is persisted and no timeout runs here; stale indicators are the
// client's problem.
func (h *Hub) typing(s *Session, conversationID, event string) {
	h.mu.RLock()
	_, member := h.rooms[conversationID][s.id]
	members := make([]*Session, 0, len(h.rooms[conversationID]))
	for _, m := range h.rooms[conversationID] {
		if m.id != s.id {
			members = append(members, m)
		}
	}
	h.mu.RUnlock()

	// Typing from outside the room is ignored.
	if !member {
		return
	}
	p := TypingPayload{ConversationID: conversationID, UserID: s.userID}
	for _, m := range members {
		m.push(Event{Name: event, Payload: p})
	}
	if len(members) > 0 {
		metrics.HubEvents.WithLabelValues(event).Add(float64(len(members)))
	}
}

func (h *Hub) drop(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	for c := range s.rooms {
		if r := h.rooms[c]; r != nil {
			delete(r, s.id)
			if len(r) == 0 {
				delete(h.rooms, c)
			}
		}
	}
	if t := h.tenants[s.tenantID]; t != nil {
		delete(t, s.id)
		if len(t) == 0 {
			delete(h.tenants, s.tenantID)
		}
	}
	h.mu.Unlock()

	metrics.HubConnections.Dec()
	h.log.Debug("connection closed", logx.String("conn", s.id), logx.String("tenant", s.tenantID))

	h.BroadcastToTenant(s.tenantID, domain.EventUserOffline, PresencePayload{UserID: s.userID})
}

// ---- Payloads for hub-originated events ----

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
}
