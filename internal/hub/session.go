package hub

import (
	"sync"

	"relayhub/internal/domain"
)

// Session is one live authenticated connection. Room membership mutates only
// through this session's own Join/Leave calls, so there is no cross-connection
// race on a session's data. The transport (websocket handler, test harness)
// drains Events().
type Session struct {
	id       string
	tenantID string
	userID   string
	hub      *Hub

	mu    sync.Mutex
	rooms map[string]struct{}
	done  bool

	out chan Event
}

func (s *Session) ID() string       { return s.id }
func (s *Session) TenantID() string { return s.tenantID }
func (s *Session) UserID() string   { return s.userID }

// Events is the connection's outbox. It is never closed while the session is
// live; after Close the channel is closed and must not be written again.
func (s *Session) Events() <-chan Event { return s.out }

// Join subscribes the session to a conversation's room. The hub does not
// check that the conversation belongs to the session's tenant; the transport
// must authorize membership before forwarding a join.
func (s *Session) Join(conversationID string) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.rooms[conversationID] = struct{}{}
	s.mu.Unlock()
	s.hub.join(s, conversationID)
}

func (s *Session) Leave(conversationID string) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, conversationID)
	s.mu.Unlock()
	s.hub.leave(s, conversationID)
}

func (s *Session) TypingStart(conversationID string) {
	s.hub.typing(s, conversationID, domain.EventTypingStart)
}

func (s *Session) TypingStop(conversationID string) {
	s.hub.typing(s, conversationID, domain.EventTypingStop)
}

// Close tears the session down and emits user:offline. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	s.hub.drop(s)
	close(s.out)
}

// push delivers without blocking; a full outbox drops the event.
func (s *Session) push(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.out <- e:
	default:
	}
}
