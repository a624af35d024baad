package hub

import (
	"context"

	"relayhub/internal/domain"
	"relayhub/internal/eventbus"
)

// Run subscribes the hub to the bus and routes pipeline events to connected
// sessions until ctx is cancelled. Message and status events go to the room
// for their conversation; conversation updates go tenant-wide.
func (h *Hub) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			h.route(ev)
		}
	}
}

func (h *Hub) route(ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case domain.MessageEvent:
		h.BroadcastToConversation(data.ConversationID, ev.Type, data)
	case domain.StatusEvent:
		h.BroadcastToConversation(data.ConversationID, ev.Type, data)
	case domain.ConversationEvent:
		h.BroadcastToTenant(data.TenantID, ev.Type, data)
	}
}
