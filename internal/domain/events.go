package domain

// Wire event names pushed to connected clients. The hub routes conversation
// scoped events to room members and the rest tenant-wide.
const (
	EventMessageNew          = "message:new"
	EventMessageStatus       = "message:status"
	EventConversationUpdated = "conversation:updated"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
	EventUserOnline          = "user:online"
	EventUserOffline         = "user:offline"
)

// MessageEvent is the payload for message:new.
type MessageEvent struct {
	TenantID       string  `json:"tenant_id"`
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// StatusEvent is the payload for message:status.
type StatusEvent struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Status         Status `json:"status"`
	Error          string `json:"error,omitempty"`
}

// ConversationEvent is the payload for conversation:updated. It is delivered
// tenant-wide so inbox lists refresh without a room join.
type ConversationEvent struct {
	TenantID     string       `json:"tenant_id"`
	Conversation Conversation `json:"conversation"`
}
