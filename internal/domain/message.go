package domain

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageType string

const (
	TypeText        MessageType = "text"
	TypeMedia       MessageType = "media"
	TypeTemplate    MessageType = "template"
	TypeInteractive MessageType = "interactive"
)

// Message is the pipeline's view of a persisted message. It is owned by its
// conversation and mutated only through the status state machine; the pipeline
// never deletes messages.
type Message struct {
	ID                string      `json:"id"`
	TenantID          string      `json:"tenant_id"`
	ConversationID    string      `json:"conversation_id"`
	Direction         Direction   `json:"direction"`
	Type              MessageType `json:"type"`
	Body              string      `json:"body,omitempty"`
	PhoneNumberID     string      `json:"phone_number_id,omitempty"`
	To                string      `json:"to,omitempty"`
	From              string      `json:"from,omitempty"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	Status            Status      `json:"status"`
	Error             string      `json:"error,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Conversation groups messages between a tenant and one contact phone number.
type Conversation struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ContactPhone  string    `json:"contact_phone"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Credential is a tenant's provider credential for one phone number id.
type Credential struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	PhoneNumberID string `json:"phone_number_id"`
	Token         string `json:"-"`
	Valid         bool   `json:"valid"`
	InvalidReason string `json:"invalid_reason,omitempty"`
}
