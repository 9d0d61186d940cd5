package domain

import (
	"context"
	"time"
)

type Channel string

const (
	ChannelVoice    Channel = "voice"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelAPI      Channel = "api"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelVoice, ChannelSMS, ChannelWhatsApp, ChannelEmail, ChannelAPI:
		return true
	}
	return false
}

type ConversationStatus string

const (
	StatusActive ConversationStatus = "active"
	StatusClosed ConversationStatus = "closed"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type SenderRole string

const (
	SenderClient    SenderRole = "client"
	SenderAssistant SenderRole = "assistant"
	SenderSystem    SenderRole = "system"
)

// Conversation is one channel-spanning thread with a customer contact.
type Conversation struct {
	ID             string              `json:"id"`
	TenantID       string              `json:"tenant_id"`
	ExternalID     string              `json:"external_id,omitempty"` // call id for voice
	Address        string              `json:"address,omitempty"`     // phone number or email
	Channels       []Channel           `json:"channels"`
	CurrentChannel Channel             `json:"current_channel"`
	Status         ConversationStatus  `json:"status"`
	ClosedReason   string              `json:"closed_reason,omitempty"`
	Context        ConversationContext `json:"context"`
	DurationSec    int                 `json:"duration_sec,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	LastMessageAt  time.Time           `json:"last_message_at"`
}

// HasChannel reports whether ch was already used in the conversation.
func (c *Conversation) HasChannel(ch Channel) bool {
	for _, existing := range c.Channels {
		if existing == ch {
			return true
		}
	}
	return false
}

// MessageRecord is an append-only entry of a conversation.
type MessageRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Seq            int64      `json:"seq"`
	Channel        Channel    `json:"channel"`
	Direction      Direction  `json:"direction"`
	Sender         SenderRole `json:"sender_role"`
	Content        string     `json:"content"`
	DurationMs     int64      `json:"duration_ms,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindByExternalID(ctx context.Context, externalID string) (*Conversation, error)
	FindActive(ctx context.Context, tenantID, address string, ch Channel) (*Conversation, error)
	SaveContext(ctx context.Context, id string, cc ConversationContext) error
	CloseConversation(ctx context.Context, id, reason string, durationSec int) error

	AppendMessage(ctx context.Context, msg *MessageRecord) error
	RecentMessages(ctx context.Context, convID string, limit int) ([]MessageRecord, error)
}
