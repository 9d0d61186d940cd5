package domain

import "time"

// InboundMessage is a text-channel message handed to the orchestration core.
type InboundMessage struct {
	TenantID   string
	Channel    Channel
	Address    string // sender phone number or email address
	Content    string
	Subject    string // email only
	ExternalID string // provider message id
	ReceivedAt time.Time
}

// OutboundMessage is a reply to deliver through a channel sender.
type OutboundMessage struct {
	TenantID       string
	Channel        Channel
	Address        string
	ConversationID string
	Content        string
	Subject        string
	Actions        []Action
}
