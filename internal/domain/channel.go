package domain

import "context"

// Sender delivers outbound text over one channel (SMS, WhatsApp, email).
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, msg OutboundMessage) error
}
