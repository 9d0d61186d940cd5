package domain

// MessageBus decouples channel webhooks from turn processing.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(ch Channel, handler func(OutboundMessage))
	Close()
}
