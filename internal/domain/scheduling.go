package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrSlotUnavailable is returned by Book when the requested time is taken.
var ErrSlotUnavailable = errors.New("slot unavailable")

// Scheduler is the availability and booking collaborator used by the tools.
type Scheduler interface {
	CheckAvailability(ctx context.Context, q AvailabilityQuery) ([]Slot, error)
	Book(ctx context.Context, b Booking) (*Appointment, error)
}

type AvailabilityQuery struct {
	TenantID    string
	Date        string // YYYY-MM-DD
	ServiceType string
}

type Slot struct {
	Date        string `json:"date"`
	Time        string `json:"time"` // HH:MM
	ServiceType string `json:"service_type,omitempty"`
}

type Booking struct {
	TenantID       string
	ConversationID string
	Date           string
	Time           string
	ClientName     string
	ClientPhone    string
	PropertyID     string
	AgentID        string
	ServiceType    string
	Notes          string
	IdempotencyKey string
}

// Key derives the idempotency key of a booking: the same client asking for the
// same slot twice in one conversation books once.
func (b Booking) Key() string {
	return strings.ToLower(strings.Join([]string{
		b.ConversationID, b.Date, b.Time, strings.TrimSpace(b.ClientName),
	}, "|"))
}

type Appointment struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Date        string    `json:"date"`
	Time        string    `json:"time"`
	ClientName  string    `json:"client_name"`
	ClientPhone string    `json:"client_phone,omitempty"`
	ServiceType string    `json:"service_type,omitempty"`
	Status      string    `json:"status"`
	Created     bool      `json:"-"` // false when an earlier booking with the same key was returned
	CreatedAt   time.Time `json:"created_at"`
}
