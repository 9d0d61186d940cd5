package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"omnicontact/internal/domain"
)

// CheckAvailability lists open appointment slots for a date.
type CheckAvailability struct {
	scheduler domain.Scheduler
}

func NewCheckAvailability(s domain.Scheduler) *CheckAvailability {
	return &CheckAvailability{scheduler: s}
}

func (t *CheckAvailability) Name() string { return "check_availability" }

func (t *CheckAvailability) Description() string {
	return "Check which appointment slots are free on a given date."
}

func (t *CheckAvailability) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"date":         {Type: "string", Description: "Date in YYYY-MM-DD format"},
		"service_type": {Type: "string", Description: "Kind of appointment, e.g. viewing or valuation"},
	}, []string{"date"})
}

func (t *CheckAvailability) Execute(ctx context.Context, scope domain.ToolScope, args map[string]any) (domain.ToolResult, error) {
	if err := requireArgs(t.Name(), args, "date"); err != nil {
		return domain.ToolResult{}, err
	}
	date := ArgsString(args, "date")
	slots, err := t.scheduler.CheckAvailability(ctx, domain.AvailabilityQuery{
		TenantID:    scope.TenantID,
		Date:        date,
		ServiceType: ArgsString(args, "service_type"),
	})
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("check_availability: %w", err)
	}
	if len(slots) == 0 {
		return domain.ToolResult{Context: fmt.Sprintf("No availability on %s.", date)}, nil
	}
	times := make([]string, len(slots))
	for i, s := range slots {
		times[i] = s.Time
	}
	return domain.ToolResult{Context: fmt.Sprintf("Available slots on %s: %s.", date, strings.Join(times, ", "))}, nil
}

// BookAppointment books a slot. Repeated calls for the same client and slot
// in one conversation return the original booking.
type BookAppointment struct {
	scheduler domain.Scheduler
}

func NewBookAppointment(s domain.Scheduler) *BookAppointment {
	return &BookAppointment{scheduler: s}
}

func (t *BookAppointment) Name() string { return "book_appointment" }

func (t *BookAppointment) Description() string {
	return "Book an appointment for the customer once date, time and name are confirmed."
}

func (t *BookAppointment) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"date":         {Type: "string", Description: "Date in YYYY-MM-DD format"},
		"time":         {Type: "string", Description: "Time in HH:MM format"},
		"client_name":  {Type: "string", Description: "Customer's full name"},
		"client_phone": {Type: "string", Description: "Customer's phone number"},
		"property_id":  {Type: "string", Description: "Property concerned, if any"},
		"agent_id":     {Type: "string", Description: "Preferred agent, if any"},
		"service_type": {Type: "string", Description: "Kind of appointment"},
		"notes":        {Type: "string", Description: "Anything else the advisor should know"},
	}, []string{"date", "time", "client_name"})
}

func (t *BookAppointment) Execute(ctx context.Context, scope domain.ToolScope, args map[string]any) (domain.ToolResult, error) {
	if err := requireArgs(t.Name(), args, "date", "time", "client_name"); err != nil {
		return domain.ToolResult{}, err
	}
	phone := ArgsString(args, "client_phone")
	if phone == "" && scope.Channel != domain.ChannelEmail {
		phone = scope.Address
	}
	b := domain.Booking{
		TenantID:       scope.TenantID,
		ConversationID: scope.ConversationID,
		Date:           ArgsString(args, "date"),
		Time:           ArgsString(args, "time"),
		ClientName:     ArgsString(args, "client_name"),
		ClientPhone:    phone,
		PropertyID:     ArgsString(args, "property_id"),
		AgentID:        ArgsString(args, "agent_id"),
		ServiceType:    ArgsString(args, "service_type"),
		Notes:          ArgsString(args, "notes"),
	}
	b.IdempotencyKey = b.Key()

	appt, err := t.scheduler.Book(ctx, b)
	if errors.Is(err, domain.ErrSlotUnavailable) {
		return domain.ToolResult{Context: fmt.Sprintf("The slot on %s at %s is no longer available.", b.Date, b.Time)}, nil
	}
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("book_appointment: %w", err)
	}
	if !appt.Created {
		return domain.ToolResult{Context: fmt.Sprintf("This appointment is already booked for %s on %s at %s.", appt.ClientName, appt.Date, appt.Time)}, nil
	}
	return domain.ToolResult{Context: fmt.Sprintf("Appointment confirmed for %s on %s at %s.", appt.ClientName, appt.Date, appt.Time)}, nil
}
