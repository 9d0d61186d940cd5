package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"omnicontact/internal/domain"

	"github.com/google/uuid"
)

var (
	ErrInvalidBooking  = errors.New("store: invalid booking")
	ErrSlotUnavailable = domain.ErrSlotUnavailable
)

const appointmentBooked = "booked"

// AddSlots publishes open slots for a tenant. Existing slots are left as they are.
func (s *Store) AddSlots(ctx context.Context, tenantID string, slots []domain.Slot) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant required", ErrInvalidBooking)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO availability_slots (tenant_id, date, time, service_type)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, sl := range slots {
		if err := validDateTime(sl.Date, sl.Time); err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, tenantID, sl.Date, sl.Time, sl.ServiceType); err != nil {
			return fmt.Errorf("add slot %s %s: %w", sl.Date, sl.Time, err)
		}
	}
	return tx.Commit()
}

// CheckAvailability lists unbooked slots on a date. A service type matches
// slots of that type and slots open to any service.
func (s *Store) CheckAvailability(ctx context.Context, q domain.AvailabilityQuery) ([]domain.Slot, error) {
	if err := validDateTime(q.Date, ""); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT sl.date, sl.time, sl.service_type
		FROM availability_slots sl
		WHERE sl.tenant_id = ? AND sl.date = ?
		  AND (? = '' OR sl.service_type = '' OR sl.service_type = ?)
		  AND NOT EXISTS (
			SELECT 1 FROM appointments a
			WHERE a.tenant_id = sl.tenant_id AND a.date = sl.date AND a.time = sl.time AND a.status = ?
		  )
		ORDER BY sl.time`),
		q.TenantID, q.Date, q.ServiceType, q.ServiceType, appointmentBooked)
	if err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}
	defer rows.Close()

	var out []domain.Slot
	for rows.Next() {
		var sl domain.Slot
		if err := rows.Scan(&sl.Date, &sl.Time, &sl.ServiceType); err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// Book creates an appointment. Repeating a booking with the same idempotency
// key returns the original appointment with Created false.
func (s *Store) Book(ctx context.Context, b domain.Booking) (*domain.Appointment, error) {
	if b.TenantID == "" || strings.TrimSpace(b.ClientName) == "" {
		return nil, fmt.Errorf("%w: tenant and client name required", ErrInvalidBooking)
	}
	if err := validDateTime(b.Date, b.Time); err != nil {
		return nil, err
	}
	if b.IdempotencyKey == "" {
		b.IdempotencyKey = b.Key()
	}

	if prior, err := s.appointmentByKey(ctx, b.TenantID, b.IdempotencyKey); err != nil || prior != nil {
		return prior, err
	}

	taken, err := s.slotTaken(ctx, b.TenantID, b.Date, b.Time)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: %s %s", ErrSlotUnavailable, b.Date, b.Time)
	}

	appt := &domain.Appointment{
		ID:          uuid.NewString(),
		TenantID:    b.TenantID,
		Date:        b.Date,
		Time:        b.Time,
		ClientName:  strings.TrimSpace(b.ClientName),
		ClientPhone: b.ClientPhone,
		ServiceType: b.ServiceType,
		Status:      appointmentBooked,
		CreatedAt:   s.now(),
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO appointments
		(id, tenant_id, conversation_id, date, time, client_name, client_phone, property_id,
		 agent_id, service_type, notes, status, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`),
		appt.ID, appt.TenantID, b.ConversationID, appt.Date, appt.Time, appt.ClientName, appt.ClientPhone,
		b.PropertyID, b.AgentID, appt.ServiceType, b.Notes, appt.Status, b.IdempotencyKey, appt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("book appointment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with an identical booking.
		return s.appointmentByKey(ctx, b.TenantID, b.IdempotencyKey)
	}
	appt.Created = true
	s.logger.Info("appointment booked", "tenant", appt.TenantID, "date", appt.Date, "time", appt.Time)
	return appt, nil
}

func (s *Store) appointmentByKey(ctx context.Context, tenantID, key string) (*domain.Appointment, error) {
	var a domain.Appointment
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, tenant_id, date, time, client_name, client_phone,
			service_type, status, created_at
		FROM appointments WHERE tenant_id = ? AND idempotency_key = ?`), tenantID, key).Scan(
		&a.ID, &a.TenantID, &a.Date, &a.Time, &a.ClientName, &a.ClientPhone, &a.ServiceType, &a.Status, &a.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup appointment: %w", err)
	}
	return &a, nil
}

func (s *Store) slotTaken(ctx context.Context, tenantID, date, hhmm string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM appointments
		WHERE tenant_id = ? AND date = ? AND time = ? AND status = ?`),
		tenantID, date, hhmm, appointmentBooked).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check slot: %w", err)
	}
	return n > 0, nil
}

func validDateTime(date, hhmm string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidBooking, date)
	}
	if hhmm == "" {
		return nil
	}
	if _, err := time.Parse("15:04", hhmm); err != nil {
		return fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidBooking, hhmm)
	}
	return nil
}
