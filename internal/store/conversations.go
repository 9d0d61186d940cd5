package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"omnicontact/internal/domain"

	"github.com/google/uuid"
)

// ErrNotFound is returned by updates addressed at a missing row.
var ErrNotFound = errors.New("store: not found")

const conversationColumns = `id, tenant_id, external_id, address, channels, current_channel,
	status, closed_reason, context, duration_sec, created_at, last_message_at`

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastMessageAt.IsZero() {
		conv.LastMessageAt = conv.CreatedAt
	}
	if conv.Status == "" {
		conv.Status = domain.StatusActive
	}
	if conv.Context.Version == 0 {
		conv.Context = domain.NewConversationContext()
	}
	if conv.CurrentChannel != "" && !conv.HasChannel(conv.CurrentChannel) {
		conv.Channels = append(conv.Channels, conv.CurrentChannel)
	}
	blob, err := domain.EncodeContext(conv.Context)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		conv.ID, conv.TenantID, conv.ExternalID, conv.Address, joinChannels(conv.Channels),
		string(conv.CurrentChannel), string(conv.Status), conv.ClosedReason, blob,
		conv.DurationSec, conv.CreatedAt, conv.LastMessageAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return s.queryConversation(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
}

// FindByExternalID returns the most recent conversation for a call id.
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*domain.Conversation, error) {
	if externalID == "" {
		return nil, nil
	}
	return s.queryConversation(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE external_id = ? ORDER BY created_at DESC LIMIT 1`, externalID)
}

// FindActive returns the active conversation on (address, channel) for a tenant.
func (s *Store) FindActive(ctx context.Context, tenantID, address string, ch domain.Channel) (*domain.Conversation, error) {
	return s.queryConversation(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = ? AND address = ? AND current_channel = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, address, string(ch), string(domain.StatusActive))
}

func (s *Store) queryConversation(ctx context.Context, q string, args ...any) (*domain.Conversation, error) {
	var (
		conv                      domain.Conversation
		channels, current, status string
		blob                      string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(q), args...).Scan(
		&conv.ID, &conv.TenantID, &conv.ExternalID, &conv.Address, &channels, &current,
		&status, &conv.ClosedReason, &blob, &conv.DurationSec, &conv.CreatedAt, &conv.LastMessageAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	conv.Channels = splitChannels(channels)
	conv.CurrentChannel = domain.Channel(current)
	conv.Status = domain.ConversationStatus(status)

	cc, err := domain.DecodeContext(blob)
	if err != nil {
		s.logger.Warn("conversation context reset", "conversation", conv.ID, "err", err)
	}
	conv.Context = cc
	return &conv, nil
}

// SaveContext overwrites the context blob.
func (s *Store) SaveContext(ctx context.Context, id string, cc domain.ConversationContext) error {
	blob, err := domain.EncodeContext(cc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE conversations SET context = ? WHERE id = ?`), blob, id)
	if err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return expectRow(res, "conversation", id)
}

// CloseConversation marks the conversation closed. Closing twice keeps the first reason.
func (s *Store) CloseConversation(ctx context.Context, id, reason string, durationSec int) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE conversations
		SET status = ?, closed_reason = ?, duration_sec = ?
		WHERE id = ? AND status = ?`),
		string(domain.StatusClosed), reason, durationSec, id, string(domain.StatusActive))
	if err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		if conv == nil {
			return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
		}
	}
	return nil
}

// AppendMessage assigns the next per-conversation sequence number and bumps
// the conversation's last-message time and channel set.
func (s *Store) AppendMessage(ctx context.Context, msg *domain.MessageRecord) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	var channels string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT channels FROM conversations WHERE id = ?`), msg.ConversationID).Scan(&channels)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, msg.ConversationID)
	}
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`),
		msg.ConversationID).Scan(&msg.Seq); err != nil {
		return fmt.Errorf("next message seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO messages
		(id, conversation_id, seq, channel, direction, sender_role, content, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.Seq, string(msg.Channel), string(msg.Direction),
		string(msg.Sender), msg.Content, msg.DurationMs, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	set := splitChannels(channels)
	if msg.Channel != "" && !containsChannel(set, msg.Channel) {
		set = append(set, msg.Channel)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE conversations SET last_message_at = ?, channels = ? WHERE id = ?`),
		msg.CreatedAt, joinChannels(set), msg.ConversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

// RecentMessages returns the last limit messages in sequence order.
func (s *Store) RecentMessages(ctx context.Context, convID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, conversation_id, seq, channel, direction,
			sender_role, content, duration_ms, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY seq DESC LIMIT ?`), convID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		var (
			m                           domain.MessageRecord
			channel, direction, sender string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &channel, &direction,
			&sender, &m.Content, &m.DurationMs, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Channel = domain.Channel(channel)
		m.Direction = domain.Direction(direction)
		m.Sender = domain.SenderRole(sender)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

func joinChannels(chs []domain.Channel) string {
	parts := make([]string, 0, len(chs))
	for _, c := range chs {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, ",")
}

func splitChannels(s string) []domain.Channel {
	if s == "" {
		return nil
	}
	var out []domain.Channel
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, domain.Channel(p))
		}
	}
	return out
}

func containsChannel(set []domain.Channel, ch domain.Channel) bool {
	for _, c := range set {
		if c == ch {
			return true
		}
	}
	return false
}
