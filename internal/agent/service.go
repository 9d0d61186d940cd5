// Package agent runs customer conversations: identity resolution, per-conversation
// serialization, the tool-calling turn loop and persistence of each turn.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"omnicontact/internal/domain"
	"omnicontact/internal/metrics"

	"github.com/google/uuid"
)

const defaultHistoryLimit = 10

var (
	ErrEmptyText          = errors.New("agent: empty text")
	ErrInvalidChannel     = errors.New("agent: invalid channel")
	ErrMissingTenant      = errors.New("agent: tenant id required")
	ErrMissingAddress     = errors.New("agent: sender address required")
	ErrConversationClosed = errors.New("agent: conversation closed")
	// ErrReplyDiscarded is returned by Turn when Deliver refused the reply.
	ErrReplyDiscarded = errors.New("agent: reply discarded")
)

// Inbound is a text-channel message addressed to the agent.
type Inbound struct {
	TenantID string
	Channel  domain.Channel
	Address  string
	Text     string
	Subject  string
}

// Reply is the outcome of one turn.
type Reply struct {
	ConversationID string          `json:"conversationId"`
	Text           string          `json:"outboundText"`
	Actions        []domain.Action `json:"actions"`
}

// TurnRequest is a turn on an already-resolved conversation (the voice path).
type TurnRequest struct {
	ConversationID string
	TenantID       string // used when the conversation could not be loaded
	Channel        domain.Channel
	Text           string
	// Deliver emits the reply and reports whether it was accepted. An
	// interrupted turn returns false and its reply is not persisted.
	Deliver func(Reply) bool
}

// VoiceCall identifies an incoming call.
type VoiceCall struct {
	TenantID       string
	CallID         string
	ConversationID string
	From           string
	To             string
}

// Service is the entry point for every channel.
type Service struct {
	store        domain.ConversationStore
	agents       domain.AgentDirectory
	loop         *Loop
	historyLimit int
	locks        *keyedMutex
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

type ServiceConfig struct {
	Store        domain.ConversationStore
	Agents       domain.AgentDirectory
	Loop         *Loop
	HistoryLimit int
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:        cfg.Store,
		agents:       cfg.Agents,
		loop:         cfg.Loop,
		historyLimit: cfg.HistoryLimit,
		locks:        newKeyedMutex(),
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          time.Now,
	}
}

// Agent returns the tenant's profile with default utterances filled in.
func (s *Service) Agent(tenantID string) domain.AgentConfig {
	if s.agents == nil {
		return domain.AgentConfig{TenantID: tenantID}.WithDefaults()
	}
	return s.agents.Lookup(tenantID).WithDefaults()
}

// HandleText runs one turn for a text channel. The active conversation of the
// sender on this channel is reused, or a new one is created.
func (s *Service) HandleText(ctx context.Context, in Inbound) (Reply, error) {
	in.Text = strings.TrimSpace(in.Text)
	in.Address = strings.TrimSpace(in.Address)
	switch {
	case in.Text == "":
		return Reply{}, ErrEmptyText
	case !in.Channel.Valid() || in.Channel == domain.ChannelVoice:
		return Reply{}, fmt.Errorf("%w: %q", ErrInvalidChannel, in.Channel)
	case in.TenantID == "":
		return Reply{}, ErrMissingTenant
	case in.Address == "":
		return Reply{}, ErrMissingAddress
	}

	// Keyed before identity resolution so two concurrent first messages
	// from one sender share a conversation.
	unlock := s.locks.Lock(in.TenantID + "|" + string(in.Channel) + "|" + in.Address)
	defer unlock()

	conv, persisted := s.resolveText(ctx, in)
	reply, intent := s.runTurn(ctx, conv, persisted, in.Channel, in.Text, nil)

	if intent == IntentGoodbye && persisted {
		if err := s.store.CloseConversation(ctx, conv.ID, "customer_goodbye", 0); err != nil {
			s.persistWarn("close_conversation", conv.ID, err)
		}
	}
	return reply, nil
}

func (s *Service) resolveText(ctx context.Context, in Inbound) (*domain.Conversation, bool) {
	conv, err := s.store.FindActive(ctx, in.TenantID, in.Address, in.Channel)
	if err != nil {
		s.persistWarn("find_conversation", "", err)
		return s.ephemeral(in.TenantID, in.Address, in.Channel), false
	}
	if conv != nil {
		if in.Subject != "" && conv.Context.Subject == "" {
			conv.Context.Subject = in.Subject
		}
		return conv, true
	}

	conv = &domain.Conversation{
		TenantID:       in.TenantID,
		Address:        in.Address,
		CurrentChannel: in.Channel,
		Context:        domain.NewConversationContext(),
	}
	conv.Context.Subject = in.Subject
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		s.persistWarn("create_conversation", "", err)
		return s.ephemeral(in.TenantID, in.Address, in.Channel), false
	}
	s.logger.Info("conversation created", "conversation", conv.ID, "tenant", in.TenantID, "channel", in.Channel)
	return conv, true
}

// Turn runs one turn on an existing conversation and hands the reply to
// req.Deliver before persisting it.
func (s *Service) Turn(ctx context.Context, req TurnRequest) (Reply, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return Reply{}, ErrEmptyText
	}
	if !req.Channel.Valid() {
		return Reply{}, fmt.Errorf("%w: %q", ErrInvalidChannel, req.Channel)
	}

	unlock := s.locks.Lock("conv|" + req.ConversationID)
	defer unlock()

	persisted := true
	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	switch {
	case err != nil:
		s.persistWarn("get_conversation", req.ConversationID, err)
		conv, persisted = nil, false
	case conv == nil:
		s.logger.Warn("turn on unknown conversation", "conversation", req.ConversationID)
		persisted = false
	case conv.Status == domain.StatusClosed:
		return Reply{ConversationID: conv.ID}, ErrConversationClosed
	}
	if conv == nil {
		conv = s.ephemeral(req.TenantID, "", req.Channel)
		conv.ID = req.ConversationID
	}

	delivered := true
	deliver := func(r Reply) bool {
		if req.Deliver != nil {
			delivered = req.Deliver(r)
		}
		return delivered
	}
	reply, _ := s.runTurn(ctx, conv, persisted, req.Channel, req.Text, deliver)
	if !delivered {
		return reply, ErrReplyDiscarded
	}
	return reply, nil
}

// runTurn calls the loop, delivers the reply, then persists the exchange.
// Persistence failures are logged and never change the reply.
func (s *Service) runTurn(ctx context.Context, conv *domain.Conversation, persisted bool, ch domain.Channel, text string, deliver func(Reply) bool) (Reply, Intent) {
	start := s.now()
	agent := s.Agent(conv.TenantID)
	intent := DetectIntent(text)

	var history []domain.Message
	if persisted {
		records, err := s.store.RecentMessages(ctx, conv.ID, s.historyLimit)
		if err != nil {
			s.persistWarn("recent_messages", conv.ID, err)
		}
		history = historyMessages(records)
	}

	out, err := s.loop.Run(ctx, TurnInput{
		Scope: domain.ToolScope{
			TenantID:       conv.TenantID,
			AgentID:        agent.AgentID,
			ConversationID: conv.ID,
			Channel:        ch,
			Address:        conv.Address,
			Agent:          agent,
		},
		SystemPrompt: BuildSystemPrompt(agent, ch, start),
		History:      history,
		Text:         text,
	})

	reply := Reply{ConversationID: conv.ID, Actions: []domain.Action{}}
	outcome := "ok"
	if err != nil {
		s.logger.Error("turn failed", "conversation", conv.ID, "tenant", conv.TenantID, "channel", ch, "err", err)
		reply.Text = agent.ApologyMessage
		outcome = "error"
	} else {
		reply.Text = out.Text
		reply.Actions = append(reply.Actions, out.Actions...)
		if out.HasAction(domain.ActionTransfer) {
			outcome = "transfer"
		}
	}

	if deliver != nil && !deliver(reply) {
		s.logger.Info("reply discarded", "conversation", conv.ID, "channel", ch)
		s.metrics.Turn(string(ch), "discarded")
		s.appendMessage(ctx, persisted, conv.ID, ch, domain.SenderClient, text, 0)
		return reply, intent
	}
	s.metrics.Turn(string(ch), outcome)

	s.appendMessage(ctx, persisted, conv.ID, ch, domain.SenderClient, text, 0)
	s.appendMessage(ctx, persisted, conv.ID, ch, domain.SenderAssistant, reply.Text, s.now().Sub(start).Milliseconds())

	if persisted {
		cc := conv.Context
		if cc.Version == 0 {
			cc = domain.NewConversationContext()
		}
		if out != nil {
			cc.AISession.Provider = out.Provider
			cc.AISession.Model = out.Model
			cc.AISession.LastTools = out.ToolsUsed
		}
		cc.AISession.Turns++
		cc.AISession.LastIntent = string(intent)
		cc.AISession.UpdatedAt = s.now().UTC()
		if err := s.store.SaveContext(ctx, conv.ID, cc); err != nil {
			s.persistWarn("save_context", conv.ID, err)
		} else {
			conv.Context = cc
		}
	}
	return reply, intent
}

// OpenVoice resolves the conversation of an incoming call. A store failure
// yields an unsaved conversation so the call can proceed.
func (s *Service) OpenVoice(ctx context.Context, call VoiceCall) *domain.Conversation {
	if call.ConversationID != "" {
		conv, err := s.store.GetConversation(ctx, call.ConversationID)
		if err != nil {
			s.persistWarn("get_conversation", call.ConversationID, err)
		} else if conv != nil && conv.Status == domain.StatusActive {
			return conv
		}
	}
	if call.CallID != "" {
		conv, err := s.store.FindByExternalID(ctx, call.CallID)
		if err != nil {
			s.persistWarn("find_conversation", call.CallID, err)
		} else if conv != nil {
			return conv
		}
	}

	conv := &domain.Conversation{
		TenantID:       call.TenantID,
		ExternalID:     call.CallID,
		Address:        call.From,
		CurrentChannel: domain.ChannelVoice,
		Context:        domain.NewConversationContext(),
	}
	if call.To != "" {
		conv.Context.ChannelMeta = map[string]string{"to": call.To}
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		s.persistWarn("create_conversation", call.CallID, err)
		return s.ephemeral(call.TenantID, call.From, domain.ChannelVoice)
	}
	s.logger.Info("voice conversation created", "conversation", conv.ID, "call", call.CallID, "tenant", call.TenantID)
	return conv
}

// CloseConversation marks the conversation closed. The first close wins.
func (s *Service) CloseConversation(ctx context.Context, convID, reason string, durationSec int) error {
	if err := s.store.CloseConversation(ctx, convID, reason, durationSec); err != nil {
		s.persistWarn("close_conversation", convID, err)
		return err
	}
	return nil
}

// RecordMessage persists an utterance produced outside a turn, such as the
// greeting or a keypad response.
func (s *Service) RecordMessage(ctx context.Context, convID string, ch domain.Channel, role domain.SenderRole, text string) {
	s.appendMessage(ctx, true, convID, ch, role, text, 0)
}

func (s *Service) appendMessage(ctx context.Context, persisted bool, convID string, ch domain.Channel, role domain.SenderRole, text string, durationMs int64) {
	if !persisted || text == "" {
		return
	}
	dir := domain.DirectionOutbound
	if role == domain.SenderClient {
		dir = domain.DirectionInbound
	}
	err := s.store.AppendMessage(ctx, &domain.MessageRecord{
		ConversationID: convID,
		Channel:        ch,
		Direction:      dir,
		Sender:         role,
		Content:        text,
		DurationMs:     durationMs,
	})
	if err != nil {
		s.persistWarn("append_message", convID, err)
	}
}

func (s *Service) ephemeral(tenantID, address string, ch domain.Channel) *domain.Conversation {
	now := s.now().UTC()
	return &domain.Conversation{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Address:        address,
		Channels:       []domain.Channel{ch},
		CurrentChannel: ch,
		Status:         domain.StatusActive,
		Context:        domain.NewConversationContext(),
		CreatedAt:      now,
		LastMessageAt:  now,
	}
}

func (s *Service) persistWarn(op, convID string, err error) {
	s.logger.Warn("persistence failed", "op", op, "conversation", convID, "err", err)
	s.metrics.PersistenceError(op)
}
