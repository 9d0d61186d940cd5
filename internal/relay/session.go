package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"omnicontact/internal/agent"
	"omnicontact/internal/domain"
	"omnicontact/internal/metrics"
)

const (
	turnQueueSize       = 8
	closeTimeout        = 5 * time.Second
	reasonCompleted     = "completed"
	reasonTransportLost = "transport_closed"
	reasonHangup        = "dtmf_hangup"
	reasonTransferred   = "dtmf_transfer"
	reasonReplaced      = "replaced"
)

// Transport is the write side of a relay connection. *websocket.Conn satisfies it.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// Agent is the conversation service used by a session.
type Agent interface {
	Agent(tenantID string) domain.AgentConfig
	OpenVoice(ctx context.Context, call agent.VoiceCall) *domain.Conversation
	Turn(ctx context.Context, req agent.TurnRequest) (agent.Reply, error)
	CloseConversation(ctx context.Context, convID, reason string, durationSec int) error
	RecordMessage(ctx context.Context, convID string, ch domain.Channel, role domain.SenderRole, text string)
}

// Params are the start parameters known when the connection opens.
type Params struct {
	CallID         string
	ConversationID string
	TenantID       string
	DefaultTenant  string
}

type turnJob struct {
	text  string
	epoch uint64
}

// Session is the state of one call. Events are handled in arrival order by the
// connection's reader; model turns run on the session's own worker.
type Session struct {
	agent     Agent
	transport Transport
	registry  *Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	turns  chan turnJob
	done   chan struct{}

	writeMu sync.Mutex

	mu               sync.Mutex
	params           Params
	from, to         string
	streamID         string
	custom           map[string]string
	profile          domain.AgentConfig
	started          bool
	greetingSent     bool
	epoch            uint64
	processing       bool
	promptBuf        string
	lastUtterance    string
	closeReason      string
	closed           bool
	mediaBeforeSetup int
	startedAt        time.Time

	closeOnce sync.Once
}

type SessionConfig struct {
	Agent     Agent
	Transport Transport
	Registry  *Registry
	Params    Params
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// NewSession starts the turn worker. Close must be called to stop it.
func NewSession(ctx context.Context, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		agent:     cfg.Agent,
		transport: cfg.Transport,
		registry:  cfg.Registry,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		turns:     make(chan turnJob, turnQueueSize),
		done:      make(chan struct{}),
		params:    cfg.Params,
		custom:    make(map[string]string),
		startedAt: time.Now(),
	}
	go s.worker()
	return s
}

// CallID returns the external call id, which may only be known after setup.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.CallID
}

// ConversationID returns the conversation bound at setup.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.ConversationID
}

// HandleFrame parses and dispatches one inbound frame. Protocol errors are
// logged and never end the session.
func (s *Session) HandleFrame(raw []byte) {
	ev, err := ParseEvent(raw)
	if err != nil {
		s.logger.Warn("malformed relay frame", "err", err, "len", len(raw))
		s.metrics.RelayEvent("malformed")
		return
	}
	s.HandleEvent(ev)
}

// HandleEvent dispatches one event.
func (s *Session) HandleEvent(ev Event) {
	kind := ev.Kind()
	s.metrics.RelayEvent(kind)

	switch kind {
	case EventSetup, EventStart:
		s.onStart(ev)
	case EventPrompt:
		s.onPrompt(ev)
	case EventInterrupt:
		s.onInterrupt(ev)
	case EventDTMF:
		s.onDTMF(ev.Key())
	case EventMedia:
		s.mu.Lock()
		if !s.started {
			s.mediaBeforeSetup++
			n := s.mediaBeforeSetup
			s.mu.Unlock()
			s.logger.Debug("media before setup ignored", "count", n)
			return
		}
		s.mu.Unlock()
	case EventPlaybackComplete:
		s.logger.Debug("playback complete")
	case EventError:
		s.logger.Warn("relay reported an error", "description", ev.Description)
	case EventStop:
		s.Close(reasonCompleted)
	default:
		s.logger.Warn("unknown relay event", "type", kind)
	}
}

func (s *Session) onStart(ev Event) {
	s.mu.Lock()
	if id := ev.CallID(); id != "" && s.params.CallID == "" {
		s.params.CallID = id
	}
	if s.params.ConversationID == "" {
		s.params.ConversationID = ev.Param("conversationId")
	}
	if s.params.TenantID == "" {
		s.params.TenantID = ev.Param("tenantId")
	}
	if ev.From != "" {
		s.from = ev.From
	}
	if ev.To != "" {
		s.to = ev.To
	}
	if ev.StreamSid != "" {
		s.streamID = ev.StreamSid
	} else if ev.Start != nil && ev.Start.StreamSid != "" {
		s.streamID = ev.Start.StreamSid
	}
	for k, v := range ev.CustomParameters {
		s.custom[k] = v
	}
	first := !s.started
	s.started = true
	params := s.params
	from, to := s.from, s.to
	s.mu.Unlock()

	if !first {
		s.logger.Debug("duplicate start updated session", "type", ev.Kind(), "stream", ev.StreamSid)
		return
	}

	if params.TenantID == "" {
		params.TenantID = params.DefaultTenant
	}
	conv := s.agent.OpenVoice(s.ctx, agent.VoiceCall{
		TenantID:       params.TenantID,
		CallID:         params.CallID,
		ConversationID: params.ConversationID,
		From:           from,
		To:             to,
	})
	profile := s.agent.Agent(conv.TenantID)

	s.mu.Lock()
	s.params.ConversationID = conv.ID
	s.params.TenantID = conv.TenantID
	s.profile = profile
	callID := s.params.CallID
	s.mu.Unlock()

	if s.registry != nil && callID != "" {
		s.registry.Register(callID, s)
	}
	s.logger = s.logger.With("call", callID, "conversation", conv.ID)
	s.logger.Info("relay session started", "tenant", conv.TenantID, "from", from)

	s.write(setupAck(callID, conv.ID))
	s.sendGreeting()
}

func (s *Session) sendGreeting() {
	s.mu.Lock()
	if s.greetingSent || s.closed {
		s.mu.Unlock()
		return
	}
	s.greetingSent = true
	greeting := s.profile.GreetingMessage
	s.lastUtterance = greeting
	convID := s.params.ConversationID
	s.write(textCommand(greeting))
	s.mu.Unlock()

	s.agent.RecordMessage(s.ctx, convID, domain.ChannelVoice, domain.SenderAssistant, greeting)
}

func (s *Session) onPrompt(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ev.Last {
		if frag := strings.TrimSpace(ev.VoicePrompt); frag != "" {
			s.promptBuf = frag
		}
		return
	}
	text := strings.TrimSpace(ev.VoicePrompt)
	if text == "" {
		text = s.promptBuf
	}
	s.promptBuf = ""
	if text == "" {
		return
	}
	if !s.started {
		s.logger.Warn("prompt before setup ignored")
		return
	}
	if s.closed {
		return
	}

	select {
	case s.turns <- turnJob{text: text, epoch: s.epoch}:
		s.processing = true
	default:
		s.logger.Warn("turn queue full, prompt dropped", "text_len", len(text))
	}
}

func (s *Session) onInterrupt(ev Event) {
	s.mu.Lock()
	s.epoch++
	wasProcessing := s.processing
	s.processing = false
	s.mu.Unlock()

	s.logger.Info("caller interrupted",
		"processing", wasProcessing,
		"utterance", ev.UtteranceUntilInterrupt,
		"duration_ms", ev.DurationUntilInterruptMs)
}

// onDTMF applies the keypad table. It never involves the model.
func (s *Session) onDTMF(digit string) {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		s.logger.Debug("dtmf outside an active call ignored", "digit", digit)
		return
	}
	profile := s.profile
	convID := s.params.ConversationID

	var spoken string
	switch digit {
	case "0":
		s.epoch++
		s.processing = false
		spoken = profile.TransferMessage
		s.write(textCommand(spoken))
		s.write(ActionCommand{Type: "action", Action: string(domain.ActionTransfer), Destination: profile.TransferNumber, Reason: "dtmf"})
		s.closeReason = reasonTransferred
	case "1":
		spoken = s.lastUtterance
		if spoken == "" {
			spoken = profile.GreetingMessage
		}
		s.write(textCommand(spoken))
	case "9":
		s.epoch++
		s.processing = false
		spoken = profile.GoodbyeMessage
		s.write(textCommand(spoken))
		s.write(ActionCommand{Type: "action", Action: string(domain.ActionHangup)})
		s.closeReason = reasonHangup
	default:
		s.mu.Unlock()
		s.logger.Info("unmapped dtmf digit ignored", "digit", digit)
		return
	}
	s.lastUtterance = spoken
	s.mu.Unlock()

	s.logger.Info("dtmf handled", "digit", digit)
	s.agent.RecordMessage(s.ctx, convID, domain.ChannelVoice, domain.SenderAssistant, spoken)
}

func (s *Session) worker() {
	defer close(s.done)
	for job := range s.turns {
		s.runTurn(job)
	}
}

func (s *Session) runTurn(job turnJob) {
	s.mu.Lock()
	convID, tenantID := s.params.ConversationID, s.params.TenantID
	s.mu.Unlock()

	_, err := s.agent.Turn(s.ctx, agent.TurnRequest{
		ConversationID: convID,
		TenantID:       tenantID,
		Channel:        domain.ChannelVoice,
		Text:           job.text,
		Deliver:        func(r agent.Reply) bool { return s.deliver(job.epoch, r) },
	})
	switch {
	case errors.Is(err, agent.ErrReplyDiscarded):
		s.logger.Info("stale reply discarded", "epoch", job.epoch)
	case err != nil:
		s.logger.Warn("turn rejected", "err", err)
	}
}

// deliver is the emission boundary: a reply produced before the latest
// interrupt is dropped.
func (s *Session) deliver(epoch uint64, r agent.Reply) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || epoch != s.epoch {
		s.metrics.RelayDiscarded()
		return false
	}
	s.processing = false
	s.lastUtterance = r.Text
	s.write(textCommand(r.Text))
	for _, a := range r.Actions {
		s.write(ActionCommand{Type: "action", Action: string(a.Type), Destination: a.Destination, Reason: a.Reason})
	}
	return true
}

func (s *Session) write(cmd any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.transport.WriteJSON(cmd); err != nil {
		s.logger.Warn("relay write failed", "err", err)
	}
}

// Close ends the session once: the conversation is closed with reason (or the
// reason recorded by a keypad action), the transport is closed and the session
// leaves the registry.
func (s *Session) Close(reason string) {
	s.shutdown(reason, true)
}

func (s *Session) shutdown(reason string, closeConversation bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.epoch++
		if s.closeReason != "" && reason != reasonReplaced {
			reason = s.closeReason
		}
		convID, callID := s.params.ConversationID, s.params.CallID
		started := s.started
		duration := int(time.Since(s.startedAt).Seconds())
		close(s.turns)
		s.mu.Unlock()

		if closeConversation && started && convID != "" {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), closeTimeout)
			if err := s.agent.CloseConversation(ctx, convID, reason, duration); err != nil {
				s.logger.Warn("close conversation failed", "err", err)
			}
			cancel()
		}
		s.cancel()

		s.writeMu.Lock()
		_ = s.transport.Close()
		s.writeMu.Unlock()

		if s.registry != nil && callID != "" {
			s.registry.Remove(callID, s)
		}
		s.metrics.RelayClosed(reason)
		s.logger.Info("relay session closed", "reason", reason, "duration_sec", duration)
	})
}

// Done is closed when the turn worker has exited.
func (s *Session) Done() <-chan struct{} { return s.done }
