package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"omnicontact/internal/agent"
	"omnicontact/internal/domain"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTransport struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (t *fakeTransport) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	t.mu.Lock()
	t.frames = append(t.frames, m)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) ofType(typ string) []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []map[string]any
	for _, f := range t.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func (t *fakeTransport) tokens() []string {
	var out []string
	for _, f := range t.ofType("text") {
		out = append(out, f["token"].(string))
	}
	return out
}

type closeCall struct {
	id, reason string
}

type fakeAgent struct {
	mu       sync.Mutex
	profile  domain.AgentConfig
	reply    string
	actions  []domain.Action
	gate     chan struct{} // when set, Turn waits for it before delivering
	opens    int
	turns    []string
	closes   []closeCall
	recorded []string
	results  chan error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		profile: domain.AgentConfig{TenantID: "t1", TransferNumber: "+33100000000"}.WithDefaults(),
		reply:   "We open at nine.",
		results: make(chan error, 8),
	}
}

func (a *fakeAgent) Agent(tenantID string) domain.AgentConfig { return a.profile }

func (a *fakeAgent) OpenVoice(ctx context.Context, call agent.VoiceCall) *domain.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opens++
	return &domain.Conversation{ID: "conv-1", TenantID: "t1", ExternalID: call.CallID}
}

func (a *fakeAgent) Turn(ctx context.Context, req agent.TurnRequest) (agent.Reply, error) {
	a.mu.Lock()
	a.turns = append(a.turns, req.Text)
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	r := agent.Reply{ConversationID: req.ConversationID, Text: a.reply, Actions: a.actions}
	var err error
	if !req.Deliver(r) {
		err = agent.ErrReplyDiscarded
	}
	a.results <- err
	return r, err
}

func (a *fakeAgent) CloseConversation(ctx context.Context, convID, reason string, durationSec int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes = append(a.closes, closeCall{convID, reason})
	return nil
}

func (a *fakeAgent) RecordMessage(ctx context.Context, convID string, ch domain.Channel, role domain.SenderRole, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recorded = append(a.recorded, text)
}

func (a *fakeAgent) waitTurn(t *testing.T) error {
	t.Helper()
	select {
	case err := <-a.results:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not complete")
		return nil
	}
}

func newTestSession(t *testing.T, a *fakeAgent) (*Session, *fakeTransport, *Registry) {
	t.Helper()
	tr := &fakeTransport{}
	reg := NewRegistry(testLogger())
	s := NewSession(context.Background(), SessionConfig{
		Agent:     a,
		Transport: tr,
		Registry:  reg,
		Params:    Params{CallID: "CA1"},
		Logger:    testLogger(),
	})
	t.Cleanup(func() { s.Close("test_done") })
	return s, tr, reg
}

func frame(s string) []byte { return []byte(s) }

func TestSetupAndDuplicateStart_OneGreeting(t *testing.T) {
	a := newFakeAgent()
	s, tr, reg := newTestSession(t, a)

	s.HandleFrame(frame(`{"type":"setup","callSid":"CA1","from":"+33600000001","to":"+33900000000"}`))
	s.HandleFrame(frame(`{"event":"start","streamSid":"MZ1","callSid":"CA1"}`))
	s.HandleFrame(frame(`{"event":"start","streamSid":"MZ2","callSid":"CA1"}`))

	if n := len(tr.tokens()); n != 1 {
		t.Fatalf("expected exactly one greeting, got %d: %v", n, tr.tokens())
	}
	if tr.tokens()[0] != domain.DefaultGreeting {
		t.Fatalf("unexpected greeting %q", tr.tokens()[0])
	}
	acks := tr.ofType("setup_ack")
	if len(acks) != 1 || acks[0]["conversationId"] != "conv-1" || acks[0]["callSid"] != "CA1" {
		t.Fatalf("unexpected setup acks %v", acks)
	}
	if a.opens != 1 {
		t.Fatalf("expected one conversation resolution, got %d", a.opens)
	}
	if reg.Get("CA1") != s {
		t.Fatal("session not registered under its call id")
	}
	s.mu.Lock()
	stream := s.streamID
	s.mu.Unlock()
	if stream != "MZ2" {
		t.Fatalf("duplicate start should update in place, stream=%q", stream)
	}
}

func TestPrompt_BuffersUntilLast(t *testing.T) {
	a := newFakeAgent()
	s, tr, _ := newTestSession(t, a)
	s.HandleFrame(frame(`{"type":"setup","callSid":"CA1"}`))

	s.HandleFrame(frame(`{"type":"prompt","voicePrompt":"what are your","last":false}`))
	s.HandleFrame(frame(`{"type":"prompt","voicePrompt":"what are your hours","last":false}`))
	s.HandleFrame(frame(`{"type":"prompt","voicePrompt":"","last":true}`))

	if err := a.waitTurn(t); err != nil {
		t.Fatal(err)
	}
	if len(a.turns) != 1 || a.turns[0] != "what are your hours" {
		t.Fatalf("expected the buffered fragment as turn text, got %v", a.turns)
	}
	tokens := tr.tokens()
	if tokens[len(tokens)-1] != "We open at nine." {
		t.Fatalf("reply not emitted: %v", tokens)
	}
}

func TestInterrupt_DiscardsLateReply(t *testing.T) {
	a := newFakeAgent()
	a.gate = make(chan struct{})
	s, tr, _ := newTestSession(t, a)
	s.HandleFrame(frame(`{"type":"setup","callSid":"CA1"}`))

	s.HandleFrame(frame(`{"type":"prompt","voicePrompt":"tell me everything","last":true}`))
	s.HandleFrame(frame(`{"type":"interrupt","utteranceUntilInterrupt":"Sure","durationUntilInterruptMs":300}`))
	close(a.gate)

	if err := a.waitTurn(t); err != agent.ErrReplyDiscarded {
		t.Fatalf("expected the late reply to be discarded, got %v", err)
	}
	for _, tok := range tr.tokens() {
		if tok == "We open at nine." {
			t.Fatal("late reply reached the caller")
		}
	}

	// The next turn is delivered normally.
	a.mu.Lock()
	a.gate = nil
	a.mu.Unlock()
	s.HandleFrame(frame(`{"type":"prompt","voicePrompt":"ok, hours?","last":true}`))
	if err := a.waitTurn(t); err != nil {
		t.Fatalf("expected delivery after interrupt, got %v", err)
	}
}

func TestDTMF_Table(t *testing.T) {
	a := newFakeAgent()
	s, tr, _ := newTestSession(t, a)
	s.HandleFrame(frame(`{"type":"setup","callSid":"CA1"}`))

	s.HandleFrame(frame(`{"type":"dtmf","digit":"1"}`))
	s.HandleFrame(frame(`{"type":"dtmf","digit":"5"}`))
	s.HandleFrame(frame(`{"event":"dtmf","dtmf":{"digit":"0"}}`))

	tokens := tr.tokens()
	want := []string{domain.DefaultGreeting, domain.DefaultGreeting, domain.DefaultTransfer}
	if strings.Join(tokens, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected tokens %v", tokens)
	}
	actions := tr.ofType("action")
	if len(actions) != 1 || actions[0]["action"] != "transfer" || actions[0]["destination"] != "+33100000000" {
		t.Fatalf("unexpected actions %v", actions)
	}

	s.HandleFrame(frame(`{"type":"dtmf","digit":"9"}`))
	actions = tr.ofType("action")
	if len(actions) != 2 || actions[1]["action"] != "hangup" {
		t.Fatalf("expected hangup action, got %v", actions)
	}
	if last := tr.tokens()[len(tr.tokens())-1]; last != domain.DefaultGoodbye {
		t.Fatalf("expected goodbye before hangup, got %q", last)
	}
	if len(a.turns) != 0 {
		t.Fatal("dtmf must not reach the model")
	}
}

func TestMediaBeforeSetup_Ignored(t *testing.T) {
	a := newFakeAgent()
	s, tr, _ := newTestSession(t, a)

	s.HandleFrame(frame(`{"event":"media","media":{"payload":"AAAA"}}`))
	s.HandleFrame(frame(`{"event":"media","media":{"payload":"AAAA"}}`))
	s.HandleFrame(frame(`not json`))
	s.HandleFrame(frame(`{"type":"mystery"}`))

	s.mu.Lock()
	n := s.mediaBeforeSetup
	s.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 media frames counted, got %d", n)
	}
	if len(tr.frames) != 0 {
		t.Fatalf("nothing should be sent before setup, got %v", tr.frames)
	}
}

func TestStop_ClosesConversationAndUnregisters(t *testing.T) {
	a := newFakeAgent()
	s, tr, reg := newTestSession(t, a)
	s.HandleFrame(frame(`{"type":"setup","callSid":"CA1"}`))
	s.HandleFrame(frame(`{"type":"dtmf","digit":"9"}`))
	s.HandleFrame(frame(`{"type":"stop"}`))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	if reg.Len() != 0 {
		t.Fatal("session still registered after stop")
	}
	if !tr.closed {
		t.Fatal("transport not closed")
	}
	if len(a.closes) != 1 || a.closes[0].id != "conv-1" || a.closes[0].reason != reasonHangup {
		t.Fatalf("unexpected close calls %+v", a.closes)
	}

	// Events after stop are harmless.
	s.HandleFrame(frame(`{"type":"prompt","voicePrompt":"hello","last":true}`))
}

func TestRegistry_ReconnectReplacesSession(t *testing.T) {
	a := newFakeAgent()
	reg := NewRegistry(testLogger())
	tr1, tr2 := &fakeTransport{}, &fakeTransport{}
	s1 := NewSession(context.Background(), SessionConfig{Agent: a, Transport: tr1, Registry: reg, Logger: testLogger()})
	s2 := NewSession(context.Background(), SessionConfig{Agent: a, Transport: tr2, Registry: reg, Logger: testLogger()})
	defer s2.Close("test_done")

	s1.HandleFrame(frame(`{"type":"setup","callSid":"CA7"}`))
	s2.HandleFrame(frame(`{"type":"setup","callSid":"CA7"}`))

	if reg.Get("CA7") != s2 || !tr1.closed {
		t.Fatal("reconnect should replace and close the previous session")
	}
	if len(a.closes) != 0 {
		t.Fatalf("replacing a session must not close the conversation, got %+v", a.closes)
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent(frame(`{"event":"start","start":{"callSid":"CA3","customParameters":{"tenantId":"t9"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind() != EventStart || ev.CallID() != "CA3" || ev.Param("tenantId") != "t9" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, err := ParseEvent(frame(`{"foo":1}`)); err != ErrMissingType {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestHandler_WebSocketRoundTrip(t *testing.T) {
	a := newFakeAgent()
	h := NewHandler(HandlerConfig{Agent: a, Logger: testLogger()})
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay/ws?callSid=CA5&tenantId=t1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, frame(`{"type":"setup","callSid":"CA5"}`)); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ack SetupAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != "setup_ack" || ack.CallSid != "CA5" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	var greet TextCommand
	if err := conn.ReadJSON(&greet); err != nil {
		t.Fatal(err)
	}
	if greet.Token != domain.DefaultGreeting || !greet.Last {
		t.Fatalf("unexpected greeting %+v", greet)
	}
	if h.Registry().Get("CA5") == nil {
		t.Fatal("session not registered")
	}
}
