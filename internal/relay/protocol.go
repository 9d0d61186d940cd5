// Package relay terminates the realtime voice relay WebSocket: one Session per
// call turns transcribed prompts into agent turns and streams the replies back
// as text tokens and call-control actions.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event types.
const (
	EventSetup            = "setup"
	EventStart            = "start"
	EventPrompt           = "prompt"
	EventInterrupt        = "interrupt"
	EventDTMF             = "dtmf"
	EventMedia            = "media"
	EventPlaybackComplete = "playbackComplete"
	EventError            = "error"
	EventStop             = "stop"
)

// Event is one inbound protocol message. Providers use either "type" or
// "event" as the discriminator.
type Event struct {
	Type  string `json:"type"`
	Event string `json:"event"`

	CallSid          string            `json:"callSid"`
	SessionID        string            `json:"sessionId"`
	StreamSid        string            `json:"streamSid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	CustomParameters map[string]string `json:"customParameters"`

	VoicePrompt string `json:"voicePrompt"`
	Lang        string `json:"lang"`
	Last        bool   `json:"last"`

	Digit string        `json:"digit"`
	DTMF  *dtmfEnvelope `json:"dtmf"`

	UtteranceUntilInterrupt  string `json:"utteranceUntilInterrupt"`
	DurationUntilInterruptMs int64  `json:"durationUntilInterruptMs"`

	Description string `json:"description"`

	Start *startEnvelope `json:"start"`
}

type dtmfEnvelope struct {
	Digit string `json:"digit"`
}

// startEnvelope is the nested form of a start event.
type startEnvelope struct {
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

// Kind returns the event discriminator.
func (e Event) Kind() string {
	if e.Type != "" {
		return e.Type
	}
	return e.Event
}

// Key returns the pressed key of a dtmf event.
func (e Event) Key() string {
	if e.Digit != "" {
		return e.Digit
	}
	if e.DTMF != nil {
		return e.DTMF.Digit
	}
	return ""
}

// Param reads a custom parameter from either the flat or the nested form.
func (e Event) Param(name string) string {
	if v := e.CustomParameters[name]; v != "" {
		return v
	}
	if e.Start != nil {
		return e.Start.CustomParameters[name]
	}
	return ""
}

// CallID returns the provider call id carried by the event.
func (e Event) CallID() string {
	if e.CallSid != "" {
		return e.CallSid
	}
	if e.Start != nil && e.Start.CallSid != "" {
		return e.Start.CallSid
	}
	return e.Param("callSid")
}

// ErrMissingType is returned for frames without a discriminator.
var ErrMissingType = errors.New("relay: event without type")

// ParseEvent decodes one inbound frame.
func ParseEvent(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("decode relay event: %w", err)
	}
	if e.Kind() == "" {
		return Event{}, ErrMissingType
	}
	return e, nil
}

// TextCommand speaks a token to the caller.
type TextCommand struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

// ActionCommand asks the relay to transfer or hang up the call.
type ActionCommand struct {
	Type        string `json:"type"`
	Action      string `json:"action"`
	Destination string `json:"destination,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// SetupAck acknowledges the first setup or start of a call.
type SetupAck struct {
	Type           string `json:"type"`
	CallSid        string `json:"callSid"`
	ConversationID string `json:"conversationId"`
}

func textCommand(token string) TextCommand {
	return TextCommand{Type: "text", Token: token, Last: true}
}

func setupAck(callID, convID string) SetupAck {
	return SetupAck{Type: "setup_ack", CallSid: callID, ConversationID: convID}
}
