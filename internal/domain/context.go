package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ContextVersion is the current schema version of ConversationContext.
const ContextVersion = 1

// ConversationContext is the model-session state carried across stateless turns.
// It is overwritten on every completed turn, never merged.
type ConversationContext struct {
	Version     int               `json:"version"`
	AISession   AISessionState    `json:"aiSession"`
	Subject     string            `json:"subject,omitempty"`
	ChannelMeta map[string]string `json:"channelMeta,omitempty"`
}

type AISessionState struct {
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	Turns      int       `json:"turns"`
	LastTools  []string  `json:"lastTools,omitempty"`
	LastIntent string    `json:"lastIntent,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

// NewConversationContext returns an empty blob at the current version.
func NewConversationContext() ConversationContext {
	return ConversationContext{Version: ContextVersion}
}

// EncodeContext serializes cc for storage.
func EncodeContext(cc ConversationContext) (string, error) {
	if cc.Version == 0 {
		cc.Version = ContextVersion
	}
	data, err := json.Marshal(cc)
	if err != nil {
		return "", fmt.Errorf("encode context: %w", err)
	}
	return string(data), nil
}

// ErrContextVersion is returned by DecodeContext for blobs written by an unknown schema.
var ErrContextVersion = errors.New("unsupported conversation context version")

// DecodeContext parses a stored blob. An empty blob yields a fresh context.
// A blob with an unknown version yields a fresh context and ErrContextVersion.
func DecodeContext(raw string) (ConversationContext, error) {
	if raw == "" || raw == "null" {
		return NewConversationContext(), nil
	}
	var cc ConversationContext
	if err := json.Unmarshal([]byte(raw), &cc); err != nil {
		return NewConversationContext(), fmt.Errorf("decode context: %w", err)
	}
	if cc.Version != ContextVersion {
		return NewConversationContext(), fmt.Errorf("%w: %d", ErrContextVersion, cc.Version)
	}
	return cc, nil
}
