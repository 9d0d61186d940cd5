package relay

import (
	"log/slog"
	"net/http"
	"time"

	"omnicontact/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	maxFrameSize = 64 * 1024
	readTimeout  = 5 * time.Minute
)

// HandlerConfig configures the relay WebSocket endpoint.
type HandlerConfig struct {
	Agent         Agent
	Registry      *Registry
	DefaultTenant string
	// AllowedOrigins restricts browser origins. Empty allows any origin,
	// since relay providers connect server to server.
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Handler upgrades GET /relay/ws and runs one Session per connection.
type Handler struct {
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(cfg.Logger)
	}
	h := &Handler{cfg: cfg, logger: cfg.Logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// Registry returns the live session registry.
func (h *Handler) Registry() *Registry { return h.cfg.Registry }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := Params{
		CallID:         firstNonEmpty(q.Get("callSid"), q.Get("callId")),
		ConversationID: q.Get("conversationId"),
		TenantID:       q.Get("tenantId"),
		DefaultTenant:  h.cfg.DefaultTenant,
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("relay upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	s := NewSession(r.Context(), SessionConfig{
		Agent:     h.cfg.Agent,
		Transport: conn,
		Registry:  h.cfg.Registry,
		Params:    params,
		Metrics:   h.cfg.Metrics,
		Logger:    h.logger,
	})
	h.cfg.Metrics.RelayOpened()
	h.logger.Info("relay connected", "call", params.CallID, "remote", r.RemoteAddr)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("relay read error", "call", s.CallID(), "err", err)
			}
			s.Close(reasonTransportLost)
			return
		}
		if msgType != websocket.TextMessage {
			h.logger.Debug("non-text relay frame ignored", "type", msgType)
			continue
		}
		s.HandleFrame(frame)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
