package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"omnicontact/internal/config"
	"omnicontact/internal/domain"

	"github.com/go-chi/chi/v5"
)

const whatsappAPIBase = "https://graph.facebook.com/v21.0"

type WhatsAppChannelConfig struct {
	Config        config.WhatsAppConfig
	DefaultTenant string
	Bus           domain.MessageBus
	Logger        *slog.Logger
}

// WhatsApp is the WhatsApp Business Cloud API adapter.
type WhatsApp struct {
	cfg    config.WhatsAppConfig
	tenant string
	bus    domain.MessageBus
	logger *slog.Logger
	client *http.Client
}

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	if cfg.Config.APIBase == "" {
		cfg.Config.APIBase = whatsappAPIBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhatsApp{
		cfg:    cfg.Config,
		tenant: cfg.DefaultTenant,
		bus:    cfg.Bus,
		logger: cfg.Logger,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WhatsApp) Channel() domain.Channel { return domain.ChannelWhatsApp }

func (w *WhatsApp) RegisterRoutes(r chi.Router) {
	r.Get("/webhooks/whatsapp", w.handleVerification)
	r.Post("/webhooks/whatsapp", w.handleIncoming)
}

// --- Webhook handlers ---

// handleVerification answers the subscription challenge.
func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && w.cfg.VerifyToken != "" && token == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (w *WhatsApp) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	if w.cfg.AppSecret != "" {
		sig, ok := strings.CutPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256=")
		if !ok || !verifyHMAC(body, w.cfg.AppSecret, sig) {
			w.logger.Warn("whatsapp invalid signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	tenant := tenantFor(r, w.tenant)
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				// Media, reactions and status callbacks are not conversational text.
				if msg.Type != "text" || msg.Text == nil || strings.TrimSpace(msg.Text.Body) == "" {
					continue
				}

				w.logger.Info("whatsapp message received",
					"from", msg.From, "text_len", len(msg.Text.Body))

				w.bus.Publish(domain.InboundMessage{
					TenantID:   tenant,
					Channel:    domain.ChannelWhatsApp,
					Address:    msg.From,
					Content:    msg.Text.Body,
					ExternalID: msg.ID,
					ReceivedAt: time.Now(),
				})
			}
		}
	}

	rw.WriteHeader(http.StatusOK)
}

// Send delivers a text message through the Cloud API.
func (w *WhatsApp) Send(ctx context.Context, msg domain.OutboundMessage) error {
	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(w.cfg.APIBase, "/"), w.cfg.PhoneNumberID)

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                msg.Address,
		"type":              "text",
		"text":              map[string]string{"body": withTransfer(msg.Content, msg.Actions)},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	return send(w.client, req, "whatsapp")
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
}

type waMessage struct {
	From string  `json:"from"`
	ID   string  `json:"id"`
	Type string  `json:"type"`
	Text *waText `json:"text,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}
