package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"omnicontact/internal/config"
	"omnicontact/internal/domain"

	"github.com/go-chi/chi/v5"
)

const (
	resendAPIBase       = "https://api.resend.com"
	emailReceivedEvent  = "email.received"
	defaultEmailSubject = "Your message"
)

type EmailChannelConfig struct {
	Config        config.EmailConfig
	SenderName    string // display name on outgoing mail
	DefaultTenant string
	Bus           domain.MessageBus
	Logger        *slog.Logger
}

// Email receives inbound mail events and replies through Resend.
type Email struct {
	cfg        config.EmailConfig
	senderName string
	tenant     string
	bus        domain.MessageBus
	client     *http.Client
	logger     *slog.Logger
}

func NewEmail(cfg EmailChannelConfig) *Email {
	if cfg.Config.APIBase == "" {
		cfg.Config.APIBase = resendAPIBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Email{
		cfg:        cfg.Config,
		senderName: cfg.SenderName,
		tenant:     cfg.DefaultTenant,
		bus:        cfg.Bus,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     cfg.Logger,
	}
}

func (e *Email) Channel() domain.Channel { return domain.ChannelEmail }

func (e *Email) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/email", e.handleIncoming)
}

type emailEvent struct {
	Type string    `json:"type"`
	Data emailData `json:"data"`
}

type emailData struct {
	EmailID string          `json:"email_id"`
	From    json.RawMessage `json:"from"` // "a@b.c", "Name <a@b.c>" or {"email": "a@b.c"}
	Subject string          `json:"subject"`
	HTML    string          `json:"html"`
	Text    string          `json:"text"`
}

func (e *Email) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	if e.cfg.WebhookSecret != "" && !verifySvix(e.cfg.WebhookSecret, r.Header, body) {
		e.logger.Warn("email invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	var ev emailEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if ev.Type != emailReceivedEvent {
		e.logger.Debug("ignoring email event", "type", ev.Type)
		rw.WriteHeader(http.StatusOK)
		return
	}

	from := senderAddress(ev.Data.From)
	content := emailBody(ev.Data)
	if from == "" || content == "" {
		http.Error(rw, "from and body are required", http.StatusBadRequest)
		return
	}

	e.logger.Info("email received", "from", from, "subject", ev.Data.Subject)
	e.bus.Publish(domain.InboundMessage{
		TenantID:   tenantFor(r, e.tenant),
		Channel:    domain.ChannelEmail,
		Address:    from,
		Content:    content,
		Subject:    ev.Data.Subject,
		ExternalID: ev.Data.EmailID,
		ReceivedAt: time.Now(),
	})
	rw.WriteHeader(http.StatusOK)
}

// Send mails the reply through the Resend API.
func (e *Email) Send(ctx context.Context, msg domain.OutboundMessage) error {
	from := e.cfg.FromAddress
	if e.senderName != "" {
		from = fmt.Sprintf("%s <%s>", e.senderName, e.cfg.FromAddress)
	}
	subject := msg.Subject
	if subject == "" {
		subject = defaultEmailSubject
	}

	body, err := json.Marshal(map[string]any{
		"from":    from,
		"to":      []string{msg.Address},
		"subject": subject,
		"text":    withTransfer(msg.Content, msg.Actions),
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.cfg.APIBase, "/")+"/emails", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	return send(e.client, req, "resend")
}

func senderAddress(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if addr, err := mail.ParseAddress(s); err == nil {
			return strings.ToLower(addr.Address)
		}
		return strings.ToLower(strings.TrimSpace(s))
	}
	var obj struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.ToLower(strings.TrimSpace(obj.Email))
	}
	return ""
}

var (
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// emailBody prefers the plain-text part, then stripped HTML, then the subject.
func emailBody(d emailData) string {
	if t := strings.TrimSpace(d.Text); t != "" {
		return t
	}
	if d.HTML != "" {
		t := html.UnescapeString(tagPattern.ReplaceAllString(d.HTML, " "))
		if t = strings.TrimSpace(spacePattern.ReplaceAllString(t, " ")); t != "" {
			return t
		}
	}
	return strings.TrimSpace(d.Subject)
}

// verifySvix checks the svix-* headers Resend signs webhooks with:
// base64 HMAC-SHA256 of "id.timestamp.body" keyed by the decoded whsec_ secret.
func verifySvix(secret string, h http.Header, body []byte) bool {
	id, ts, sigs := h.Get("svix-id"), h.Get("svix-timestamp"), h.Get("svix-signature")
	if id == "" || ts == "" || sigs == "" {
		return false
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		key = []byte(secret)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + ts + "."))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, s := range strings.Fields(sigs) {
		if v, ok := strings.CutPrefix(s, "v1,"); ok && hmac.Equal([]byte(v), []byte(expected)) {
			return true
		}
	}
	return false
}
