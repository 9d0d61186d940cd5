package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"omnicontact/internal/config"
	"omnicontact/internal/domain"

	"github.com/go-chi/chi/v5"
)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// emptyTwiML acknowledges a Twilio webhook without replying inline; the
// reply is sent later through the REST API.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type SMSChannelConfig struct {
	Config        config.SMSConfig
	PublicURL     string // base URL Twilio posts to; required for signature checks
	DefaultTenant string
	Bus           domain.MessageBus
	Logger        *slog.Logger
}

// SMS is the Twilio Messaging adapter.
type SMS struct {
	cfg       config.SMSConfig
	publicURL string
	tenant    string
	bus       domain.MessageBus
	client    *http.Client
	logger    *slog.Logger
}

func NewSMS(cfg SMSChannelConfig) *SMS {
	if cfg.Config.APIBase == "" {
		cfg.Config.APIBase = twilioAPIBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SMS{
		cfg:       cfg.Config,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		tenant:    cfg.DefaultTenant,
		bus:       cfg.Bus,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    cfg.Logger,
	}
}

func (s *SMS) Channel() domain.Channel { return domain.ChannelSMS }

func (s *SMS) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/sms", s.handleIncoming)
}

func (s *SMS) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	if s.cfg.AuthToken != "" && s.publicURL != "" {
		fullURL := s.publicURL + r.URL.RequestURI()
		if !verifyTwilioSignature(s.cfg.AuthToken, fullURL, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
			s.logger.Warn("sms invalid signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	if from == "" || strings.TrimSpace(body) == "" {
		http.Error(rw, "From and Body are required", http.StatusBadRequest)
		return
	}

	s.logger.Info("sms received", "from", from, "text_len", len(body))
	s.bus.Publish(domain.InboundMessage{
		TenantID:   tenantFor(r, s.tenant),
		Channel:    domain.ChannelSMS,
		Address:    from,
		Content:    body,
		ExternalID: r.PostForm.Get("MessageSid"),
		ReceivedAt: time.Now(),
	})

	rw.Header().Set("Content-Type", "text/xml")
	rw.WriteHeader(http.StatusOK)
	fmt.Fprint(rw, emptyTwiML)
}

// Send posts a message through the Twilio REST API.
func (s *SMS) Send(ctx context.Context, msg domain.OutboundMessage) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", strings.TrimRight(s.cfg.APIBase, "/"), s.cfg.AccountSID)
	form := url.Values{
		"To":   {msg.Address},
		"From": {s.cfg.FromNumber},
		"Body": {withTransfer(msg.Content, msg.Actions)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	return send(s.client, req, "twilio")
}

// verifyTwilioSignature checks X-Twilio-Signature: base64 HMAC-SHA1 over the
// full URL followed by every POST parameter name and value in name order.
func verifyTwilioSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(twilioSignature(authToken, fullURL, params)), []byte(signature))
}

func twilioSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			sb.WriteString(k)
			sb.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
