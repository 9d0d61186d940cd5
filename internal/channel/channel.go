// Package channel holds the thin text-channel adapters (SMS, WhatsApp, email)
// and the router that connects them to the conversation service through the bus.
package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"omnicontact/internal/agent"
	"omnicontact/internal/domain"
	"omnicontact/internal/retry"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// TextAgent answers one text-channel message.
type TextAgent interface {
	HandleText(ctx context.Context, in agent.Inbound) (agent.Reply, error)
}

type RouterConfig struct {
	Bus    domain.MessageBus
	Agent  TextAgent
	Policy retry.Policy // applied to every outbound send
	Logger *slog.Logger
}

// Router runs inbound text messages through the agent and hands replies to
// the sender registered for the message's channel.
type Router struct {
	bus    domain.MessageBus
	agent  TextAgent
	policy retry.Policy
	logger *slog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{bus: cfg.Bus, agent: cfg.Agent, policy: cfg.Policy, logger: cfg.Logger}
}

// Attach registers s as the outbound handler for its channel. Sends run under
// ctx and the retry policy; a final failure is logged.
func (r *Router) Attach(ctx context.Context, s domain.Sender) {
	ch := s.Channel()
	r.bus.OnOutbound(ch, func(msg domain.OutboundMessage) {
		err := r.policy.Do(ctx, "send "+string(ch), func(ctx context.Context) error {
			return s.Send(ctx, msg)
		})
		if err != nil {
			r.logger.Error("outbound delivery failed",
				"channel", ch, "conversation", msg.ConversationID, "err", err)
		}
	})
	r.logger.Info("channel sender attached", "channel", ch)
}

// Handle runs one inbound message. It is the dispatcher's handler.
func (r *Router) Handle(ctx context.Context, msg domain.InboundMessage) {
	reply, err := r.agent.HandleText(ctx, agent.Inbound{
		TenantID: msg.TenantID,
		Channel:  msg.Channel,
		Address:  msg.Address,
		Text:     msg.Content,
		Subject:  msg.Subject,
	})
	if err != nil {
		r.logger.Warn("inbound message rejected",
			"channel", msg.Channel, "tenant", msg.TenantID, "err", err)
		return
	}
	if strings.TrimSpace(reply.Text) == "" {
		return
	}
	r.bus.SendOutbound(domain.OutboundMessage{
		TenantID:       msg.TenantID,
		Channel:        msg.Channel,
		Address:        msg.Address,
		ConversationID: reply.ConversationID,
		Content:        reply.Text,
		Subject:        replySubject(msg.Subject),
		Actions:        reply.Actions,
	})
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// readBody reads at most maxWebhookBody bytes.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
}

// verifyHMAC checks a hex-encoded HMAC-SHA256 signature.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// send performs an outbound API call. 4xx answers other than 429 are permanent.
func send(client *http.Client, req *http.Request, service string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s send: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("%s API %d: %s", service, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

// withTransfer appends the transfer destination for channels that cannot
// carry a call-control action.
func withTransfer(text string, actions []domain.Action) string {
	for _, a := range actions {
		if a.Type == domain.ActionTransfer && a.Destination != "" {
			return text + " " + a.Destination
		}
	}
	return text
}

// tenantFor reads the tenant from the webhook URL, falling back to def.
func tenantFor(r *http.Request, def string) string {
	if t := strings.TrimSpace(r.URL.Query().Get("tenant")); t != "" {
		return t
	}
	return def
}
