package agent

import (
	"fmt"
	"strings"
	"time"

	"omnicontact/internal/domain"
)

var languageNames = map[string]string{
	"en": "English",
	"fr": "French",
	"es": "Spanish",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
}

func languageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}

// BuildSystemPrompt returns the tenant's own prompt when it has one, otherwise
// the default persona for the agent profile.
func BuildSystemPrompt(a domain.AgentConfig, ch domain.Channel, now time.Time) string {
	a = a.WithDefaults()
	if strings.TrimSpace(a.SystemPrompt) != "" {
		return a.SystemPrompt
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, the customer assistant of %s.", a.Name, a.CompanyName)
	if a.Personality != "" {
		fmt.Fprintf(&sb, " Your personality: %s.", strings.TrimSuffix(a.Personality, "."))
	}
	sb.WriteString("\n\n## Rules\n")
	sb.WriteString("1. Reply naturally and briefly, the way a person would.\n")
	sb.WriteString("2. Confirm important facts such as dates, times and names before acting on them.\n")
	sb.WriteString("3. Offer a transfer to a human advisor when you are not confident or the customer is frustrated.\n")
	fmt.Fprintf(&sb, "4. Respond only in %s.\n", languageName(a.Language))

	sb.WriteString("\n## Context\n")
	fmt.Fprintf(&sb, "- Today: %s\n", now.Format("2006-01-02 (Monday)"))
	fmt.Fprintf(&sb, "- Channel: %s\n", channelHint(ch))
	return sb.String()
}

func channelHint(ch domain.Channel) string {
	switch ch {
	case domain.ChannelVoice:
		return "phone call; your replies are spoken aloud, so avoid lists and links"
	case domain.ChannelSMS, domain.ChannelWhatsApp:
		return string(ch) + " message; keep replies short and plain text"
	case domain.ChannelEmail:
		return "email; a short greeting and sign-off are welcome"
	}
	return string(ch)
}

// historyMessages maps persisted messages to model messages. System entries are skipped.
func historyMessages(records []domain.MessageRecord) []domain.Message {
	out := make([]domain.Message, 0, len(records))
	for _, r := range records {
		switch r.Sender {
		case domain.SenderClient:
			out = append(out, domain.Message{Role: domain.RoleUser, Content: r.Content})
		case domain.SenderAssistant:
			out = append(out, domain.Message{Role: domain.RoleAssistant, Content: r.Content})
		}
	}
	return out
}
