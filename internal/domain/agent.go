package domain

// AgentConfig is the per-tenant agent profile. The orchestration core only reads it.
type AgentConfig struct {
	TenantID       string `json:"tenantId" yaml:"tenant_id"`
	AgentID        string `json:"agentId,omitempty" yaml:"agent_id,omitempty"`
	Name           string `json:"name" yaml:"name"`
	CompanyName    string `json:"companyName" yaml:"company_name"`
	Personality    string `json:"personality,omitempty" yaml:"personality,omitempty"`
	Language       string `json:"language" yaml:"language"`
	Voice          string `json:"voice,omitempty" yaml:"voice,omitempty"`
	SystemPrompt   string `json:"systemPrompt,omitempty" yaml:"system_prompt,omitempty"`
	TransferNumber string `json:"transferNumber,omitempty" yaml:"transfer_number,omitempty"`

	// Tool allow/deny lists. An empty allow list offers every registered tool.
	AllowedTools []string `json:"allowedTools,omitempty" yaml:"allowed_tools,omitempty"`
	DeniedTools  []string `json:"deniedTools,omitempty" yaml:"denied_tools,omitempty"`

	GreetingMessage string `json:"greetingMessage,omitempty" yaml:"greeting_message,omitempty"`
	FallbackMessage string `json:"fallbackMessage,omitempty" yaml:"fallback_message,omitempty"`
	TransferMessage string `json:"transferMessage,omitempty" yaml:"transfer_message,omitempty"`
	GoodbyeMessage  string `json:"goodbyeMessage,omitempty" yaml:"goodbye_message,omitempty"`
	ApologyMessage  string `json:"apologyMessage,omitempty" yaml:"apology_message,omitempty"`
}

// Default utterances used when a profile leaves them empty.
const (
	DefaultGreeting = "Hello, thank you for calling. How can I help you today?"
	DefaultFallback = "Sorry, I didn't catch that. Could you please repeat?"
	DefaultTransfer = "I'm transferring you to an advisor. Please hold for a moment."
	DefaultGoodbye  = "Thank you for your call. Goodbye!"
	DefaultApology  = "I'm sorry, I'm having trouble answering right now. Could you try again in a moment?"
)

// WithDefaults fills empty utterances and identity fields.
func (a AgentConfig) WithDefaults() AgentConfig {
	if a.Name == "" {
		a.Name = "Assistant"
	}
	if a.CompanyName == "" {
		a.CompanyName = "our company"
	}
	if a.Language == "" {
		a.Language = "en"
	}
	if a.GreetingMessage == "" {
		a.GreetingMessage = DefaultGreeting
	}
	if a.FallbackMessage == "" {
		a.FallbackMessage = DefaultFallback
	}
	if a.TransferMessage == "" {
		a.TransferMessage = DefaultTransfer
	}
	if a.GoodbyeMessage == "" {
		a.GoodbyeMessage = DefaultGoodbye
	}
	if a.ApologyMessage == "" {
		a.ApologyMessage = DefaultApology
	}
	return a
}

// AgentDirectory resolves tenant profiles.
type AgentDirectory interface {
	Lookup(tenantID string) AgentConfig
}
