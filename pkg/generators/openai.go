package generators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/telemetry"
)

const (
	// DefaultBaseURL points at a local Ollama server, which speaks the
	// OpenAI chat-completions API.
	DefaultBaseURL = "http://localhost:11434/v1"

	// DefaultModel is a local coder model that handles both the design
	// conversation and the structured plan emission.
	DefaultModel = "qwen2.5-coder:7b"
)

// Config configures the chat-completions client.
type Config struct {
	// BaseURL is the API root, e.g. "http://localhost:11434/v1" or
	// "https://api.openai.com/v1". The client appends
	// "/chat/completions".
	BaseURL string

	// APIKey is sent as a bearer token. Local servers accept any
	// non-empty value.
	APIKey string

	// Model is the default model for roles whose profile does not name
	// one.
	Model string

	// Temperature is the default sampling temperature for roles whose
	// profile leaves it zero.
	Temperature float32

	// MaxTokens is the default completion cap. Zero leaves the cap to
	// the provider.
	MaxTokens int

	// Profiles maps roles to their personas and overrides. Nil selects
	// DefaultProfiles.
	Profiles map[engine.RoleID]RoleProfile
}

// Validate checks that the config can produce requests.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// DefaultConfig returns a config aimed at a local Ollama server.
func DefaultConfig() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		APIKey:      "ollama",
		Model:       DefaultModel,
		Temperature: 0.7,
		Profiles:    DefaultProfiles(),
	}
}

// Client calls an OpenAI-compatible chat-completions endpoint. It is
// safe for concurrent use; candidate fan-out issues parallel calls
// through one client.
type Client struct {
	cfg    Config
	client *http.Client
	log    *telemetry.Logger
}

var _ engine.Generator = (*Client)(nil)

// NewClient creates a generator client. A nil telemetry handle
// discards logs.
func NewClient(cfg Config, tel *telemetry.Telemetry) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewConfigError("invalid generator config", err)
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	if cfg.Profiles == nil {
		cfg.Profiles = DefaultProfiles()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{},
		log:    tel.Logger.NewComponentLogger("generator"),
	}, nil
}

// Generate issues one chat completion for the requested role. The call
// is pure: the role's system prompt, the request's context entries, and
// the prompt are the entire conversation.
func (c *Client) Generate(ctx context.Context, req *engine.GenerateRequest) (string, error) {
	profile := c.profileFor(req.Role)

	messages := make([]chatMessage, 0, len(req.Context)+2)
	if profile.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: profile.SystemPrompt})
	}
	for _, entry := range req.Context {
		messages = append(messages, chatMessage{
			Role:    "user",
			Content: fmt.Sprintf("[%s]\n%s", entry.Label, entry.Content),
		})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(chatCompletionRequest{
		Model:       profile.Model,
		Messages:    messages,
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
	})
	if err != nil {
		return "", engine.NewFatalError("cannot encode generation request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return "", engine.NewFatalError("cannot build generation request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	c.log.WithRole(string(req.Role)).
		WithField("model", profile.Model).
		Debugf("requesting completion with %d context entries", len(req.Context))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Covers refused connections, DNS failures, and context
		// cancellation. The deadline decorator unwraps the chain to
		// tell a per-call timeout from an aborted cycle.
		return "", engine.NewRetryableError("generation request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(req.Role, resp)
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", engine.NewRetryableError("cannot decode generation response", err)
	}
	if len(completion.Choices) == 0 {
		return "", engine.NewRetryableError("generation response has no choices", nil)
	}
	return completion.Choices[0].Message.Content, nil
}

func (c *Client) endpoint() string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
}

// profileFor resolves the effective profile for a role, filling unset
// fields from the client defaults.
func (c *Client) profileFor(role engine.RoleID) RoleProfile {
	p := c.cfg.Profiles[role]
	if p.Model == "" {
		p.Model = c.cfg.Model
	}
	if p.Temperature == 0 {
		p.Temperature = c.cfg.Temperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = c.cfg.MaxTokens
	}
	return p
}

// statusError classifies a non-200 response. Rate limiting and server
// errors are worth retrying; anything else in the 4xx range means the
// request itself is wrong and repeating it cannot help.
func (c *Client) statusError(role engine.RoleID, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	apiErr := &APIError{
		HTTPStatusCode: resp.StatusCode,
		Message:        strings.TrimSpace(string(body)),
	}
	var wrapped errorResponse
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil {
		apiErr = wrapped.Error
		apiErr.HTTPStatusCode = resp.StatusCode
	}

	c.log.WithRole(string(role)).
		WithField("status", resp.StatusCode).
		Warnf("generation request rejected: %s", apiErr.Message)

	msg := fmt.Sprintf("generation request rejected with status %d", resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return engine.NewRetryableError(msg, apiErr)
	}
	return engine.NewFatalError(msg, apiErr)
}

// APIError is the error object an OpenAI-compatible server returns in
// the response body.
type APIError struct {
	Code    interface{} `json:"code,omitempty"`
	Message string      `json:"message"`
	Param   *string     `json:"param,omitempty"`
	Type    string      `json:"type"`

	HTTPStatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

type errorResponse struct {
	Error *APIError `json:"error,omitempty"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}
