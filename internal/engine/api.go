package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/logging"
)

const (
	defaultAPIBaseURL = "https://api.anthropic.com"
	defaultAPIModel   = "claude-sonnet-4-0"
	apiMaxTokens      = 4096
)

// APIClient talks to the Anthropic Messages API directly. It exists
// for hosts without the claude CLI installed; the CLI client is
// preferred when both are available.
type APIClient struct {
	apiKey  string
	model   string
	system  string
	baseURL string
	client  *http.Client
	log     *logging.Logger
}

// NewAPIClient creates a direct API engine client.
func NewAPIClient(cfg config.EngineConfig, log *logging.Logger) *APIClient {
	model := cfg.Model
	if model == "" {
		model = defaultAPIModel
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &APIClient{
		apiKey:  cfg.APIKey,
		model:   model,
		system:  system,
		baseURL: defaultAPIBaseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.Sub("engine.claude-api"),
	}
}

// Name returns the engine name.
func (c *APIClient) Name() string { return "claude-api" }

// Invoke streams a completion over SSE.
func (c *APIClient) Invoke(ctx context.Context, conversationID, prompt string, history []domain.Turn) (<-chan domain.ReplyChunk, error) {
	payload, err := json.Marshal(c.buildRequestBody(prompt, history))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	ch := make(chan domain.ReplyChunk, 64)
	go c.streamRequest(httpReq, conversationID, ch)
	return ch, nil
}

func (c *APIClient) buildRequestBody(prompt string, history []domain.Turn) map[string]any {
	messages := make([]map[string]string, 0, len(history)+1)
	for _, turn := range history {
		role := turn.Role
		// The messages API only accepts user/assistant roles; injected
		// system turns (action results, denials) go in as user turns.
		if role != domain.RoleAssistant {
			role = domain.RoleUser
		}
		messages = append(messages, map[string]string{"role": role, "content": turn.Content})
	}
	messages = append(messages, map[string]string{"role": domain.RoleUser, "content": prompt})

	return map[string]any{
		"model":      c.model,
		"max_tokens": apiMaxTokens,
		"system":     c.system,
		"messages":   messages,
		"stream":     true,
	}
}

func (c *APIClient) streamRequest(req *http.Request, conversationID string, ch chan<- domain.ReplyChunk) {
	defer close(ch)
	em := &emitter{conversationID: conversationID, ch: ch}

	resp, err := c.client.Do(req)
	if err != nil {
		em.fail(fmt.Sprintf("claude-api: %s", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		em.fail(fmt.Sprintf("claude-api: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event apiStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" {
				em.delta(event.Delta.Text)
			}
		case "error":
			msg := "unknown error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			em.fail("claude-api: " + msg)
		case "message_stop":
			em.finish()
		}
		if em.done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		em.fail(fmt.Sprintf("claude-api: reading stream: %s", err))
		return
	}
	em.finish()
}

// SSE event structures (messages API, stream=true)

type apiStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
