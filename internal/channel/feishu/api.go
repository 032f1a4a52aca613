package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/logging"
)

// DefaultBaseURL is the public open platform endpoint. Tests point
// BaseURL at an httptest server instead.
const DefaultBaseURL = "https://open.feishu.cn"

// Tenant tokens are valid for two hours; refresh this long before the
// platform expires them.
const tokenLifetimeSlack = 5 * time.Minute

// APIClient talks to the platform's outbound APIs: messaging and
// streaming cards. Safe for concurrent use.
type APIClient struct {
	appID      string
	appSecret  string
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewAPIClient creates a platform API client from channel config.
func NewAPIClient(cfg config.FeishuConfig, log *logging.Logger) *APIClient {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &APIClient{
		appID:      cfg.AppID,
		appSecret:  cfg.AppSecret,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.Sub("api"),
	}
}

// apiEnvelope is the common response wrapper. The tenant token
// endpoint reports its fields at the top level rather than under data.
type apiEnvelope struct {
	Code              int             `json:"code"`
	Msg               string          `json:"msg"`
	Data              json.RawMessage `json:"data,omitempty"`
	TenantAccessToken string          `json:"tenant_access_token,omitempty"`
	Expire            int             `json:"expire,omitempty"`
}

// doJSON performs one API call and decodes the response envelope. A
// non-zero platform code is returned as an error.
func (c *APIClient) doJSON(ctx context.Context, method, path, token string, payload any) (*apiEnvelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("feishu api %s: code %d: %s", path, env.Code, env.Msg)
	}
	return &env, nil
}

// authedJSON performs an API call with a tenant access token attached.
func (c *APIClient) authedJSON(ctx context.Context, method, path string, payload any) (*apiEnvelope, error) {
	token, err := c.TenantAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.doJSON(ctx, method, path, token, payload)
}

// TenantAccessToken returns a cached tenant access token, fetching a
// fresh one when the cached token is near expiry.
func (c *APIClient) TenantAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	env, err := c.doJSON(ctx, http.MethodPost, "/open-apis/auth/v3/tenant_access_token/internal", "", map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("refreshing tenant access token: %w", err)
	}
	if env.TenantAccessToken == "" {
		return "", errors.New("platform returned empty tenant access token")
	}

	expire := env.Expire
	if expire <= 0 {
		expire = 7200
	}
	c.token = env.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(expire)*time.Second - tokenLifetimeSlack)
	c.log.Debug().Time("expiry", c.tokenExpiry).Msg("tenant access token refreshed")
	return c.token, nil
}

// SendText sends a plain text message to a chat.
func (c *APIClient) SendText(ctx context.Context, chatID, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	_, err = c.authedJSON(ctx, http.MethodPost, "/open-apis/im/v1/messages?receive_id_type=chat_id", map[string]any{
		"receive_id": chatID,
		"msg_type":   "text",
		"content":    string(content),
	})
	return err
}

// reply posts a threaded reply to an existing message. The platform
// wants content double-encoded: a JSON string inside the JSON body.
func (c *APIClient) reply(ctx context.Context, messageID, msgType string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID) + "/reply"
	_, err = c.authedJSON(ctx, http.MethodPost, path, map[string]any{
		"msg_type": msgType,
		"content":  string(raw),
	})
	return err
}

// ReplyText replies to a message with plain text.
func (c *APIClient) ReplyText(ctx context.Context, messageID, text string) error {
	return c.reply(ctx, messageID, "text", map[string]string{"text": text})
}

// ReplyCard replies to a message with a previously created card entity.
func (c *APIClient) ReplyCard(ctx context.Context, messageID, cardID string) error {
	return c.reply(ctx, messageID, "interactive", map[string]any{
		"type": "card",
		"data": map[string]string{"card_id": cardID},
	})
}

// CreateCard registers a card entity and returns its id.
func (c *APIClient) CreateCard(ctx context.Context, card any) (string, error) {
	data, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	env, err := c.authedJSON(ctx, http.MethodPost, "/open-apis/cardkit/v1/cards", map[string]string{
		"type": "card_json",
		"data": string(data),
	})
	if err != nil {
		return "", err
	}

	var out struct {
		CardID string `json:"card_id"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return "", fmt.Errorf("decoding card id: %w", err)
	}
	if out.CardID == "" {
		return "", errors.New("platform returned empty card id")
	}
	return out.CardID, nil
}

// maxResourceBytes caps how much of a message resource is fetched.
const maxResourceBytes = 20 << 20

// DownloadResource fetches a file or image attached to a message.
// resourceType is "image" or "file" per the platform API.
func (c *APIClient) DownloadResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, error) {
	token, err := c.TenantAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/open-apis/im/v1/messages/%s/resources/%s?type=%s",
		url.PathEscape(messageID), url.PathEscape(fileKey), url.QueryEscape(resourceType))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("feishu resource %s: status %d: %s", fileKey, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading resource %s: %w", fileKey, err)
	}
	if len(data) > maxResourceBytes {
		return nil, fmt.Errorf("resource %s exceeds %d bytes", fileKey, maxResourceBytes)
	}
	return data, nil
}

// UpdateCardElement replaces a card element's content in streaming
// mode. Sequence must strictly increase over the card's lifetime.
func (c *APIClient) UpdateCardElement(ctx context.Context, cardID, elementID, content string, sequence int) error {
	path := fmt.Sprintf("/open-apis/cardkit/v1/cards/%s/elements/%s/content",
		url.PathEscape(cardID), url.PathEscape(elementID))
	_, err := c.authedJSON(ctx, http.MethodPut, path, map[string]any{
		"uuid":     uuid.New().String(),
		"sequence": sequence,
		"content":  content,
	})
	return err
}
