// Package feishu adapts the Feishu (Lark) open platform to the
// bridge: webhook events in, streaming card replies out.
package feishu

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/logging"
)

const (
	// dedupWindow is how long a processed message id is remembered.
	// The platform redelivers events it considers unacknowledged.
	dedupWindow     = 5 * time.Minute
	dedupMaxEntries = 4096

	// maxWebhookBody caps how much of a callback request is read.
	maxWebhookBody = 1 << 20

	eventTypeMessage = "im.message.receive_v1"
)

// Channel is the Feishu adapter. Inbound traffic arrives through the
// webhook handler the HTTP server mounts; outbound replies go through
// the platform API as streaming cards.
type Channel struct {
	cfg   config.FeishuConfig
	api   *APIClient
	dedup *dedupCache
	log   *logging.Logger

	mu      sync.Mutex
	handler domain.MessageHandler
	running bool
}

// New creates the Feishu channel adapter.
func New(cfg config.FeishuConfig, log *logging.Logger) *Channel {
	l := log.Sub("feishu")
	return &Channel{
		cfg:   cfg,
		api:   NewAPIClient(cfg, l),
		dedup: newDedupCache(dedupWindow, dedupMaxEntries),
		log:   l,
	}
}

func (c *Channel) Kind() domain.ChannelKind { return domain.ChannelFeishu }

// Start marks the channel live. There is no connection to hold open;
// the webhook handler does the receiving.
func (c *Channel) Start(_ context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	c.log.Info().Bool("signed", c.cfg.EncryptKey != "").Msg("feishu channel ready")
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

func (c *Channel) OnMessage(h domain.MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Channel) Status() domain.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ChannelStatus{Channel: domain.ChannelFeishu, Running: c.running}
}

// API exposes the outbound client for sends outside a reply flow.
func (c *Channel) API() *APIClient { return c.api }

// eventEnvelope is the callback payload shell: either a one-off URL
// verification probe or a schema 2.0 event.
type eventEnvelope struct {
	Type      string          `json:"type,omitempty"`
	Challenge string          `json:"challenge,omitempty"`
	Header    eventHeader     `json:"header,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

type eventHeader struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Token     string `json:"token"`
	AppID     string `json:"app_id"`
}

type messageEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

// ServeHTTP handles the platform event callback. Events are
// acknowledged immediately and dispatched in the background; the
// dedup cache absorbs redeliveries.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if !verifySignature(c.cfg.EncryptKey,
		r.Header.Get("X-Lark-Request-Timestamp"),
		r.Header.Get("X-Lark-Request-Nonce"),
		body,
		r.Header.Get("X-Lark-Signature")) {
		c.log.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": domain.ErrAuthFailed.Error()})
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.log.Warn().Err(err).Msg("webhook payload not valid JSON")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	// Endpoint ownership probe during app setup.
	if env.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	}

	// Token check is a weaker screen than the signature; applied when
	// both sides carry one.
	if c.cfg.VerificationToken != "" && env.Header.Token != "" && env.Header.Token != c.cfg.VerificationToken {
		c.log.Warn().Str("remote", r.RemoteAddr).Msg("webhook verification token mismatch")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": domain.ErrAuthFailed.Error()})
		return
	}

	if env.Header.EventType == eventTypeMessage {
		c.handleMessageEvent(env.Event)
	}

	writeJSON(w, http.StatusOK, map[string]int{"code": 0})
}

func (c *Channel) handleMessageEvent(raw json.RawMessage) {
	var ev messageEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.log.Warn().Err(err).Msg("malformed message event")
		return
	}
	if ev.Message.MessageID == "" || ev.Message.ChatID == "" {
		return
	}
	if c.dedup.isDuplicate(ev.Message.MessageID) {
		c.log.Debug().Str("messageId", ev.Message.MessageID).Msg("duplicate delivery ignored")
		return
	}

	msg := normalize(ev)
	c.fetchAttachments(&msg, ev.Message.MessageID)

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.log.Warn().Str("conversation", msg.ConversationID).Msg("message dropped: no handler wired")
		return
	}

	sink := newCardSink(c.api, ev.Message.MessageID, c.log)
	go h(msg, sink)
}

// fetchAttachments downloads the message's resources to disk and
// records the local paths, so the engine can act on the files the
// user sent. A failed download keeps the bare reference; the message
// is still dispatched.
func (c *Channel) fetchAttachments(msg *domain.Message, messageID string) {
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.ID == "" {
			continue
		}
		resourceType := "file"
		if att.MimeType == "image" {
			resourceType = "image"
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		data, err := c.api.DownloadResource(ctx, messageID, att.ID, resourceType)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Str("fileKey", att.ID).Msg("attachment download failed")
			continue
		}

		path, err := saveAttachment(att.ID, att.Filename, data)
		if err != nil {
			c.log.Warn().Err(err).Str("fileKey", att.ID).Msg("saving attachment failed")
			continue
		}
		att.LocalPath = path
		att.Size = int64(len(data))
		c.log.Debug().Str("fileKey", att.ID).Str("path", path).Msg("attachment saved")
	}
}

// saveAttachment writes resource bytes under the system temp dir. The
// file key prefixes the name so concurrent messages cannot collide.
func saveAttachment(fileKey, filename string, data []byte) (string, error) {
	dir := filepath.Join(os.TempDir(), "chatwork-attachments")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	name := fileKey
	if filename != "" {
		name += "_" + filepath.Base(filename)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// normalize converts a platform message event into the bridge's shape.
func normalize(ev messageEvent) domain.Message {
	text, attachments := extractContent(ev.Message.MessageType, ev.Message.Content)
	return domain.Message{
		ConversationID: domain.ConversationKey{Channel: domain.ChannelFeishu, ChatID: ev.Message.ChatID}.String(),
		SenderID:       ev.Sender.SenderID.OpenID,
		Channel:        domain.ChannelFeishu,
		Content:        text,
		Attachments:    attachments,
		ReceivedAt:     time.Now(),
		DedupKey:       ev.Message.MessageID,
	}
}

// extractContent pulls plain text and attachment refs out of the
// double-encoded content field.
func extractContent(messageType, content string) (string, []domain.Attachment) {
	switch messageType {
	case "text":
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(content), &body); err != nil {
			return "", nil
		}
		return strings.TrimSpace(body.Text), nil

	case "post":
		return flattenPost(content), nil

	case "image":
		var body struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(content), &body); err != nil {
			return "", nil
		}
		return "[image]", []domain.Attachment{{ID: body.ImageKey, MimeType: "image"}}

	case "file", "audio", "media":
		var body struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal([]byte(content), &body); err != nil {
			return "", nil
		}
		text := body.FileName
		if text == "" {
			text = "[" + messageType + "]"
		}
		return text, []domain.Attachment{{ID: body.FileKey, Filename: body.FileName}}

	default:
		return "", nil
	}
}

// flattenPost reduces a rich-text post to its text runs, one line per
// paragraph, title first.
func flattenPost(content string) string {
	var post struct {
		Title   string `json:"title"`
		Content [][]struct {
			Tag  string `json:"tag"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(content), &post); err != nil {
		return ""
	}

	var lines []string
	if post.Title != "" {
		lines = append(lines, post.Title)
	}
	for _, para := range post.Content {
		var runs []string
		for _, el := range para {
			if el.Text != "" {
				runs = append(runs, el.Text)
			}
		}
		if len(runs) > 0 {
			lines = append(lines, strings.Join(runs, ""))
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// verifySignature checks the callback signature:
// sha256hex(timestamp + nonce + encryptKey + body). An empty encrypt
// key disables verification.
func verifySignature(encryptKey, timestamp, nonce string, body []byte, signature string) bool {
	if encryptKey == "" {
		return true
	}
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	calculated := hex.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(calculated), []byte(signature)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// dedupCache remembers recently processed message ids so redelivered
// webhook events are acknowledged without dispatching twice.
type dedupCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	max  int
}

func newDedupCache(ttl time.Duration, max int) *dedupCache {
	return &dedupCache{seen: make(map[string]time.Time), ttl: ttl, max: max}
}

// isDuplicate records an id and reports whether it was already
// present. Expired entries are purged on the way in.
func (d *dedupCache) isDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, t := range d.seen {
		if now.Sub(t) > d.ttl {
			delete(d.seen, k)
		}
	}
	if _, dup := d.seen[id]; dup {
		return true
	}
	if len(d.seen) >= d.max {
		var oldestID string
		var oldestAt time.Time
		for k, t := range d.seen {
			if oldestID == "" || t.Before(oldestAt) {
				oldestID = k
				oldestAt = t
			}
		}
		delete(d.seen, oldestID)
	}
	d.seen[id] = now
	return false
}
