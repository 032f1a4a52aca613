package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/streamer"
)

// maxSocketMessage caps inbound WebSocket frames.
const maxSocketMessage = 1 << 20

// wsInbound is what clients send: a message, optionally forcing
// auto-execution for this exchange.
type wsInbound struct {
	Message     string `json:"message"`
	AutoExecute *bool  `json:"autoExecute,omitempty"`
}

// wsFrame is the server-to-client envelope. Type is one of chunk,
// done, system, action, action_result, approval or error.
type wsFrame struct {
	Type    string                `json:"type"`
	Content string                `json:"content,omitempty"`
	Message string                `json:"message,omitempty"`
	Result  string                `json:"result,omitempty"`
	Action  *domain.ActionRequest `json:"action,omitempty"`
}

// handleChatSocket runs one conversation per connection. Replies
// stream back as frames while the loop keeps reading, so a client can
// answer an approval prompt while the exchange is still in flight.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.trackConn(conn)
	defer func() {
		s.untrackConn(conn)
		conn.Close()
	}()

	conversationID := domain.ConversationKey{Channel: domain.ChannelWebSocket, ChatID: uuid.New().String()}.String()
	log := s.log.WithConversation(conversationID)
	log.Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	// The conversation outlives individual frames, so exchanges hang
	// off a connection-scoped context cancelled when the loop exits.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.SetReadLimit(maxSocketMessage)
	sink := &wsSink{conn: conn}

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(rerr).Msg("websocket read error")
			}
			log.Info().Msg("websocket client disconnected")
			return
		}

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			if werr := sink.sendError("invalid JSON message"); werr != nil {
				return
			}
			continue
		}
		if strings.TrimSpace(in.Message) == "" {
			continue
		}

		msg := domain.Message{
			ConversationID: conversationID,
			SenderID:       r.RemoteAddr,
			Channel:        domain.ChannelWebSocket,
			Content:        in.Message,
			ReceivedAt:     time.Now(),
			AutoExecute:    in.AutoExecute,
		}

		// Fire and forget: replies arrive through the sink, and the
		// loop must get back to reading so approval answers and queued
		// messages are not stuck behind the running exchange.
		if _, derr := s.dispatcher.Dispatch(ctx, msg, sink); derr != nil {
			if werr := sink.sendError(derr.Error()); werr != nil {
				return
			}
		}
	}
}

// wsSink streams a reply over one WebSocket connection. Updates carry
// the full accumulated text, so it remembers how much the client has
// seen and sends only the delta. The mutex covers the worker goroutine
// and the read loop both writing frames.
type wsSink struct {
	conn *websocket.Conn

	mu   sync.Mutex
	sent int
}

func (ws *wsSink) write(f wsFrame) error {
	if err := ws.conn.WriteJSON(f); err != nil {
		return &domain.DeliveryError{Channel: domain.ChannelWebSocket, Err: err}
	}
	return nil
}

func (ws *wsSink) sendError(msg string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.write(wsFrame{Type: "error", Message: msg})
}

func (ws *wsSink) Update(_ context.Context, text string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	// The placeholder is card-channel furniture; over a socket the
	// client just waits for the first chunk.
	if ws.sent == 0 && text == streamer.Placeholder {
		return nil
	}
	delta := ""
	if len(text) > ws.sent {
		delta = text[ws.sent:]
	}
	if delta == "" {
		return nil
	}
	if err := ws.write(wsFrame{Type: "chunk", Content: delta}); err != nil {
		return err
	}
	ws.sent = len(text)
	return nil
}

func (ws *wsSink) Finish(_ context.Context, text string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delta := ""
	if len(text) > ws.sent {
		delta = text[ws.sent:]
	}
	ws.sent = 0
	if delta != "" {
		if err := ws.write(wsFrame{Type: "chunk", Content: delta}); err != nil {
			return err
		}
	}
	return ws.write(wsFrame{Type: "done", Content: text})
}

func (ws *wsSink) Notice(_ context.Context, n domain.Notice) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	switch n.Kind {
	case domain.NoticeAction:
		return ws.write(wsFrame{Type: "action", Message: n.Text, Action: n.Action})
	case domain.NoticeActionResult:
		return ws.write(wsFrame{Type: "action_result", Result: n.Text, Action: n.Action})
	case domain.NoticeApproval:
		return ws.write(wsFrame{Type: "approval", Message: n.Text, Action: n.Action})
	case domain.NoticeError:
		return ws.write(wsFrame{Type: "error", Message: n.Text})
	default:
		return ws.write(wsFrame{Type: "system", Message: n.Text})
	}
}
