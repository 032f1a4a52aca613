package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/executor"
)

// maxRequestBody caps REST request bodies; every payload here is a
// small JSON envelope.
const maxRequestBody = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	AutoExecute    *bool  `json:"autoExecute,omitempty"`
}

type chatResponse struct {
	Response       string                `json:"response"`
	ConversationID string                `json:"conversationId"`
	Action         *domain.ActionRequest `json:"action,omitempty"`
	ActionResult   *domain.ActionResult  `json:"actionResult,omitempty"`
	Err            string                `json:"error,omitempty"`
}

type executeRequest struct {
	Action *domain.ActionRequest `json:"action"`
}

type executeResponse struct {
	Allowed bool   `json:"allowed"`
	OK      bool   `json:"ok"`
	Result  string `json:"result"`
}

type clearRequest struct {
	ConversationID string `json:"conversationId"`
}

type clearResponse struct {
	Message string `json:"message"`
}

type channelsResponse struct {
	Channels []domain.ChannelStatus `json:"channels"`
}

func readJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// handleChat runs one full exchange synchronously: the response is
// held open until the engine finishes (or the exchange times out).
// Streaming callers should use the WebSocket instead.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "message is required"})
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = domain.ConversationKey{Channel: domain.ChannelAPI, ChatID: uuid.New().String()}.String()
	}

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()

	msg := domain.Message{
		ConversationID: conversationID,
		SenderID:       r.RemoteAddr,
		Channel:        domain.ChannelAPI,
		Content:        req.Message,
		ReceivedAt:     time.Now(),
		AutoExecute:    req.AutoExecute,
	}

	results, err := s.dispatcher.Dispatch(ctx, msg, nil)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}

	select {
	case res := <-results:
		writeJSON(w, http.StatusOK, chatResponse{
			Response:       res.Response,
			ConversationID: conversationID,
			Action:         res.Action,
			ActionResult:   res.ActionResult,
			Err:            res.Err,
		})
	case <-ctx.Done():
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "exchange timed out"})
	}
}

// handleExecute runs a previously surfaced action after screening it
// again; callers that received an unexecuted proposal from /api/chat
// confirm it here.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if req.Action == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "action is required"})
		return
	}

	verdict := s.policy.Evaluate(*req.Action)
	if !verdict.Allowed {
		s.log.Info().Str("reason", verdict.Reason).Msg("action denied by policy")
		writeJSON(w, http.StatusOK, executeResponse{
			Allowed: false,
			Result:  "❌ Action denied: " + verdict.Reason,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()

	result := s.exec.Run(ctx, *req.Action)
	writeJSON(w, http.StatusOK, executeResponse{
		Allowed: true,
		OK:      result.OK,
		Result:  executor.FormatResult(*req.Action, result),
	})
}

// handleClear drops a conversation's history. The clear is dispatched
// like any other message so it lands after exchanges already queued
// for the conversation.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "conversationId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()

	msg := domain.Message{
		ConversationID: req.ConversationID,
		SenderID:       r.RemoteAddr,
		Channel:        domain.ChannelAPI,
		Content:        "/clear",
		ReceivedAt:     time.Now(),
	}

	results, err := s.dispatcher.Dispatch(ctx, msg, nil)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}

	select {
	case res := <-results:
		writeJSON(w, http.StatusOK, clearResponse{Message: res.Response})
	case <-ctx.Done():
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "clear timed out"})
	}
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	resp := channelsResponse{Channels: []domain.ChannelStatus{}}
	if s.channels != nil {
		resp.Channels = s.channels.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}
