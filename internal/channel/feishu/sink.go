package feishu

import (
	"context"

	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/logging"
	"github.com/younfor/chat-work/internal/streamer"
)

// streamElementID names the markdown element the sink rewrites as the
// reply grows.
const streamElementID = "elem_md"

// replyCard is the streaming card shell: a title bar and one markdown
// element that gets replaced in place.
type replyCard struct {
	Schema string     `json:"schema"`
	Header cardHeader `json:"header"`
	Body   cardBody   `json:"body"`
	Config cardConfig `json:"config"`
}

type cardHeader struct {
	Title cardText `json:"title"`
}

type cardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type cardBody struct {
	Elements []cardElement `json:"elements"`
}

type cardElement struct {
	Tag       string `json:"tag"`
	Content   string `json:"content"`
	ElementID string `json:"element_id"`
	TextSize  string `json:"text_size,omitempty"`
	TextAlign string `json:"text_align,omitempty"`
}

type cardConfig struct {
	StreamingMode bool `json:"streaming_mode"`
	UpdateMulti   bool `json:"update_multi"`
}

func newReplyCard() replyCard {
	return replyCard{
		Schema: "2.0",
		Header: cardHeader{Title: cardText{Tag: "plain_text", Content: "AI Reply"}},
		Body: cardBody{Elements: []cardElement{{
			Tag:       "markdown",
			Content:   streamer.Placeholder,
			ElementID: streamElementID,
			TextSize:  "normal",
			TextAlign: "left",
		}}},
		Config: cardConfig{StreamingMode: true, UpdateMulti: true},
	}
}

// cardSink delivers one message's reply as streaming card edits. Each
// reply segment gets its own card in the thread; notices go out as
// plain text replies. Not safe for concurrent use, which matches the
// sink contract.
type cardSink struct {
	api       *APIClient
	messageID string
	log       *logging.Logger

	cardID string
	seq    int
}

func newCardSink(api *APIClient, messageID string, log *logging.Logger) *cardSink {
	return &cardSink{api: api, messageID: messageID, log: log}
}

// ensureCard creates the card entity and attaches it to the thread on
// first use.
func (s *cardSink) ensureCard(ctx context.Context) error {
	if s.cardID != "" {
		return nil
	}
	cardID, err := s.api.CreateCard(ctx, newReplyCard())
	if err != nil {
		return err
	}
	if err := s.api.ReplyCard(ctx, s.messageID, cardID); err != nil {
		return err
	}
	s.cardID = cardID
	s.seq = 0
	return nil
}

func (s *cardSink) Update(ctx context.Context, text string) error {
	if err := s.ensureCard(ctx); err != nil {
		return &domain.DeliveryError{Channel: domain.ChannelFeishu, Err: err}
	}
	s.seq++
	if err := s.api.UpdateCardElement(ctx, s.cardID, streamElementID, text, s.seq); err != nil {
		return &domain.DeliveryError{Channel: domain.ChannelFeishu, Err: err}
	}
	return nil
}

func (s *cardSink) Finish(ctx context.Context, text string) error {
	// The next segment starts a fresh card.
	defer func() {
		s.cardID = ""
		s.seq = 0
	}()

	if text == "" {
		return nil
	}
	if s.cardID == "" {
		if err := s.ensureCard(ctx); err != nil {
			// Degrade to a plain reply rather than losing the answer.
			s.log.Warn().Err(err).Msg("card creation failed, replying with plain text")
			if err := s.api.ReplyText(ctx, s.messageID, text); err != nil {
				return &domain.DeliveryError{Channel: domain.ChannelFeishu, Err: err}
			}
			return nil
		}
	}
	s.seq++
	if err := s.api.UpdateCardElement(ctx, s.cardID, streamElementID, text, s.seq); err != nil {
		return &domain.DeliveryError{Channel: domain.ChannelFeishu, Err: err}
	}
	return nil
}

func (s *cardSink) Notice(ctx context.Context, n domain.Notice) error {
	if n.Text == "" {
		return nil
	}
	if err := s.api.ReplyText(ctx, s.messageID, n.Text); err != nil {
		return &domain.DeliveryError{Channel: domain.ChannelFeishu, Err: err}
	}
	return nil
}
