package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v4"
)

// Telegram delivers the text rendering of a payload to a chat via the Bot
// API instead of a webhook POST. It is send-only: the bot is never started
// and no updates are polled.
//
// The sink pairs this transport with the text layout; the envelope's "text"
// field is what gets sent.
type Telegram struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

func NewTelegram(token string, chatID int64, threadID int) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b, chatID: chatID, threadID: threadID}, nil
}

func (t *Telegram) Describe() string {
	return fmt.Sprintf("telegram chat %d", t.chatID)
}

func (t *Telegram) Send(ctx context.Context, body []byte) error {
	var env struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("telegram: decode payload: %w", err)
	}
	if env.Text == "" {
		return nil
	}

	_, err := t.bot.Send(
		&tele.Chat{ID: t.chatID},
		env.Text,
		&tele.SendOptions{ThreadID: t.threadID, DisableWebPagePreview: true},
	)
	return err
}
