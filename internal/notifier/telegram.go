package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint.
	URL string
}

// Telegram sends alerts to one chat (optionally one forum topic).
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	opt  *tele.SendOptions
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opt: &tele.SendOptions{
			ThreadID:              cfg.ThreadID,
			DisableWebPagePreview: true,
		},
	}, nil
}

// Send posts text. telebot has no per-call context, so ctx is only
// checked before the request.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(text) > telegramTextLimit {
		text = strings.ToValidUTF8(text[:telegramTextLimit-3], "") + "..."
	}
	_, err := t.bot.Send(t.chat, text, t.opt)
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return floodError{err: err, after: time.Duration(flood.RetryAfter) * time.Second}
	}
	return err
}

const telegramTextLimit = 4096

type floodError struct {
	err   error
	after time.Duration
}

func (e floodError) Error() string             { return e.err.Error() }
func (e floodError) Unwrap() error             { return e.err }
func (e floodError) RetryAfter() time.Duration { return e.after }
