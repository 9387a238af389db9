// Package telegram delivers task output to Telegram chats via telebot.
// Destination names map to chat ids through a static table supplied by
// configuration; unknown destinations fail the send, not the process.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const defaultPollTimeout = 10 * time.Second

type Sink struct {
	bot   *tele.Bot
	chats map[string]int64
}

type Option func(*Sink)

func WithBot(bot *tele.Bot) Option {
	return func(s *Sink) {
		if bot != nil {
			s.bot = bot
		}
	}
}

// New builds a Telegram sink. chats maps destination names (as stored on
// tasks) to Telegram chat ids.
func New(token string, chats map[string]int64, opts ...Option) (*Sink, error) {
	s := &Sink{chats: make(map[string]int64, len(chats))}
	for name, id := range chats {
		name = strings.TrimSpace(name)
		if name == "" || id == 0 {
			continue
		}
		s.chats[strings.ToLower(name)] = id
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.bot == nil {
		if strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("telegram token is required")
		}
		bot, err := tele.NewBot(tele.Settings{
			Token:  strings.TrimSpace(token),
			Poller: &tele.LongPoller{Timeout: defaultPollTimeout},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram bot: %w", err)
		}
		s.bot = bot
	}
	return s, nil
}

func (s *Sink) Send(ctx context.Context, destination, text string) error {
	if s == nil || s.bot == nil {
		return fmt.Errorf("telegram sink is not configured")
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is required")
	}
	chatID, ok := s.chats[strings.ToLower(strings.TrimSpace(destination))]
	if !ok {
		return fmt.Errorf("unknown destination %q", destination)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram send to %q failed: %w", destination, err)
	}
	return nil
}
