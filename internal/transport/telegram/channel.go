// Package telegram delivers digests and broadcasts over the Telegram Bot
// API. The channel is send-only: the bot never polls for updates, it only
// pushes messages when a schedule fires.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"reelwatch/internal/engine/match"
	"reelwatch/internal/model"
)

// Config configures the Telegram channel.
type Config struct {
	Token string
	// RatePerSec caps outgoing messages across all chats. Telegram
	// throttles bots around 30 msg/s globally; defaults to 20.
	RatePerSec int
}

// Channel sends rendered notifications to Telegram chats.
type Channel struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New builds the channel. It validates the token against the API once
// (telebot's getMe call) but starts no poller.
func New(cfg Config, log zerolog.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Channel{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

var sendOpts = &tele.SendOptions{
	ParseMode:             tele.ModeHTML,
	DisableWebPagePreview: true,
}

// SendDigest sends a per-recipient digest: one header message followed by
// one message per matched movie. Screening times are rendered in the
// recipient's timezone and locale.
func (c *Channel) SendDigest(ctx context.Context, r model.Recipient, results []match.Result) error {
	if len(results) == 0 {
		return nil
	}
	loc := localeFor(r.Locale)
	msgs := make([]string, 0, len(results)+1)
	msgs = append(msgs, renderDigestHeader(loc, results))
	for _, res := range results {
		body := renderMovie(loc, r.Location(), res.Movie, res.Movie.Screenings)
		if line := renderMatched(loc, res.Keywords); line != "" {
			body += "\n" + line
		}
		msgs = append(msgs, body)
	}
	return c.sendAll(ctx, r.ID, msgs)
}

// SendBroadcast posts the current lineup to a chat.
func (c *Channel) SendBroadcast(ctx context.Context, cfg model.ChatConfig, movies []model.Movie) error {
	if len(movies) == 0 {
		return nil
	}
	loc := localeFor(cfg.Locale)
	msgs := make([]string, 0, len(movies)+1)
	msgs = append(msgs, renderBroadcastHeader(loc, len(movies)))
	for _, m := range movies {
		msgs = append(msgs, renderMovie(loc, cfg.Location(), m, m.Screenings))
	}
	return c.sendAll(ctx, cfg.ChatID, msgs)
}

func (c *Channel) sendAll(ctx context.Context, chatID int64, msgs []string) error {
	chat := &tele.Chat{ID: chatID}
	start := time.Now()
	for i, text := range msgs {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := c.bot.Send(chat, text, sendOpts); err != nil {
			return fmt.Errorf("send message %d/%d to chat %d: %w", i+1, len(msgs), chatID, err)
		}
	}
	c.log.Debug().
		Int64("chat_id", chatID).
		Int("messages", len(msgs)).
		Dur("took", time.Since(start)).
		Msg("messages sent")
	return nil
}
