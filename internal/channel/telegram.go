package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

const telegramHelp = "Send me a link from TikTok, Instagram, Twitter/X, Bluesky, YouTube or Reddit and I'll reply with the media.\n\n" +
	"Commands:\n/embed <url> [format] - retrieve one link, format is e.g. video_720 or audio_mp3\n/help - show this message"

// Telegram implements domain.Channel for a Telegram bot. It mirrors the
// Discord message flow: links in a message are retrieved and answered with
// file links.
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all
	gateway   *Gateway
	logger    *slog.Logger
	sleep     func(time.Duration)

	bot *tgbotapi.BotAPI
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	Gateway   *Gateway
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		gateway:   cfg.Gateway,
		logger:    cfg.Logger,
		sleep:     time.Sleep,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// StopReceivingUpdates panics if called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return
	}
	if !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", msg.From.ID, "username", msg.From.UserName)
		return
	}

	req, ok := t.request(msg)
	if !ok {
		return
	}
	if msg.IsCommand() && msg.Command() != "embed" {
		t.send(msg.Chat.ID, 0, telegramHelp)
		return
	}

	urls := t.gateway.Resolve(req.Text, req.Single)
	if len(urls) == 0 {
		if req.Single {
			t.send(msg.Chat.ID, msg.MessageID, msgInvalidLink)
		}
		return
	}

	t.logger.Info("telegram message with media links", "chat_id", msg.Chat.ID, "user_id", msg.From.ID, "urls", len(urls))
	_, _ = t.bot.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping))

	reply := t.gateway.Retrieve(ctx, urls, req)
	if reply.Status != ReplyOK {
		if req.Single {
			t.send(msg.Chat.ID, msg.MessageID, reply.Content)
		}
		return
	}
	text := FormatPlain(reply.Results, t.gateway.Host())
	if req.Initiator == domain.InitiatorInteraction {
		text += optionsNote(req.Options)
	}
	t.send(msg.Chat.ID, msg.MessageID, text)
}

// request maps a Telegram message onto a gateway request. /embed behaves
// like the Discord slash command; plain messages like a Discord message.
func (t *Telegram) request(msg *tgbotapi.Message) (Request, bool) {
	userID := strconv.FormatInt(msg.From.ID, 10)
	if !msg.IsCommand() {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			text = strings.TrimSpace(msg.Caption)
		}
		return Request{Text: text, UserID: userID, Initiator: domain.InitiatorMessage}, text != ""
	}
	if msg.Command() != "embed" {
		return Request{}, true
	}
	args := strings.Fields(msg.CommandArguments())
	req := Request{UserID: userID, Initiator: domain.InitiatorInteraction, Single: true}
	if len(args) > 0 {
		req.Text = args[0]
	}
	if len(args) > 1 {
		req.Options = ParseFormat(args[1])
	}
	return req, true
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || slices.Contains(t.allowFrom, userID)
}

func (t *Telegram) send(chatID int64, replyTo int, text string) {
	for i, chunk := range splitMessage(text, telegramMaxMsgLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}
		t.sendChunk(msg)
	}
}

// sendChunk sends one message, backing off on rate limits and transient
// errors.
func (t *Telegram) sendChunk(msg tgbotapi.MessageConfig) {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if _, err = t.bot.Send(msg); err == nil {
			return
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		backoff := telegramBackoff(err, attempt)
		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff, "attempt", attempt+1)
		t.sleep(backoff)
	}
	t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
}

func telegramBackoff(err error, attempt int) time.Duration {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	if strings.Contains(err.Error(), "Too Many Requests") {
		return time.Duration(attempt+1) * 3 * time.Second
	}
	return time.Duration(attempt+1) * time.Second
}
