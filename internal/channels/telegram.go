// Package channels connects tgclaw to Telegram.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/linkerlin/tgclaw/internal/db"
	"github.com/linkerlin/tgclaw/internal/state"
	"github.com/linkerlin/tgclaw/internal/types"
)

// MaxMessageLength is Telegram's limit for one text message, in characters.
const MaxMessageLength = 4096

const typingRefresh = 4 * time.Second

type TelegramConfig struct {
	Token      string
	SendPerSec int
	Store      *db.DB
	Registry   *state.Registry
	Logger     zerolog.Logger
}

// Telegram receives messages by long polling and sends replies.
type Telegram struct {
	cfg     TelegramConfig
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewTelegram validates the token with getMe.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token is not set")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return newTelegram(cfg, bot), nil
}

func newTelegram(cfg TelegramConfig, bot *tgbotapi.BotAPI) *Telegram {
	if cfg.SendPerSec <= 0 {
		cfg.SendPerSec = 20
	}
	return &Telegram{
		cfg:     cfg,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendPerSec), 1),
		log:     cfg.Logger.With().Str("component", "telegram").Logger(),
	}
}

// Username returns the bot's @username.
func (t *Telegram) Username() string {
	if t.bot == nil {
		return ""
	}
	return t.bot.Self.UserName
}

// Run long-polls for updates until ctx is cancelled, reconnecting with
// exponential backoff.
func (t *Telegram) Run(ctx context.Context) error {
	t.log.Info().Str("user", t.Username()).Msg("telegram polling started")

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.poll(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.log.Warn().Err(pollErr).Dur("backoff", backoff).Msg("telegram poll disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *Telegram) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// Long polls return every 60s even when idle; silence beyond that means a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v", stallTimeout)
		}
	}
}

// handleMessage records chat metadata for every text message and stores the
// message itself only for registered chats.
func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Text == "" {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	timestamp := types.FormatTime(time.Unix(int64(msg.Date), 0))
	name := senderName(msg.From)

	chatName := msg.Chat.Title
	if msg.Chat.IsPrivate() || chatName == "" {
		chatName = name
	}
	if err := t.cfg.Store.StoreChatMetadata(ctx, chatID, timestamp, chatName); err != nil {
		t.log.Error().Err(err).Str("chat", chatID).Msg("store chat metadata")
	}

	if _, ok := t.cfg.Registry.Get(chatID); !ok {
		return
	}
	rec := types.NewMessage{
		ID:         strconv.Itoa(msg.MessageID),
		ChatID:     chatID,
		SenderName: name,
		Content:    msg.Text,
		Timestamp:  timestamp,
	}
	if msg.From != nil {
		rec.Sender = strconv.FormatInt(msg.From.ID, 10)
		rec.IsFromMe = msg.From.IsBot
	}
	if err := t.cfg.Store.StoreMessage(ctx, rec); err != nil {
		t.log.Error().Err(err).Str("chat", chatID).Msg("store message")
	}
}

// Send delivers text to chatID, splitting it to fit Telegram's length limit.
// Failures are logged.
func (t *Telegram) Send(ctx context.Context, chatID, text string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		t.log.Error().Err(err).Str("chat", chatID).Msg("invalid chat id")
		return
	}
	for _, chunk := range SplitMessage(text, MaxMessageLength) {
		if err := t.limiter.Wait(ctx); err != nil {
			t.log.Warn().Err(err).Str("chat", chatID).Msg("send cancelled")
			return
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(id, chunk)); err != nil {
			t.log.Error().Err(err).Str("chat", chatID).Msg("failed to send message")
			return
		}
	}
	t.log.Info().Str("chat", chatID).Int("length", len(text)).Msg("message sent")
}

// Typing shows the typing indicator in chatID until stop is called.
func (t *Telegram) Typing(ctx context.Context, chatID string) (stop func()) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			if _, err := t.bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)); err != nil {
				t.log.Debug().Err(err).Str("chat", chatID).Msg("typing indicator")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ChatTitle returns a group's title or a private chat's user name.
func (t *Telegram) ChatTitle(ctx context.Context, chatID string) (string, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	chat, err := t.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: id}})
	if err != nil {
		return "", fmt.Errorf("get chat %s: %w", chatID, err)
	}
	if chat.Title != "" {
		return chat.Title, nil
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName), nil
}

func senderName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// SplitMessage cuts text into chunks of at most limit characters, preferring
// to break at a newline.
func SplitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
