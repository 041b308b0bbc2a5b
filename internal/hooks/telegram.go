package hooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
)

// telegramMaxLen is the Telegram message length limit.
const telegramMaxLen = 4096

// TelegramSink sends a short completion notice to a Telegram chat.
type TelegramSink struct {
	cfg config.TelegramConfig
	// Endpoint overrides tgbotapi.APIEndpoint; used by tests.
	Endpoint string
	Client   *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramSink(cfg config.TelegramConfig) *TelegramSink {
	return &TelegramSink{cfg: cfg}
}

func (s *TelegramSink) botAPI() (*tgbotapi.BotAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return s.bot, nil
	}
	if s.cfg.Token == "" {
		return nil, errors.New("telegram hook: no bot token configured")
	}
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := s.Client
	if client == nil {
		client = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(s.cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	s.bot = bot
	return bot, nil
}

func (s *TelegramSink) Deliver(ctx context.Context, hook config.HookConfig, p Payload) error {
	chatID := hook.ChatID
	if chatID == 0 {
		chatID = s.cfg.DefaultChatID
	}
	if chatID == 0 {
		return errors.New("telegram hook: chat_id is required")
	}
	bot, err := s.botAPI()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, formatTelegram(p))
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func formatTelegram(p Payload) string {
	var b strings.Builder
	switch {
	case p.ScheduleID != "":
		fmt.Fprintf(&b, "Scheduled run %s", p.State)
	case p.TaskID != "":
		fmt.Fprintf(&b, "Task %s %s", p.TaskID, p.State)
	default:
		fmt.Fprintf(&b, "Reply %s", p.State)
	}
	if text := strings.TrimSpace(p.Text); text != "" {
		b.WriteString("\n\n")
		b.WriteString(text)
	}
	return shared.Truncate(b.String(), telegramMaxLen)
}
