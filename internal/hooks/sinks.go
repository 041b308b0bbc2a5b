package hooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
)

// Sinks is the standard sink set built from config.
type Sinks struct {
	Redis    *RedisSink
	RabbitMQ *RabbitMQSink
	Telegram *TelegramSink
	client   *http.Client
}

func NewSinks(cfg config.Config) *Sinks {
	return &Sinks{
		Redis:    NewRedisSink(cfg.Redis),
		RabbitMQ: NewRabbitMQSink(cfg.RabbitMQ),
		Telegram: NewTelegramSink(cfg.Telegram),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Map keys each sink by its hook type.
func (s *Sinks) Map() map[string]Sink {
	return map[string]Sink{
		TypeWebhook:  WebhookSink{Client: s.client},
		TypePush:     PushSink{Client: s.client},
		TypeRedis:    s.Redis,
		TypeRabbitMQ: s.RabbitMQ,
		TypeTelegram: s.Telegram,
	}
}

// Close releases broker connections.
func (s *Sinks) Close() error {
	return errors.Join(s.Redis.Close(), s.RabbitMQ.Close())
}
