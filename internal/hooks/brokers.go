package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
)

const (
	defaultRedisChannel = "capsule:events"
	defaultRoutingKey   = EventTaskCompleted
)

// RedisSink PUBLISHes the payload on a redis channel. hook.URL, when set, is
// a redis:// URL overriding the shared connection.
type RedisSink struct {
	cfg config.RedisConfig

	mu      sync.Mutex
	clients map[string]*redis.Client
}

func NewRedisSink(cfg config.RedisConfig) *RedisSink {
	return &RedisSink{cfg: cfg, clients: make(map[string]*redis.Client)}
}

func (s *RedisSink) client(hook config.HookConfig) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := hook.URL
	if c, ok := s.clients[key]; ok {
		return c, nil
	}
	var opts *redis.Options
	if hook.URL != "" {
		parsed, err := redis.ParseURL(hook.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		if s.cfg.Addr == "" {
			return nil, errors.New("redis hook: no address configured")
		}
		opts = &redis.Options{Addr: s.cfg.Addr, Password: s.cfg.Password, DB: s.cfg.DB}
	}
	c := redis.NewClient(opts)
	s.clients[key] = c
	return c, nil
}

func (s *RedisSink) Deliver(ctx context.Context, hook config.HookConfig, p Payload) error {
	c, err := s.client(hook)
	if err != nil {
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	channel := hook.Channel
	if channel == "" {
		channel = defaultRedisChannel
	}
	if err := c.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for k, c := range s.clients {
		errs = append(errs, c.Close())
		delete(s.clients, k)
	}
	return errors.Join(errs...)
}

// RabbitMQSink publishes the payload to a topic exchange. The connection is
// dialed on first use and redialed after it closes.
type RabbitMQSink struct {
	cfg config.RabbitMQConfig

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

func NewRabbitMQSink(cfg config.RabbitMQConfig) *RabbitMQSink {
	return &RabbitMQSink{cfg: cfg, declared: make(map[string]bool)}
}

func (s *RabbitMQSink) channel(url string) (*amqp.Channel, error) {
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	s.closeLocked()
	if url == "" {
		return nil, errors.New("rabbitmq hook: no url configured")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq %s: %w", shared.Redact(url), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	s.conn, s.ch = conn, ch
	s.declared = make(map[string]bool)
	return ch, nil
}

func (s *RabbitMQSink) Deliver(ctx context.Context, hook config.HookConfig, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	url := hook.URL
	if url == "" {
		url = s.cfg.URL
	}
	exchange := hook.Exchange
	if exchange == "" {
		exchange = s.cfg.Exchange
	}
	routingKey := hook.RoutingKey
	if routingKey == "" {
		routingKey = defaultRoutingKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.channel(url)
	if err != nil {
		return err
	}
	if exchange != "" && !s.declared[exchange] {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		s.declared[exchange] = true
	}
	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

func (s *RabbitMQSink) closeLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}
