package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/conductor/transport"
)

// RedisConfig конфигурация для Redis адаптера
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	MaxRetries    int
	StreamMaxLen  int64 // 0 = без ограничений
	ConsumerGroup string
	BlockTimeout  time.Duration
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("consumer group cannot be empty")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		DB:            0,
		PoolSize:      10,
		MaxRetries:    3,
		StreamMaxLen:  10000,
		ConsumerGroup: "conductor-group",
		BlockTimeout:  5 * time.Second,
	}
}

// RedisAdapter реализация MessageBus через Redis Streams. Каждый subject -
// отдельный stream, подписка читает его через consumer group (XREADGROUP),
// запись подтверждается (XACK) только после успешной обработки.
type RedisAdapter struct {
	config  RedisConfig
	client  *redis.Client
	subs    map[string]*redisSub
	mu      sync.RWMutex
	running bool
	logger  *slog.Logger
}

type redisSub struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisAdapter создает новый Redis адаптер
func NewRedisAdapter(config RedisConfig) (*RedisAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	return &RedisAdapter{
		config: config,
		subs:   make(map[string]*redisSub),
		logger: slog.Default(),
	}, nil
}

// WithLogger устанавливает логгер адаптера
func (r *RedisAdapter) WithLogger(logger *slog.Logger) *RedisAdapter {
	r.logger = logger
	return r
}

// Start подключается к Redis (реализация transport.Lifecycle)
func (r *RedisAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:       r.config.Addr,
		Password:   r.config.Password,
		DB:         r.config.DB,
		PoolSize:   r.config.PoolSize,
		MaxRetries: r.config.MaxRetries,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.client = client
	r.running = true
	return nil
}

// Stop останавливает адаптер (реализация transport.Lifecycle)
func (r *RedisAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	for stream, sub := range r.subs {
		sub.cancel()
		<-sub.done
		delete(r.subs, stream)
	}

	if r.client != nil {
		_ = r.client.Close()
	}

	r.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация transport.Lifecycle)
func (r *RedisAdapter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Publish публикует сообщение в stream subject (XADD)
func (r *RedisAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("redis adapter is not connected")
	}

	values := map[string]interface{}{
		"data": string(data),
	}
	if len(headers) > 0 {
		headersJSON, err := json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("failed to encode headers: %w", err)
		}
		values["headers"] = string(headersJSON)
	}

	args := redis.XAddArgs{
		Stream: subject,
		Values: values,
	}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true
	}

	if err := client.XAdd(ctx, &args).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe подписывается на stream subject через consumer group
func (r *RedisAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return fmt.Errorf("redis adapter is not connected")
	}
	if _, exists := r.subs[subject]; exists {
		return fmt.Errorf("stream %s already has a subscriber", subject)
	}

	err := r.client.XGroupCreateMkStream(ctx, subject, r.config.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	sub := &redisSub{cancel: cancel, done: make(chan struct{})}
	r.subs[subject] = sub

	consumer := fmt.Sprintf("conductor-%s", uuid.New().String())
	go r.consume(readCtx, subject, consumer, sub, handler)
	return nil
}

// Unsubscribe отписывается от stream subject
func (r *RedisAdapter) Unsubscribe(subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.subs[subject]
	if !exists {
		return nil
	}

	sub.cancel()
	<-sub.done
	delete(r.subs, subject)
	return nil
}

func (r *RedisAdapter) consume(ctx context.Context, stream, consumer string, sub *redisSub, handler transport.MessageHandler) {
	defer close(sub.done)

	for {
		if ctx.Err() != nil {
			return
		}

		result, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.config.ConsumerGroup,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    r.config.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			r.logger.Error("failed to read from stream", "stream", stream, "error", err)
			continue
		}

		for _, entry := range result {
			for _, msg := range entry.Messages {
				mbMsg := decodeStreamMessage(stream, msg)
				if err := handler(ctx, mbMsg); err != nil {
					// Без XACK запись остается в PEL и будет переобработана
					r.logger.Error("message handler failed, message stays pending",
						"stream", stream, "id", msg.ID, "error", err)
					continue
				}
				if err := r.client.XAck(ctx, stream, r.config.ConsumerGroup, msg.ID).Err(); err != nil && ctx.Err() == nil {
					r.logger.Error("failed to ack stream message",
						"stream", stream, "id", msg.ID, "error", err)
				}
			}
		}
	}
}

func decodeStreamMessage(stream string, msg redis.XMessage) *transport.Message {
	mbMsg := &transport.Message{
		Subject: stream,
		Headers: make(map[string]string),
	}
	if data, ok := msg.Values["data"].(string); ok {
		mbMsg.Data = []byte(data)
	}
	if headers, ok := msg.Values["headers"].(string); ok {
		_ = json.Unmarshal([]byte(headers), &mbMsg.Headers)
	}
	return mbMsg
}
