package messagebus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/conductor/transport"
)

// KafkaConfig конфигурация для Kafka адаптера
type KafkaConfig struct {
	Brokers       []string
	GroupID       string
	BatchSize     int
	FlushInterval time.Duration
	RequiredAcks  int // 0, 1, -1 (all)
	MinBytes      int
	MaxBytes      int
	MaxWait       time.Duration
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	if c.GroupID == "" {
		return fmt.Errorf("group ID cannot be empty")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		GroupID:       "conductor-group",
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
		RequiredAcks:  -1,
		MinBytes:      1,
		MaxBytes:      10e6,
		MaxWait:       1 * time.Second,
	}
}

// KafkaAdapter реализация MessageBus через Kafka. Ключ сообщения - saga_id из
// заголовков, балансировщик kafka.Hash: сообщения одной саги попадают в одну
// партицию и доставляются по порядку.
type KafkaAdapter struct {
	config  KafkaConfig
	writer  *kafka.Writer
	subs    map[string]*kafkaSub
	mu      sync.RWMutex
	running bool
	logger  *slog.Logger
}

type kafkaSub struct {
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	return &KafkaAdapter{
		config: config,
		subs:   make(map[string]*kafkaSub),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequiredAcks(config.RequiredAcks),
			BatchSize:              config.BatchSize,
			BatchTimeout:           config.FlushInterval,
			AllowAutoTopicCreation: true,
		},
		logger: slog.Default(),
	}, nil
}

// WithLogger устанавливает логгер адаптера
func (k *KafkaAdapter) WithLogger(logger *slog.Logger) *KafkaAdapter {
	k.logger = logger
	return k
}

// Start запускает адаптер (реализация transport.Lifecycle)
func (k *KafkaAdapter) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.running = true
	return nil
}

// Stop останавливает адаптер (реализация transport.Lifecycle)
func (k *KafkaAdapter) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.running {
		return nil
	}

	for topic, sub := range k.subs {
		sub.cancel()
		_ = sub.reader.Close()
		<-sub.done
		delete(k.subs, topic)
	}

	if k.writer != nil {
		_ = k.writer.Close()
	}

	k.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация transport.Lifecycle)
func (k *KafkaAdapter) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Publish публикует сообщение в топик subject
func (k *KafkaAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: subject,
		Value: data,
	}
	for key, value := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	if sagaID := headers[transport.HeaderSagaID]; sagaID != "" {
		msg.Key = []byte(sagaID)
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe подписывается на топик subject. Offset коммитится только после
// успешной обработки: отказ обработчика дает повторную доставку.
func (k *KafkaAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.subs[subject]; exists {
		return fmt.Errorf("topic %s already has a subscriber", subject)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.config.Brokers,
		GroupID:  k.config.GroupID,
		Topic:    subject,
		MinBytes: k.config.MinBytes,
		MaxBytes: k.config.MaxBytes,
		MaxWait:  k.config.MaxWait,
	})

	readCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSub{reader: reader, cancel: cancel, done: make(chan struct{})}
	k.subs[subject] = sub

	go k.consume(readCtx, sub, handler)
	return nil
}

// Unsubscribe отписывается от топика subject
func (k *KafkaAdapter) Unsubscribe(subject string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	sub, exists := k.subs[subject]
	if !exists {
		return nil
	}

	sub.cancel()
	if err := sub.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	<-sub.done
	delete(k.subs, subject)
	return nil
}

func (k *KafkaAdapter) consume(ctx context.Context, sub *kafkaSub, handler transport.MessageHandler) {
	defer close(sub.done)

	for {
		msg, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.logger.Error("failed to fetch kafka message", "error", err)
			continue
		}

		mbMsg := &transport.Message{
			Subject: msg.Topic,
			Data:    msg.Value,
			Headers: make(map[string]string, len(msg.Headers)),
		}
		for _, header := range msg.Headers {
			mbMsg.Headers[header.Key] = string(header.Value)
		}

		if err := handler(ctx, mbMsg); err != nil {
			k.logger.Error("message handler failed, message will be redelivered",
				"topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}

		if err := sub.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.logger.Error("failed to commit kafka offset",
				"topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}
