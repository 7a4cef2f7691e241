package messagebus

import (
	"fmt"
	"strings"

	"github.com/akriventsev/conductor/transport"
)

// Bus объединяет шину сообщений с управлением жизненным циклом
type Bus interface {
	transport.MessageBus
	transport.Lifecycle
}

// Поддерживаемые типы шины
const (
	KindInMemory = "inmemory"
	KindNATS     = "nats"
	KindKafka    = "kafka"
	KindRedis    = "redis"
)

// Config объединенная конфигурация для фабрики шины
type Config struct {
	Kind     string
	InMemory InMemoryConfig
	NATS     NATSConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
}

// DefaultConfig возвращает конфигурацию фабрики по умолчанию
func DefaultConfig() Config {
	return Config{
		Kind:     KindInMemory,
		InMemory: DefaultInMemoryConfig(),
		NATS:     DefaultNATSConfig(),
		Kafka:    DefaultKafkaConfig(),
		Redis:    DefaultRedisConfig(),
	}
}

// New создает адаптер шины по типу из конфигурации
func New(config Config) (Bus, error) {
	switch strings.ToLower(config.Kind) {
	case KindInMemory, "":
		return NewInMemoryBus(config.InMemory), nil
	case KindNATS:
		return NewNATSAdapter(config.NATS)
	case KindKafka:
		return NewKafkaAdapter(config.Kafka)
	case KindRedis:
		return NewRedisAdapter(config.Redis)
	default:
		return nil, fmt.Errorf("unknown message bus kind: %s", config.Kind)
	}
}
