// Package transport предоставляет реализации сериализаторов сообщений.
package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// JSONSerializer реализация JSON сериализатора
type JSONSerializer struct{}

// NewJSONSerializer создает новый JSON сериализатор
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Serialize сериализует сообщение в JSON
func (s *JSONSerializer) Serialize(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// Deserialize десериализует JSON в сообщение
func (s *JSONSerializer) Deserialize(data []byte, msg interface{}) error {
	return json.Unmarshal(data, msg)
}

// ProtobufSerializer реализация Protobuf сериализатора для payload фаз,
// описанных protobuf-схемами
type ProtobufSerializer struct{}

// NewProtobufSerializer создает новый Protobuf сериализатор
func NewProtobufSerializer() *ProtobufSerializer {
	return &ProtobufSerializer{}
}

// Serialize сериализует сообщение в Protobuf
func (s *ProtobufSerializer) Serialize(msg interface{}) ([]byte, error) {
	pb, ok := msg.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("message does not implement proto.Message: %T", msg)
	}
	return proto.Marshal(pb)
}

// Deserialize десериализует Protobuf в сообщение
func (s *ProtobufSerializer) Deserialize(data []byte, msg interface{}) error {
	pb, ok := msg.(proto.Message)
	if !ok {
		return fmt.Errorf("message does not implement proto.Message: %T", msg)
	}
	return proto.Unmarshal(data, pb)
}

// DefaultSerializer возвращает сериализатор по умолчанию (JSON)
func DefaultSerializer() MessageSerializer {
	return NewJSONSerializer()
}
