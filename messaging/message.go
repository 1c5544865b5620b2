// Package messaging 提供消息、传输层与消息总线抽象
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IMessage 消息接口
type IMessage interface {
	GetID() string

	// GetType 消息类型，同时作为传输层的路由键（逻辑目的地）
	GetType() string

	GetTimestamp() time.Time

	// GetPayload 获取消息数据；经过网络传输的消息为 json.RawMessage
	GetPayload() any

	GetMetadata() map[string]any
}

// Message 消息基础实现
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   any            `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (m *Message) GetID() string { return m.ID }

func (m *Message) GetType() string { return m.Type }

func (m *Message) GetTimestamp() time.Time { return m.Timestamp }

func (m *Message) GetPayload() any { return m.Payload }

// GetMetadata 获取元数据，惰性初始化
func (m *Message) GetMetadata() map[string]any {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	return m.Metadata
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key string, value any) {
	m.GetMetadata()[key] = value
}

// NewMessage 创建新消息，ID 使用 UUID
func NewMessage(messageType string, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  make(map[string]any),
	}
}

// MetadataString 读取字符串类型的元数据
func MetadataString(msg IMessage, key string) string {
	if msg == nil {
		return ""
	}
	md := msg.GetMetadata()
	if md == nil {
		return ""
	}
	s, _ := md[key].(string)
	return s
}

// PayloadBytes 将消息负载统一为 JSON 字节
//
// 本地传输直接透传 Go 值，网络传输解码后为 json.RawMessage，两者在此归一。
func PayloadBytes(msg IMessage) ([]byte, error) {
	switch p := msg.GetPayload().(type) {
	case nil:
		return nil, fmt.Errorf("message %s has empty payload", msg.GetID())
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
