package natsjetstream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"accesssaga/errors"
	"accesssaga/messaging"
)

// 消息头
//
// 消息体只放负载 JSON；ID 复用 Nats-Msg-Id 以便服务端去重，
// 字符串元数据逐项放入 Saga-M-<key>，其余元数据合并为一个 JSON 头。
const (
	headerType     = "Saga-Type"
	headerTime     = "Saga-Timestamp"
	headerMetaJSON = "Saga-Meta"
	headerMetaPref = "Saga-M-"
)

func newWireMsg(subject string, msg messaging.IMessage) (*nats.Msg, error) {
	data := []byte("null")
	if msg.GetPayload() != nil {
		var err error
		if data, err = messaging.PayloadBytes(msg); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "消息负载无法编码").
				WithContext("message_id", msg.GetID())
		}
	}
	ts := msg.GetTimestamp()
	if ts.IsZero() {
		ts = time.Now()
	}

	out := nats.NewMsg(subject)
	out.Data = data
	if id := msg.GetID(); id != "" {
		out.Header.Set(nats.MsgIdHdr, id)
	}
	out.Header.Set(headerType, msg.GetType())
	out.Header.Set(headerTime, strconv.FormatInt(ts.UnixNano(), 10))

	rest := make(map[string]any)
	for k, v := range msg.GetMetadata() {
		if s, ok := v.(string); ok {
			out.Header.Set(headerMetaPref+k, s)
			continue
		}
		rest[k] = v
	}
	if len(rest) > 0 {
		raw, err := json.Marshal(rest)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "消息元数据无法编码").
				WithContext("message_id", msg.GetID())
		}
		out.Header.Set(headerMetaJSON, string(raw))
	}
	return out, nil
}

// parseWireMsg 还原消息，负载保持为 json.RawMessage 交由上层按类型解码
func parseWireMsg(m *nats.Msg) (*messaging.Message, error) {
	if len(m.Data) > 0 && !json.Valid(m.Data) {
		return nil, errors.NewErrorf(errors.ErrCodeInvalidInput, "nats message on %s: payload is not valid json", m.Subject)
	}

	metadata := make(map[string]any)
	if raw := m.Header.Get(headerMetaJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "消息元数据不合法").
				WithContext("subject", m.Subject)
		}
	}
	for k, vals := range m.Header {
		if name, ok := strings.CutPrefix(k, headerMetaPref); ok && len(vals) > 0 {
			metadata[name] = vals[0]
		}
	}

	msg := &messaging.Message{
		ID:        m.Header.Get(nats.MsgIdHdr),
		Type:      m.Header.Get(headerType),
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	if ns, err := strconv.ParseInt(m.Header.Get(headerTime), 10, 64); err == nil {
		msg.Timestamp = time.Unix(0, ns)
	}
	if len(m.Data) > 0 {
		msg.Payload = json.RawMessage(m.Data)
	}
	return msg, nil
}
