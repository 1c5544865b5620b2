package redisstreams

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"accesssaga/errors"
	"accesssaga/messaging"
)

// stream 条目字段
const (
	fieldID       = "id"
	fieldType     = "type"
	fieldTime     = "ts"
	fieldPayload  = "payload"
	fieldMetadata = "meta"
	// headerPrefix 提升为独立字段的元数据，XRANGE 时无需解析 meta
	headerPrefix = "h:"
)

// DefaultHeaderKeys 默认提升为独立字段的元数据键
var DefaultHeaderKeys = []string{"saga_kind", "saga_id", "step_id", "correlation_id"}

// entryCodec 消息与 stream 条目之间的转换
//
// 负载按原始 JSON 存放，解码后保持 json.RawMessage，由上层按消息类型再解码。
type entryCodec struct {
	headers map[string]bool
}

func newEntryCodec(keys []string) entryCodec {
	headers := make(map[string]bool, len(keys))
	for _, k := range keys {
		headers[k] = true
	}
	return entryCodec{headers: headers}
}

func (c entryCodec) encode(msg messaging.IMessage) (map[string]any, error) {
	payload := []byte("null")
	if msg.GetPayload() != nil {
		var err error
		if payload, err = messaging.PayloadBytes(msg); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "消息负载无法编码").
				WithContext("message_id", msg.GetID())
		}
	}
	ts := msg.GetTimestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	values := map[string]any{
		fieldID:      msg.GetID(),
		fieldType:    msg.GetType(),
		fieldTime:    ts.UnixNano(),
		fieldPayload: string(payload),
	}

	rest := make(map[string]any)
	for k, v := range msg.GetMetadata() {
		if s, ok := v.(string); ok && c.headers[k] {
			values[headerPrefix+k] = s
			continue
		}
		rest[k] = v
	}
	if len(rest) > 0 {
		meta, err := json.Marshal(rest)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "消息元数据无法编码").
				WithContext("message_id", msg.GetID())
		}
		values[fieldMetadata] = string(meta)
	}
	return values, nil
}

func (c entryCodec) decode(entry redis.XMessage) (messaging.IMessage, error) {
	str := func(key string) string {
		s, _ := entry.Values[key].(string)
		return s
	}

	payload := str(fieldPayload)
	if payload != "" && !json.Valid([]byte(payload)) {
		return nil, errors.NewErrorf(errors.ErrCodeInvalidInput, "stream entry %s: payload is not valid json", entry.ID)
	}

	metadata := make(map[string]any)
	if raw := str(fieldMetadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "stream 条目元数据不合法").
				WithContext("entry_id", entry.ID)
		}
	}
	for k, v := range entry.Values {
		if name, ok := strings.CutPrefix(k, headerPrefix); ok {
			if s, ok := v.(string); ok {
				metadata[name] = s
			}
		}
	}

	msg := &messaging.Message{
		ID:        str(fieldID),
		Type:      str(fieldType),
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	if msg.ID == "" {
		msg.ID = entry.ID
	}
	// go-redis 读回的字段都是字符串，int64 只出现在未经 Redis 的条目上
	switch v := entry.Values[fieldTime].(type) {
	case string:
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.Timestamp = time.Unix(0, ns)
		}
	case int64:
		msg.Timestamp = time.Unix(0, v)
	}
	if payload != "" {
		msg.Payload = json.RawMessage(payload)
	}
	return msg, nil
}
