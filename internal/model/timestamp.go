package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp 为 API 时间字段：解析为 time.Time，同时保留原始 JSON 文本，
// 重新序列化时逐字写回（如 "….000-04:00" 不会变成 "…-04:00"，null 仍为 null）。
type Timestamp struct {
	time.Time
	raw []byte
}

// At 由 time.Time 构造 Timestamp，序列化使用 RFC 3339。
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if len(t.raw) > 0 {
		return t.raw, nil
	}
	return t.Time.MarshalJSON()
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = Timestamp{raw: []byte("null")}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("decode timestamp: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	t.Time = parsed
	t.raw = append([]byte(nil), b...)
	return nil
}
