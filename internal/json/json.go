package json

import (
	stdjson "encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

// RawMessage 与标准库的 json.RawMessage 保持同一类型。
type RawMessage = stdjson.RawMessage

// 本包是 bytedance/sonic 的统一门面。
// WebSocket 消息路径上的编解码均应经由本包，避免散落的 JSON 库选择。

var (
	api = sonic.ConfigStd
)

// Marshal 将 v 序列化为 JSON 字节。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalString 将 v 序列化为 JSON 字符串。
func MarshalString(v any) (string, error) {
	return api.MarshalToString(v)
}

// Unmarshal 将 JSON 字节反序列化到 v。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// UnmarshalString 将 JSON 字符串反序列化到 v。
func UnmarshalString(data string, v any) error {
	return api.UnmarshalFromString(data, v)
}

// NewDecoder 创建一个从 r 读取的 JSON 解码器。
func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}

// NewEncoder 创建一个写入 w 的 JSON 编码器。
func NewEncoder(w io.Writer) sonic.Encoder {
	return api.NewEncoder(w)
}
