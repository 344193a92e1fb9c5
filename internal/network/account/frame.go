package account

import (
	"github.com/lk2023060901/att-fleet-go/internal/json"
	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
)

// 账号 WebSocket 的帧格式：
//
//	出站请求：{method, path, authorization, id, content}
//	入站事件：{id:0, event, key, responseCode, content}
//	入站响应：{id:>0, event:"response", responseCode, key:"<METHOD> /ws/<path>", content}
//
// content 统一为“再序列化过一次”的 JSON 字符串（或 null/空串）。

// requestFrame 为一条出站 RPC 请求。
type requestFrame struct {
	Method        string  `json:"method"`
	Path          string  `json:"path"`
	Authorization string  `json:"authorization"`
	ID            int64   `json:"id"`
	Content       *string `json:"content"`
}

func newRequestFrame(method string, path string, bearer string, id int64, payload any) (*requestFrame, error) {
	frame := &requestFrame{
		Method:        method,
		Path:          path,
		Authorization: "Bearer " + bearer,
		ID:            id,
	}
	if payload != nil {
		content, err := json.MarshalString(payload)
		if err != nil {
			return nil, err
		}
		frame.Content = &content
	}
	return frame, nil
}

func (f *requestFrame) encode() ([]byte, error) {
	return json.Marshal(f)
}

// Message 为解析后的入站帧。
type Message struct {
	ID           int64   `json:"id"`
	Event        string  `json:"event"`
	Key          string  `json:"key"`
	ResponseCode int     `json:"responseCode"`
	Content      *string `json:"content"`
}

// frameKind 为入站帧的分类标签。
type frameKind int

const (
	frameEvent frameKind = iota
	frameResponse
	frameMigrateAck
)

// classify 判定入站帧的类别。
// 平台在迁移确认帧上不保证回填请求 id，因此迁移确认单独按 key 匹配。
func (m *Message) classify() frameKind {
	if m.Event == "response" && m.Key == "POST /ws/migrate" {
		return frameMigrateAck
	}
	if m.ID == 0 {
		return frameEvent
	}
	return frameResponse
}

// HasContent 返回帧是否携带 content 字段。
func (m *Message) HasContent() bool {
	return m.Content != nil
}

// DecodeContent 将 content 字符串中的 JSON 解码到 v。
// 空串视为空载荷，不做解码。
func (m *Message) DecodeContent(v any) error {
	if m.Content == nil {
		return merr.WrapErrFrameInvalid("frame has no content")
	}
	if *m.Content == "" {
		return nil
	}
	return json.UnmarshalString(*m.Content, v)
}

func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, merr.WrapErrFrameInvalid(err.Error())
	}
	return &m, nil
}

// Response 为一次 RPC 的终态结果，交付给 Send 的调用方。
type Response struct {
	ID           int64
	Key          string
	ResponseCode int
	Content      string
}

// Decode 将响应载荷解码到 v；空载荷直接返回。
func (r *Response) Decode(v any) error {
	if r.Content == "" {
		return nil
	}
	return json.UnmarshalString(r.Content, v)
}

func responseFromMessage(m *Message) *Response {
	resp := &Response{
		ID:           m.ID,
		Key:          m.Key,
		ResponseCode: m.ResponseCode,
	}
	if m.Content != nil {
		resp.Content = *m.Content
	}
	return resp
}
