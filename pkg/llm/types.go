package llm

import (
	"context"
	"encoding/json"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	DefaultModel       = "default"
	DefaultTemperature = 0.7
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the typed form of a request payload. Extra holds
// sampling options sent verbatim; explicit fields win on key collision.
type ChatCompletionRequest struct {
	Messages    []Message
	Model       string
	Temperature *float64
	MaxTokens   *int
	Stream      bool
	Extra       map[string]any
}

// NewChatCompletionRequest returns a request with the data-model defaults.
// Messages may be empty; the backend decides whether that is valid.
func NewChatCompletionRequest(messages []Message) *ChatCompletionRequest {
	t := DefaultTemperature
	return &ChatCompletionRequest{
		Messages:    messages,
		Model:       DefaultModel,
		Temperature: &t,
	}
}

// Payload flattens the request into the wire object.
func (r ChatCompletionRequest) Payload() map[string]any {
	out := make(map[string]any, len(r.Extra)+5)
	for k, v := range r.Extra {
		out[k] = v
	}
	msgs := r.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	out["messages"] = msgs
	out["model"] = r.Model
	if r.Temperature != nil {
		out["temperature"] = *r.Temperature
	}
	if r.MaxTokens != nil {
		out["max_tokens"] = *r.MaxTokens
	}
	if r.Stream {
		out["stream"] = true
	} else {
		delete(out, "stream")
	}
	return out
}

func (r ChatCompletionRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Payload())
}

// ChatCompletionResponse keeps choices and usage loosely typed since the
// backend schema varies by model.
type ChatCompletionResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []map[string]any `json:"choices"`
	Usage   map[string]any   `json:"usage,omitempty"`
}

// Content returns choices[i].message.content.
func (r *ChatCompletionResponse) Content(i int) (string, bool) {
	if r == nil || i < 0 || i >= len(r.Choices) {
		return "", false
	}
	msg, ok := r.Choices[i]["message"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := msg["content"].(string)
	return content, ok
}

// StreamChunk is one decoded server-sent event.
type StreamChunk map[string]any

// DeltaContent returns choices[0].delta.content, or "" if absent.
func (c StreamChunk) DeltaContent() string {
	choices, ok := c["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := delta["content"].(string)
	return s
}

type Client interface {
	ChatComplete(ctx context.Context, messages []Message, opts ...CallOption) (*ChatCompletionResponse, error)
	AChatComplete(ctx context.Context, messages []Message, opts ...CallOption) *Call
	StreamChat(ctx context.Context, messages []Message, opts ...CallOption) (*Stream, error)
	QuickChat(ctx context.Context, message string, opts ...CallOption) (string, error)
	Close() error
}
