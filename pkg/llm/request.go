package llm

import (
	"net/http"
)

const (
	userAgent          = "LLM-Client/1.0.0"
	chatCompletionPath = "/chat/completions"
)

type callOptions struct {
	model         string
	temperature   *float64
	maxTokens     *int
	extra         map[string]any
	systemMessage string
}

// CallOption customises a single call.
type CallOption func(*callOptions)

// WithModel overrides the client's default model for one call.
func WithModel(model string) CallOption {
	return func(o *callOptions) { o.model = model }
}

func WithTemperature(t float64) CallOption {
	return func(o *callOptions) { o.temperature = &t }
}

func WithMaxTokens(n int) CallOption {
	return func(o *callOptions) { o.maxTokens = &n }
}

// WithOption passes an arbitrary sampling option through verbatim.
func WithOption(key string, value any) CallOption {
	return func(o *callOptions) {
		if o.extra == nil {
			o.extra = make(map[string]any)
		}
		o.extra[key] = value
	}
}

// WithOptions passes every entry of opts through verbatim.
func WithOptions(opts map[string]any) CallOption {
	return func(o *callOptions) {
		for k, v := range opts {
			WithOption(k, v)(o)
		}
	}
}

// WithSystemMessage sets the system prompt used by QuickChat. Other
// operations ignore it.
func WithSystemMessage(msg string) CallOption {
	return func(o *callOptions) { o.systemMessage = msg }
}

func collectOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// buildRequest resolves the model and assembles the payload. Message
// content is passed through unchecked.
func (c *client) buildRequest(messages []Message, o callOptions, stream bool) ChatCompletionRequest {
	model := o.model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	return ChatCompletionRequest{
		Messages:    messages,
		Model:       model,
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		Stream:      stream,
		Extra:       o.extra,
	}
}

// buildHeaders returns the default headers overlaid with the configured
// additional headers; the caller's values win.
func (c *client) buildHeaders(stream bool) http.Header {
	h := make(http.Header, 4+len(c.cfg.AdditionalHeaders))
	h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)
	if stream {
		h.Set("Accept", "text/event-stream")
	}
	for k, v := range c.cfg.AdditionalHeaders {
		h.Set(k, v)
	}
	return h
}

func (c *client) endpoint() string {
	return c.cfg.BaseURL + chatCompletionPath
}
