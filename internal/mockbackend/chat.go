package mockbackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quantumai/pkg/llm"
	"quantumai/pkg/logging/logging"
)

// Request headers that script the mock's behaviour.
const (
	HeaderStatus    = "X-Mock-Status"     // error status to answer with
	HeaderFailTimes = "X-Mock-Fail-Times" // fail only the first n requests
	HeaderKey       = "X-Mock-Key"        // scopes the fail counter
	HeaderBehavior  = "X-Mock-Behavior"   // see Behavior* constants
)

const (
	BehaviorMalformedJSON  = "malformed-json"
	BehaviorMalformedChunk = "malformed-chunk"
	BehaviorEarlyClose     = "early-close"
	BehaviorSlow           = "slow"
)

// slowDelay is the pause used by BehaviorSlow before each write.
const slowDelay = 200 * time.Millisecond

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ChatHandler serves an OpenAI-compatible /chat/completions endpoint that
// echoes the last user message.
type ChatHandler struct {
	APIKey string // empty disables the auth check
	Model  string

	mu       sync.Mutex
	failures map[string]int
	now      func() time.Time
}

func NewChatHandler(apiKey, model string) *ChatHandler {
	return &ChatHandler{
		APIKey:   apiKey,
		Model:    model,
		failures: make(map[string]int),
		now:      time.Now,
	}
}

// ChatCompletion handles POST /chat/completions.
func (h *ChatHandler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	if h.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+h.APIKey {
		logger.Warn("mock_auth_rejected")
		writeError(w, http.StatusUnauthorized, "invalid API key", "authentication_error")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
		return
	}

	if status, fail := h.scriptedFailure(r); fail {
		logger.Info("mock_scripted_failure", zap.Int("status", status))
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, status, http.StatusText(status), "mock_error")
		return
	}

	model := req.Model
	if model == "" || model == llm.DefaultModel {
		model = h.Model
	}
	reply := "echo: " + lastUserContent(req.Messages)
	behavior := r.Header.Get(HeaderBehavior)

	logger.Info("mock_chat_completion",
		zap.String("model", model),
		zap.Int("message_count", len(req.Messages)),
		zap.Bool("stream", req.Stream),
		zap.String("behavior", behavior),
	)

	if behavior == BehaviorSlow && !h.pause(r) {
		return
	}

	if req.Stream {
		h.stream(w, r, model, reply, behavior)
		return
	}

	if behavior == BehaviorMalformedJSON {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "truncated`))
		return
	}

	words := strings.Fields(reply)
	resp := llm.ChatCompletionResponse{
		ID:      h.id(),
		Object:  "chat.completion",
		Created: h.now().Unix(),
		Model:   model,
		Choices: []map[string]any{{
			"index":         0,
			"message":       llm.Message{Role: llm.RoleAssistant, Content: reply},
			"finish_reason": "stop",
		}},
		Usage: map[string]any{
			"prompt_tokens":     len(req.Messages),
			"completion_tokens": len(words),
			"total_tokens":      len(req.Messages) + len(words),
		},
	}
	h.writeJSON(w, resp)
}

// stream answers with one SSE frame per word followed by [DONE].
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, model, reply, behavior string) {
	logger := logging.L(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "server_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	id := h.id()
	created := h.now().Unix()
	words := strings.Fields(reply)

	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		choice := map[string]any{"index": 0, "delta": map[string]any{"content": word}}
		if i == len(words)-1 {
			choice["finish_reason"] = "stop"
		}
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []any{choice},
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			logger.Error("marshal_chunk_error", zap.Error(err))
			return
		}

		if behavior == BehaviorSlow && i > 0 && !h.pause(r) {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		if behavior == BehaviorMalformedChunk && i == 0 {
			fmt.Fprint(w, "data: {not json\n\n")
		}
		flusher.Flush()
	}

	if behavior == BehaviorEarlyClose {
		logger.Info("mock_stream_early_close", zap.Int("chunks", len(words)))
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// scriptedFailure reports the status to fail with, if any. With
// X-Mock-Fail-Times only the first n requests per X-Mock-Key fail.
func (h *ChatHandler) scriptedFailure(r *http.Request) (int, bool) {
	raw := r.Header.Get(HeaderStatus)
	if raw == "" {
		return 0, false
	}
	status, err := strconv.Atoi(raw)
	if err != nil || status < 400 || status > 599 {
		return 0, false
	}

	times := r.Header.Get(HeaderFailTimes)
	if times == "" {
		return status, true
	}
	n, err := strconv.Atoi(times)
	if err != nil {
		return status, true
	}

	key := r.Header.Get(HeaderKey)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures[key] >= n {
		return 0, false
	}
	h.failures[key]++
	return status, true
}

// pause waits slowDelay; false means the client went away.
func (h *ChatHandler) pause(r *http.Request) bool {
	t := time.NewTimer(slowDelay)
	defer t.Stop()
	select {
	case <-r.Context().Done():
		return false
	case <-t.C:
		return true
	}
}

func (h *ChatHandler) id() string {
	return "chatcmpl-" + uuid.NewString()
}

func lastUserContent(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// writeJSON is a small helper to send JSON responses consistently.
func (h *ChatHandler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, typ string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": typ},
	})
}
