package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) (*client, *sleepRecorder) {
	t.Helper()

	cfg := Config{
		BaseURL: baseURL,
		APIKey:  "test-key",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	cl, err := NewClient(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c := cl.(*client)
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func writeCompletion(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": time.Unix(1_700_000_000, 0).Unix(),
		"model":   "gpt-4",
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": RoleAssistant, "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "   ", "\t\n"} {
		_, err := NewClient(Config{APIKey: key}, zaptest.NewLogger(t))
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("api key %q: expected authentication error, got %v", key, err)
		}
		if !errors.Is(err, ErrLLMClient) {
			t.Fatalf("api key %q: error must match the base kind", key)
		}
	}
}

func TestNewClientDefaults(t *testing.T) {
	t.Parallel()

	headers := map[string]string{"X-Team": "a"}
	cl, err := NewClient(Config{APIKey: "k", AdditionalHeaders: headers}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer cl.Close()

	c := cl.(*client)
	if c.cfg.BaseURL != DefaultBaseURL {
		t.Fatalf("unexpected base url: %s", c.cfg.BaseURL)
	}
	if c.cfg.DefaultModel != DefaultModel {
		t.Fatalf("unexpected default model: %s", c.cfg.DefaultModel)
	}
	if c.cfg.Timeout != 30*time.Second {
		t.Fatalf("unexpected timeout: %s", c.cfg.Timeout)
	}
	if c.cfg.Retry != DefaultRetryPolicy() {
		t.Fatalf("unexpected retry policy: %+v", c.cfg.Retry)
	}

	headers["X-Team"] = "b"
	if c.cfg.AdditionalHeaders["X-Team"] != "a" {
		t.Fatalf("client config must not alias caller headers")
	}
}

func TestChatCompleteSuccess(t *testing.T) {
	t.Parallel()

	var gotReq map[string]any
	var gotHeader http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}

		gotHeader = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}

		writeCompletion(t, w, "response")
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL+"/v1/", func(cfg *Config) {
		cfg.DefaultModel = "house-model"
	})

	resp, err := c.ChatComplete(context.Background(),
		[]Message{{Role: RoleUser, Content: "ping"}},
		WithTemperature(0.3),
		WithMaxTokens(50),
		WithOption("top_p", 0.9),
		WithOption("stream", true),
	)
	if err != nil {
		t.Fatalf("ChatComplete: %v", err)
	}

	if got := gotHeader.Get("Authorization"); got != "Bearer test-key" {
		t.Fatalf("unexpected Authorization header: %s", got)
	}
	if got := gotHeader.Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected Content-Type header: %s", got)
	}
	if got := gotHeader.Get("User-Agent"); got != userAgent {
		t.Fatalf("unexpected User-Agent header: %s", got)
	}
	if _, ok := gotReq["stream"]; ok {
		t.Fatalf("non-stream request must not carry stream: %#v", gotReq)
	}
	if gotReq["model"] != "house-model" {
		t.Fatalf("expected client default model, got %v", gotReq["model"])
	}
	if gotReq["temperature"] != 0.3 || gotReq["max_tokens"] != float64(50) || gotReq["top_p"] != 0.9 {
		t.Fatalf("sampling options not passed through: %#v", gotReq)
	}
	msgs, _ := gotReq["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("unexpected request messages: %#v", gotReq["messages"])
	}

	if resp.ID != "chatcmpl-1" || resp.Object != "chat.completion" || resp.Created != 1_700_000_000 {
		t.Fatalf("unexpected response envelope: %#v", resp)
	}
	if content, _ := resp.Content(0); content != "response" {
		t.Fatalf("unexpected response message: %#v", resp.Choices[0])
	}
	if resp.Usage["total_tokens"] != float64(5) {
		t.Fatalf("usage not mapped: %#v", resp.Usage)
	}
}

func TestChatCompleteModelOverrideAndEmptyMessages(t *testing.T) {
	t.Parallel()

	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		writeCompletion(t, w, "ok")
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)

	if _, err := c.ChatComplete(context.Background(), nil, WithModel("override")); err != nil {
		t.Fatalf("ChatComplete: %v", err)
	}
	if gotReq["model"] != "override" {
		t.Fatalf("per-call model must win, got %v", gotReq["model"])
	}
	msgs, ok := gotReq["messages"].([]any)
	if !ok || len(msgs) != 0 {
		t.Fatalf("empty conversation must be sent as [], got %#v", gotReq["messages"])
	}
	if _, ok := gotReq["temperature"]; ok {
		t.Fatalf("temperature must only be sent when set: %#v", gotReq)
	}
}

func TestAdditionalHeadersOverrideDefaults(t *testing.T) {
	t.Parallel()

	var gotAuth, gotTeam string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTeam = r.Header.Get("X-Team")
		writeCompletion(t, w, "ok")
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.AdditionalHeaders = map[string]string{"Authorization": "X", "X-Team": "core"}
	})

	if _, err := c.ChatComplete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err != nil {
		t.Fatalf("ChatComplete: %v", err)
	}
	if gotAuth != "X" {
		t.Fatalf("additional header must override bearer, got %q", gotAuth)
	}
	if gotTeam != "core" {
		t.Fatalf("additional header missing, got %q", gotTeam)
	}
}

func TestChatCompleteStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   int
		want     error
		attempts int32
	}{
		{http.StatusUnauthorized, ErrAuthentication, 1},
		{http.StatusTooManyRequests, ErrRateLimit, 3},
		{http.StatusServiceUnavailable, ErrServiceUnavailable, 3},
		{http.StatusBadRequest, ErrInvalidRequest, 1},
		{http.StatusNotFound, ErrInvalidRequest, 1},
		{http.StatusInternalServerError, ErrInvalidRequest, 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			}))
			defer srv.Close()

			c, rec := newTestClient(t, srv.URL, nil)

			_, err := c.ChatComplete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var cerr *Error
			if !errors.As(err, &cerr) || cerr.StatusCode != tt.status || cerr.Message != "nope" {
				t.Fatalf("unexpected classified error: %#v", err)
			}
			if got := calls.Load(); got != tt.attempts {
				t.Fatalf("expected %d attempts, got %d", tt.attempts, got)
			}
			if len(rec.recorded()) != int(tt.attempts)-1 {
				t.Fatalf("unexpected backoff waits: %v", rec.recorded())
			}
		})
	}
}

func TestChatCompleteRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeCompletion(t, w, "finally")
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, nil)

	resp, err := c.ChatComplete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("ChatComplete: %v", err)
	}
	if content, _ := resp.Content(0); content != "finally" {
		t.Fatalf("unexpected content: %q", content)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	waits := rec.recorded()
	if len(waits) != 2 || waits[0] != 4*time.Second || waits[1] != 4*time.Second {
		t.Fatalf("unexpected backoff waits: %v", waits)
	}
}

func TestChatCompleteInvalidJSONBody(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)

	_, err := c.ChatComplete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("invalid JSON must not be retried, got %d attempts", calls.Load())
	}

	_, err = c.AChatComplete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}).Await(context.Background())
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("async: expected invalid request error, got %v", err)
	}
}

func TestChatCompleteTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Timeout = 20 * time.Millisecond
	})

	_, err := c.ChatComplete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout cause must be preserved, got %v", err)
	}
	if len(rec.recorded()) != 2 {
		t.Fatalf("timeouts must be retried, waits: %v", rec.recorded())
	}
}

func TestConnectionRefusedAllModes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := newTestClient(t, url, nil)
	msgs := []Message{{Role: RoleUser, Content: "hi"}}

	if _, err := c.ChatComplete(context.Background(), msgs); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("blocking: expected service unavailable, got %v", err)
	}
	if _, err := c.AChatComplete(context.Background(), msgs).Await(context.Background()); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("async: expected service unavailable, got %v", err)
	}
	if _, err := c.StreamChat(context.Background(), msgs); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("stream: expected service unavailable, got %v", err)
	}
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := c.ChatComplete(ctx, []Message{{Role: RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("last classified error must be returned, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls.Load())
	}
}

func TestAChatCompleteConcurrent(t *testing.T) {
	t.Parallel()

	var arrived atomic.Int32
	release := make(chan struct{})
	var releaseOnce sync.Once

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []Message `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		// Neither call answers until both are in flight.
		if arrived.Add(1) == 2 {
			releaseOnce.Do(func() { close(release) })
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeCompletion(t, w, "echo:"+req.Messages[0].Content)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)

	first := c.AChatComplete(context.Background(), []Message{{Role: RoleUser, Content: "a"}})
	second := c.AChatComplete(context.Background(), []Message{{Role: RoleUser, Content: "b"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for want, call := range map[string]*Call{"echo:a": first, "echo:b": second} {
		resp, err := call.Await(ctx)
		if err != nil {
			t.Fatalf("Await: %v", err)
		}
		if content, _ := resp.Content(0); content != want {
			t.Fatalf("expected %q, got %q", want, content)
		}
	}

	select {
	case <-first.Done():
	default:
		t.Fatalf("Done must be closed after Await returned")
	}
}

func TestCallAwaitAbandoned(t *testing.T) {
	t.Parallel()

	call := &Call{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := call.Await(ctx)
	if !errors.Is(err, ErrServiceUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected abandoned await error: %v", err)
	}
}

func TestQuickChat(t *testing.T) {
	t.Parallel()

	var gotReq struct {
		Messages []Message `json:"messages"`
		Model    string    `json:"model"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		writeCompletion(t, w, "terse answer")
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)

	got, err := c.QuickChat(context.Background(), "hi", WithSystemMessage("be terse"), WithModel("m1"))
	if err != nil {
		t.Fatalf("QuickChat: %v", err)
	}
	if got != "terse answer" {
		t.Fatalf("unexpected content: %q", got)
	}

	want := []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hi"},
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0] != want[0] || gotReq.Messages[1] != want[1] {
		t.Fatalf("unexpected conversation: %#v", gotReq.Messages)
	}
	if gotReq.Model != "m1" {
		t.Fatalf("unexpected model: %s", gotReq.Model)
	}

	if _, err := c.QuickChat(context.Background(), "solo"); err != nil {
		t.Fatalf("QuickChat without system: %v", err)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != RoleUser {
		t.Fatalf("expected a single user message, got %#v", gotReq.Messages)
	}
}

func TestQuickChatPropagatesErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Authorization"), "bad") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *Config) { cfg.APIKey = "bad-key" })
	if _, err := c.QuickChat(context.Background(), "hi"); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}

	c, _ = newTestClient(t, srv.URL, nil)
	if _, err := c.QuickChat(context.Background(), "hi"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request for missing choices, got %v", err)
	}
}
