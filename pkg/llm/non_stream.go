package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"quantumai/pkg/metrics"
)

// ChatComplete sends a blocking chat completion request, retrying
// transient failures.
func (c *client) ChatComplete(ctx context.Context, messages []Message, opts ...CallOption) (*ChatCompletionResponse, error) {
	return c.run(ctx, modeBlocking, messages, collectOptions(opts))
}

// AChatComplete starts the same request on its own goroutine and returns
// immediately. Concurrent calls never wait on one another.
func (c *client) AChatComplete(ctx context.Context, messages []Message, opts ...CallOption) *Call {
	o := collectOptions(opts)
	call := &Call{done: make(chan struct{})}
	go func() {
		defer close(call.done)
		call.resp, call.err = c.run(ctx, modeAsync, messages, o)
	}()
	return call
}

// QuickChat sends [system?, user] and returns choices[0].message.content.
// Classified errors propagate unchanged.
func (c *client) QuickChat(ctx context.Context, message string, opts ...CallOption) (string, error) {
	o := collectOptions(opts)
	msgs := make([]Message, 0, 2)
	if o.systemMessage != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: o.systemMessage})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: message})

	resp, err := c.run(ctx, modeBlocking, msgs, o)
	if err != nil {
		return "", err
	}
	content, ok := resp.Content(0)
	if !ok {
		return "", newError(KindInvalidRequest, "response has no choices[0].message.content", nil)
	}
	return content, nil
}

func (c *client) run(ctx context.Context, m mode, messages []Message, o callOptions) (*ChatCompletionResponse, error) {
	start := time.Now()
	req := c.buildRequest(messages, o, false)

	c.logger.Debug("llm request starting",
		zap.Stringer("mode", m),
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
	)

	resp, err := c.doWithRetry(ctx, m, func(ctx context.Context) (*ChatCompletionResponse, error) {
		return c.complete(ctx, m, req)
	})
	metrics.ObserveClientRequest(m.String(), outcome(err), time.Since(start))
	if err != nil {
		c.logger.Error("llm request failed",
			zap.Stringer("mode", m),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}

	c.logger.Info("llm request completed",
		zap.Stringer("mode", m),
		zap.String("model", resp.Model),
		zap.Int("choices", len(resp.Choices)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return KindOf(err).String()
}

// Call is the handle of an in-flight AChatComplete.
type Call struct {
	done chan struct{}
	resp *ChatCompletionResponse
	err  error
}

// Done is closed when the call has finished.
func (c *Call) Done() <-chan struct{} { return c.done }

// Await blocks until the call finishes or ctx is done. Giving up on ctx
// does not cancel the call; cancel the context passed to AChatComplete
// for that.
func (c *Call) Await(ctx context.Context) (*ChatCompletionResponse, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, newError(KindServiceUnavailable, "await abandoned", ctx.Err())
	}
}
