package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// mode tags the call shape sharing one transport path.
type mode int

const (
	modeBlocking mode = iota
	modeAsync
	modeStream
)

func (m mode) String() string {
	switch m {
	case modeAsync:
		return "async"
	case modeStream:
		return "stream"
	default:
		return "blocking"
	}
}

// maxErrorBody caps how much of a failed response is read for classification.
const maxErrorBody = 64 * 1024

// send issues one POST of req. On success the caller owns resp.Body; every
// failure comes back as a classified *Error.
func (c *client) send(ctx context.Context, m mode, req ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, newError(KindInvalidRequest, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindInvalidRequest, "build HTTP request", err)
	}
	httpReq.Header = c.buildHeaders(m == modeStream)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransportError(err)
	}

	if KindForStatus(resp.StatusCode) != 0 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		cerr := classifyResponse(resp, data)
		c.logger.Error("llm upstream error",
			zap.Stringer("mode", m),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", cerr.Kind.String()),
			zap.String("body", cerr.Body),
		)
		return nil, cerr
	}

	return resp, nil
}

// complete performs a single non-streaming attempt bounded by the
// configured timeout and decodes the JSON body.
func (c *client) complete(parentCtx context.Context, m mode, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.send(ctx, m, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyTransportError(err)
	}

	var out ChatCompletionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, newError(KindInvalidRequest, "invalid JSON response from server", err)
	}
	return &out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
