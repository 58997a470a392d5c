package llm

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"quantumai/pkg/metrics"
)

// StreamChat opens a streaming request and returns the live stream. It is
// never retried. The configured timeout bounds the wait for the response
// headers and every idle gap between lines afterwards.
func (c *client) StreamChat(parentCtx context.Context, messages []Message, opts ...CallOption) (*Stream, error) {
	start := time.Now()
	req := c.buildRequest(messages, collectOptions(opts), true)

	c.logger.Debug("llm stream request starting",
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
	)

	ctx, cancel := context.WithCancel(parentCtx)
	s := &Stream{
		cancel:  cancel,
		timeout: c.cfg.Timeout,
		model:   req.Model,
		logger:  c.logger,
	}
	s.idle = time.AfterFunc(c.cfg.Timeout, func() {
		s.timedOut.Store(true)
		cancel()
	})

	resp, err := c.send(ctx, modeStream, req)
	if err != nil {
		s.idle.Stop()
		cancel()
		if s.timedOut.Load() {
			err = newError(KindServiceUnavailable, "request timeout", context.DeadlineExceeded)
		}
		metrics.ObserveClientRequest(modeStream.String(), outcome(err), time.Since(start))
		c.logger.Error("llm stream connect failed",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.ObserveClientRequest(modeStream.String(), outcome(nil), time.Since(start))
	metrics.ClientActiveStreams.Inc()

	s.body = resp.Body
	s.dec = NewDecoder(resp.Body)
	s.dec.onLine = s.touch
	s.dec.onSkip = func(payload []byte, err error) {
		metrics.ClientStreamChunksTotal.WithLabelValues("skipped").Inc()
		c.logger.Debug("llm stream skipped malformed chunk",
			zap.String("payload", truncate(string(payload), 200)),
			zap.Error(err),
		)
	}
	s.touch()

	return s, nil
}

// Stream is a single-pass sequence of chunks bound to one open
// connection. Re-issuing a stream means calling StreamChat again.
type Stream struct {
	dec     *Decoder
	body    io.ReadCloser
	cancel  context.CancelFunc
	idle    *time.Timer
	timeout time.Duration

	timedOut  atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	model  string
	logger *zap.Logger
	chunks int
	err    error
}

func (s *Stream) touch() { s.idle.Reset(s.timeout) }

// Recv returns the next chunk, or io.EOF at the end of the stream. A
// transport failure mid-stream is returned as a classified error. Once
// Recv returns an error it keeps returning it. Recv must not be called
// from more than one goroutine at a time.
func (s *Stream) Recv() (StreamChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.closed.Load() {
		s.err = io.EOF
		return nil, s.err
	}

	chunk, err := s.dec.Next()
	if err == nil {
		s.chunks++
		metrics.ClientStreamChunksTotal.WithLabelValues("decoded").Inc()
		return chunk, nil
	}

	switch {
	case errors.Is(err, io.EOF):
		s.logger.Info("llm stream completed",
			zap.String("model", s.model),
			zap.Int("chunks", s.chunks),
			zap.Bool("sentinel", s.dec.Done()),
		)
		s.err = io.EOF
	case s.closed.Load():
		// The read failed because the caller closed the stream.
		s.logger.Info("llm stream closed by caller",
			zap.String("model", s.model),
			zap.Int("chunks", s.chunks),
		)
		s.err = io.EOF
	default:
		if s.timedOut.Load() {
			s.err = newError(KindServiceUnavailable, "request timeout", context.DeadlineExceeded)
		} else {
			s.err = ClassifyTransportError(err)
		}
		s.logger.Error("llm stream read failed",
			zap.String("model", s.model),
			zap.Int("chunks", s.chunks),
			zap.Error(s.err),
		)
	}
	s.Close()
	return nil, s.err
}

// All ranges over the remaining chunks and closes the stream when the loop
// ends. A failure is yielded once as the last element.
func (s *Stream) All() iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		defer s.Close()
		for {
			chunk, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Close releases the connection. It may be called more than once and from
// a goroutine other than the one calling Recv; a Recv blocked at that
// point returns io.EOF.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.idle.Stop()
		err = s.body.Close()
		s.cancel()
		metrics.ClientActiveStreams.Dec()
	})
	return err
}
