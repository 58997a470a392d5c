package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind identifies one branch of the client error taxonomy.
type Kind int

const (
	KindAuthentication Kind = iota + 1
	KindRateLimit
	KindServiceUnavailable
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication_error"
	case KindRateLimit:
		return "rate_limit_error"
	case KindServiceUnavailable:
		return "service_unavailable_error"
	case KindInvalidRequest:
		return "invalid_request_error"
	default:
		return "llm_client_error"
	}
}

// Transient reports whether errors of this kind are eligible for retry.
func (k Kind) Transient() bool {
	return k == KindRateLimit || k == KindServiceUnavailable
}

// Sentinels for errors.Is. ErrLLMClient matches every classified error.
var (
	ErrLLMClient          = errors.New("llm client error")
	ErrAuthentication     = errors.New("authentication error")
	ErrRateLimit          = errors.New("rate limit error")
	ErrServiceUnavailable = errors.New("service unavailable error")
	ErrInvalidRequest     = errors.New("invalid request error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindAuthentication:
		return ErrAuthentication
	case KindRateLimit:
		return ErrRateLimit
	case KindServiceUnavailable:
		return ErrServiceUnavailable
	case KindInvalidRequest:
		return ErrInvalidRequest
	default:
		return ErrLLMClient
	}
}

// Error is the single classified error type returned by the client.
type Error struct {
	Kind       Kind
	StatusCode int           // 0 when no HTTP response was received
	Message    string
	Body       string        // truncated upstream body, if any
	RetryAfter time.Duration // parsed Retry-After header, informational
	Err        error         // underlying transport cause
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("llmclient: ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel and the ErrLLMClient base.
func (e *Error) Is(target error) bool {
	return target == ErrLLMClient || target == e.Kind.sentinel()
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf returns the kind of a classified error, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTransient reports whether err is a classified rate-limit or
// service-unavailable error.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// KindForStatus maps an HTTP status to an error kind. It returns 0 for
// statuses below 400.
func KindForStatus(status int) Kind {
	switch {
	case status < 400:
		return 0
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusServiceUnavailable:
		return KindServiceUnavailable
	default:
		return KindInvalidRequest
	}
}

// ClassifyStatus turns an HTTP status and body into a classified error.
// It returns nil for statuses below 400.
func ClassifyStatus(status int, body []byte) *Error {
	kind := KindForStatus(status)
	if kind == 0 {
		return nil
	}

	e := &Error{
		Kind:       kind,
		StatusCode: status,
		Body:       truncate(string(body), 200),
	}

	var perr providerErrorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		e.Message = perr.Error.Message
		return e
	}

	switch kind {
	case KindAuthentication:
		e.Message = "invalid API key or authentication failed"
	case KindRateLimit:
		e.Message = "rate limit exceeded"
	case KindServiceUnavailable:
		e.Message = "service temporarily unavailable"
	default:
		e.Message = fmt.Sprintf("request failed with status %d", status)
		if e.Body != "" {
			e.Message += ": " + e.Body
		}
	}
	return e
}

// classifyResponse reads the body of a failed response and classifies it.
func classifyResponse(resp *http.Response, body []byte) *Error {
	e := ClassifyStatus(resp.StatusCode, body)
	if e != nil && e.Kind.Transient() {
		e.RetryAfter = parseRetryAfter(resp)
	}
	return e
}

// ClassifyTransportError wraps a failure of http.Client.Do or of reading a
// response body. Timeouts, refused or reset connections and cancellations
// all become ServiceUnavailableError so no raw transport error escapes.
func ClassifyTransportError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	msg := "connection error"
	if isTimeout(err) {
		msg = "request timeout"
	}
	return newError(KindServiceUnavailable, msg, err)
}

// parseRetryAfter extracts the retry delay from a Retry-After header.
// Returns 0 if header is missing or invalid.
//
// Retry-After can be:
// - Number of seconds: "120"
// - HTTP date: "Wed, 21 Oct 2015 07:28:00 GMT"
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	const maxRetryAfter = 5 * time.Minute

	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
		if seconds <= 0 {
			return 0
		}
		d := time.Duration(seconds) * time.Second
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		d := time.Until(t)
		if d <= 0 {
			return 0
		}
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d
	}

	return 0
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
