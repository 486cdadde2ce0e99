// Package classify maps heterogeneous upstream failures into the
// caller-facing error taxonomy.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"
)

// Category is the caller-facing error class.
type Category string

const (
	Authentication      Category = "authentication"
	RateLimited         Category = "rate_limited"
	InvalidRequest      Category = "invalid_request"
	UpstreamUnavailable Category = "upstream_unavailable"
	Timeout             Category = "timeout"
	Internal            Category = "internal"
)

// Envelope is the terminal classification of one failure. The core never
// retries an envelope; retry policy lives with the caller of the dispatcher.
type Envelope struct {
	Category   Category
	Message    string
	StatusCode int
}

// ErrorType renders the category as an Anthropic-style error type string.
func (e Envelope) ErrorType() string {
	switch e.Category {
	case Authentication:
		return "authentication_error"
	case RateLimited:
		return "rate_limit_error"
	case InvalidRequest:
		return "invalid_request_error"
	case UpstreamUnavailable:
		return "api_error"
	case Timeout:
		return "timeout_error"
	default:
		return "api_error"
	}
}

// HTTPStatus is the status code used on the synchronous response path.
func (e Envelope) HTTPStatus() int {
	switch e.Category {
	case Authentication:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case InvalidRequest:
		return http.StatusBadRequest
	case UpstreamUnavailable:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// UpstreamError carries an upstream HTTP status and response body so the
// classifier can inspect the explicit code before falling back to keywords.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, body)
}

var secretPattern = regexp.MustCompile(`(?i)\b(?:sk|ms|key|bearer|token)[-_ ]?[A-Za-z0-9][A-Za-z0-9._\-]{7,}`)

// Classify maps any failure to an Envelope. Total: it never panics and
// unrecognized failures land in the Internal catch-all.
func Classify(err error) Envelope {
	if err == nil {
		return Envelope{Category: Internal, Message: "unknown upstream failure"}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Envelope{Category: Timeout, Message: "upstream request timed out"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Envelope{Category: Timeout, Message: "upstream request timed out"}
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return classifyStatus(upErr)
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Envelope{Category: UpstreamUnavailable, Message: "upstream connection failed"}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Envelope{Category: UpstreamUnavailable, Message: "upstream connection failed"}
	}

	return classifyText(err.Error(), 0)
}

func classifyStatus(err *UpstreamError) Envelope {
	message := sanitize(err.Body)
	switch {
	case err.StatusCode == http.StatusUnauthorized || err.StatusCode == http.StatusForbidden:
		return Envelope{Category: Authentication, Message: orDefault(message, "upstream rejected the credential"), StatusCode: err.StatusCode}
	case err.StatusCode == http.StatusTooManyRequests:
		return Envelope{Category: RateLimited, Message: orDefault(message, "upstream rate limit exceeded"), StatusCode: err.StatusCode}
	case err.StatusCode >= 400 && err.StatusCode < 500:
		return Envelope{Category: InvalidRequest, Message: orDefault(message, "upstream rejected the request"), StatusCode: err.StatusCode}
	case err.StatusCode >= 500:
		return Envelope{Category: UpstreamUnavailable, Message: orDefault(message, "upstream service unavailable"), StatusCode: err.StatusCode}
	default:
		env := classifyText(err.Body, err.StatusCode)
		env.StatusCode = err.StatusCode
		return env
	}
}

func classifyText(text string, status int) Envelope {
	lower := strings.ToLower(text)
	message := sanitize(text)
	switch {
	case containsAny(lower, "invalid api key", "invalid_api_key", "incorrect api key", "unauthorized", "authentication"):
		return Envelope{Category: Authentication, Message: message, StatusCode: status}
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "quota"):
		return Envelope{Category: RateLimited, Message: message, StatusCode: status}
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return Envelope{Category: Timeout, Message: message, StatusCode: status}
	case containsAny(lower, "connection refused", "connection reset", "no such host", "unavailable", "bad gateway"):
		return Envelope{Category: UpstreamUnavailable, Message: message, StatusCode: status}
	case containsAny(lower, "invalid request", "invalid_request", "malformed", "unsupported parameter"):
		return Envelope{Category: InvalidRequest, Message: message, StatusCode: status}
	default:
		return Envelope{Category: Internal, Message: orDefault(message, "unexpected upstream failure"), StatusCode: status}
	}
}

// sanitize produces a caller-safe message: trimmed, bounded, and with
// anything resembling a credential value redacted.
func sanitize(text string) string {
	const maxLen = 256
	text = strings.TrimSpace(text)
	text = secretPattern.ReplaceAllString(text, "[redacted]")
	if len(text) > maxLen {
		text = text[:maxLen]
	}
	return text
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsClientDisconnect reports whether err is the downstream client closing
// the connection mid-stream, which is not an upstream failure.
func IsClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "broken pipe") || strings.Contains(s, "connection reset by peer")
}
