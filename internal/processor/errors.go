package processor

import (
	"errors"
	"fmt"
	"net/http"
)

// RetryableError is a transient failure talking to the processing service:
// transport errors, timeouts, 429 and 5xx responses. The job is redelivered.
type RetryableError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: retryable (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: retryable: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError is a permanent failure: a 4xx rejection or a malformed
// payload. The job fails with Message and is not retried.
type TerminalError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *TerminalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: rejected (HTTP %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// IsRetryable reports whether err is (or wraps) a RetryableError.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

// IsTerminal reports whether err is (or wraps) a TerminalError.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}

// classifyStatus maps a non-2xx HTTP response to an error class.
func classifyStatus(op string, code int, body string) error {
	msg := body
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	if code == http.StatusTooManyRequests || code >= 500 {
		return &RetryableError{Op: op, StatusCode: code, Err: errors.New(msg)}
	}
	return &TerminalError{Op: op, StatusCode: code, Message: msg}
}

func malformed(op string, format string, args ...any) error {
	return &TerminalError{Op: op, Message: "malformed response: " + fmt.Sprintf(format, args...)}
}
