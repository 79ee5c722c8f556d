package worker

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/averraz/pitboss/internal/config"
)

// ErrorClass buckets worker process failures for telemetry and resume
// decisions. Transient classes are safe to retry after a delay; auth and
// unknown need operator attention.
type ErrorClass string

const (
	ClassAuth      ErrorClass = "auth"
	ClassNetwork   ErrorClass = "network"
	ClassRateLimit ErrorClass = "rate_limit"
	ClassTimeout   ErrorClass = "timeout"
	ClassUnknown   ErrorClass = "unknown"
)

func (c ErrorClass) Transient() bool {
	switch c {
	case ClassNetwork, ClassRateLimit, ClassTimeout:
		return true
	}
	return false
}

// ProcessError reports a worker invocation that failed before producing
// usable output: non-zero exit, missing binary, or wall-clock cap.
type ProcessError struct {
	Worker string
	Class  ErrorClass
	Detail string
	Err    error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("worker %s failed (%s): %s", e.Worker, e.Class, e.Detail)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// BodyDecodeError reports stdout that could not be decoded under the
// configured output mode. It is retried once with the strict addendum, like
// any other malformed output.
type BodyDecodeError struct {
	Mode config.OutputMode
	Err  error
}

func (e *BodyDecodeError) Error() string {
	return fmt.Sprintf("decode %s worker output: %v", e.Mode, e.Err)
}

func (e *BodyDecodeError) Unwrap() error { return e.Err }

// ParseError is the terminal malformed-output failure: the worker got the
// strict retry and still did not produce a valid framed document. Body keeps
// the final attempt's text for the stop memo.
type ParseError struct {
	Phase  string
	Reason string
	Body   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s output unusable after strict retry: %s", e.Phase, e.Reason)
}

var rateLimitMarkers = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
}

var authMarkers = []string{
	"unauthorized",
	"authentication",
	"invalid api key",
	"credentials",
	"not logged in",
	"please log in",
	"login required",
	"token expired",
	"forbidden",
}

var networkMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"temporary failure",
	"service unavailable",
	"gateway timeout",
	"tls handshake",
}

var timeoutMarkers = []string{
	"timed out",
	"deadline exceeded",
	"request timeout",
}

// ClassifyProcessError assigns an error class from the kill signal, the error
// value, and the worker's stderr. Matching is substring-based on lowercased
// text; the first bucket that matches wins.
func ClassifyProcessError(stderr string, runErr error, timedOut bool) ErrorClass {
	if timedOut {
		return ClassTimeout
	}
	var execErr *exec.Error
	if errors.As(runErr, &execErr) {
		// Binary missing or not executable: deterministic, not worth retrying.
		return ClassUnknown
	}
	text := strings.ToLower(stderr)
	if runErr != nil {
		text += "\n" + strings.ToLower(runErr.Error())
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(text, m) {
			return ClassRateLimit
		}
	}
	for _, m := range authMarkers {
		if strings.Contains(text, m) {
			return ClassAuth
		}
	}
	for _, m := range networkMarkers {
		if strings.Contains(text, m) {
			return ClassNetwork
		}
	}
	for _, m := range timeoutMarkers {
		if strings.Contains(text, m) {
			return ClassTimeout
		}
	}
	return ClassUnknown
}
