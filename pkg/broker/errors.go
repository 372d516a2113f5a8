package broker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is a broker call failure carrying enough context for retry
// classification.
type Error struct {
	HTTPStatus int
	Code       string // broker message code, e.g. KIS msg_cd
	Msg        string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker error %d (%s): %s", e.HTTPStatus, e.Code, e.Msg)
	}
	return fmt.Sprintf("broker error %d: %s", e.HTTPStatus, e.Msg)
}

var transientPatterns = []string{
	"timeout", "timed out", "connection reset", "connection refused",
	"network", "temporarily", "rate limit", "too many requests", "eof",
}

var fatalPatterns = []string{
	"unauthorized", "forbidden", "invalid", "not found", "denied",
	"expired token", "bad request", "insufficient",
}

// IsTransient classifies an error for the retry engine. 5xx and known
// network/rate-limit failures are retryable; 4xx and auth/validation
// failures are not. Unknown errors default to transient so flaky transports
// get their retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var be *Error
	if errors.As(err, &be) {
		if be.HTTPStatus == http.StatusTooManyRequests {
			return true
		}
		if be.HTTPStatus >= 400 && be.HTTPStatus < 500 {
			return false
		}
		if be.HTTPStatus >= 500 {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}
