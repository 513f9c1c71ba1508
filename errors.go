package gryag

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Sentinel errors for the turn pipeline. The orchestrator is the only
// layer that translates them into user-visible text.
var (
	// ErrLLMUnavailable means the circuit is open, the call timed out,
	// or the provider is rate limited. Turns answer with a fallback.
	ErrLLMUnavailable = errors.New("llm unavailable")

	// ErrQuotaExceeded means a limiter denied the request.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrBanned means the sender is banned in this chat.
	ErrBanned = errors.New("banned")

	// ErrSchemaIncompatible means a required column failed its type
	// check at startup. Fatal.
	ErrSchemaIncompatible = errors.New("schema incompatible")

	// ErrConfigurationInvalid means the loaded configuration cannot
	// run the bot. Fatal.
	ErrConfigurationInvalid = errors.New("configuration invalid")
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // 0 when the server sent no hint
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value. Supports the
// delta-seconds form and the HTTP-date form; returns 0 when absent or
// unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
