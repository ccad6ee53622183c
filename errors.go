package chatflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTurnInProgress rejects a send while another turn is running.
	ErrTurnInProgress = errors.New("chatflow: turn already in progress")
	// ErrEmptyMessage rejects a send with no content.
	ErrEmptyMessage = errors.New("chatflow: empty message")
	// ErrRequestLimit stops a turn whose follow-up requests exceeded the
	// configured maximum.
	ErrRequestLimit = errors.New("chatflow: request limit reached")
)

// ErrLLM is a malformed or rejected exchange with the model backend.
type ErrLLM struct {
	Transport string
	Message   string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Transport, e.Message)
}

// ErrHTTP is a non-success HTTP response from the backend.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header; 0 if absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header given in delta-seconds or as an
// HTTP date. Unparseable or past values yield 0.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// TurnError aggregates the failures of one turn: the primary failure first,
// then every cleanup failure in the order the cleanups ran.
type TurnError struct {
	Errors []error
}

func (e *TurnError) Error() string {
	var b strings.Builder
	b.WriteString("errors occurred during turn lifecycle")
	for _, err := range e.Errors {
		b.WriteString("\n\t")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e *TurnError) Unwrap() []error { return e.Errors }

// joinTurnErrors returns nil, the single error, or a *TurnError.
func joinTurnErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return &TurnError{Errors: errs}
}
