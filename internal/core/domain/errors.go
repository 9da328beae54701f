package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoActiveConnection   = errors.New("no active connection for sink")
	ErrConnectionTimeout    = errors.New("connection attempt timed out")
	ErrConnectionSuperseded = errors.New("connection superseded by a newer attempt")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrReconnectExhausted   = errors.New("reconnect attempts exhausted")
	ErrStatsNotFound        = errors.New("no stats recorded for sink")
)

// ProtocolError is raised at the WHEP client boundary when the server
// answers with something other than the expected status, or with a
// malformed response.
type ProtocolError struct {
	Op      string
	Status  int
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("whep %s: %s (status %d)", e.Op, e.Message, e.Status)
	}
	return fmt.Sprintf("whep %s: %s", e.Op, e.Message)
}

// ErrorCategory is the closed taxonomy surfaced to external consumers.
type ErrorCategory string

const (
	ErrorCategoryNetwork  ErrorCategory = "network"
	ErrorCategoryProtocol ErrorCategory = "protocol"
	ErrorCategoryServer   ErrorCategory = "server"
	ErrorCategoryClient   ErrorCategory = "client"
)

// ClassifiedError wraps a raw connection error with the taxonomy value,
// a recoverability flag and a suggested remediation. Transient: passed to
// callbacks and discarded.
type ClassifiedError struct {
	Category    ErrorCategory `json:"category"`
	Message     string        `json:"message"`
	Recoverable bool          `json:"recoverable"`
	Suggestion  string        `json:"suggestion"`
	Cause       error         `json:"-"`
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}
