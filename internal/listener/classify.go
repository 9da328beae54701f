package listener

import (
	"errors"
	"strings"

	"sinklisten/internal/core/domain"
)

// Classify buckets a raw connection error into the UI-facing taxonomy.
// Matching is substring based and intentionally coarse: the result is a
// hint for operators, never a branch condition.
func Classify(err error) *domain.ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *domain.ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	category := domain.ErrorCategoryClient
	recoverable := false
	suggestion := "inspect the listener logs for details"

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, domain.ErrConnectionTimeout),
		strings.Contains(msg, "ice"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "heartbeat"):
		category = domain.ErrorCategoryNetwork
		recoverable = true
		suggestion = "check network connectivity to the sink server"
	case strings.Contains(msg, "404"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "gone"):
		category = domain.ErrorCategoryServer
		suggestion = "verify the sink exists on the server"
	case strings.Contains(msg, "whep"),
		strings.Contains(msg, "sdp"):
		category = domain.ErrorCategoryProtocol
		suggestion = "restart the listener; the server may speak an incompatible whep dialect"
	}

	return &domain.ClassifiedError{
		Category:    category,
		Message:     err.Error(),
		Recoverable: recoverable,
		Suggestion:  suggestion,
		Cause:       err,
	}
}
