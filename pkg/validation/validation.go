package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// SinkIDRegex validates sink identifier format. Sink names come from the
// audio server and are used as path segments, so keep them conservative.
var SinkIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateSinkID validates a sink identifier
func ValidateSinkID(sinkID string) error {
	if sinkID == "" {
		return fmt.Errorf("sink ID is required")
	}
	if len(sinkID) > 100 {
		return fmt.Errorf("sink ID is too long (max 100 characters)")
	}
	if !SinkIDRegex.MatchString(sinkID) {
		return fmt.Errorf("invalid sink ID format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
