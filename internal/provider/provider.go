// Package provider defines the error taxonomy shared by every external
// capability adapter (embedding, vector search, web search, generation).
//
// Adapters classify raw SDK and transport errors into these sentinels so
// that the orchestration layer can decide, with errors.Is alone, whether a
// failure is transient (retry), permanent (fail the turn), or a policy
// rejection (surface to the caller).
package provider

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrUnavailable indicates the upstream provider rejected or could not
	// serve the call (rate limit, 5xx, connection refused). Transient.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrTimeout indicates the call exceeded its stage deadline. Transient.
	ErrTimeout = errors.New("provider timeout")

	// ErrContentFiltered indicates the provider refused the content for
	// policy reasons. Permanent; never retried.
	ErrContentFiltered = errors.New("content filtered")

	// ErrInputTooLarge indicates the input exceeds what the provider can
	// accept even after truncation. Permanent; never retried.
	ErrInputTooLarge = errors.New("input too large")
)

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// unavailablePatterns match provider errors that are transient capacity or
// connectivity failures. String matching is the pragmatic option here: the
// SDKs wrap HTTP errors without exported types.
var unavailablePatterns = []string{
	"rate limit",
	"quota",
	"resource exhausted",
	"internal server error",
	"service unavailable",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"overloaded",
	"unavailable",
}

// unavailableTokens anchors the bare transient markers: status codes must
// follow an HTTP context word and "eof" must stand alone, so incidental
// numbers ("row 500") or substrings do not trigger a retry.
var unavailableTokens = regexp.MustCompile(`\beof\b|(?:status|error|code|http)[ :]*(?:429|500|502|503|504)\b`)

var timeoutPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

var filteredPatterns = []string{
	"safety",
	"blocked",
	"prohibited",
	"content filter",
	"finish reason: safety",
}

// Classify maps a raw adapter error onto the taxonomy. Errors that already
// carry a sentinel pass through unchanged; context cancellation is never
// reclassified so callers can distinguish caller abort from provider failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrContentFiltered),
		errors.Is(err, ErrInputTooLarge):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrTimeout, err)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range filteredPatterns {
		if strings.Contains(msg, p) {
			return errors.Join(ErrContentFiltered, err)
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(msg, p) {
			return errors.Join(ErrTimeout, err)
		}
	}
	for _, p := range unavailablePatterns {
		if strings.Contains(msg, p) {
			return errors.Join(ErrUnavailable, err)
		}
	}
	if unavailableTokens.MatchString(msg) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}
