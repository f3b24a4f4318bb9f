// Package apperr defines the error kinds used across the control plane
// (spec §7) and the substring-based classifier used to turn a raw
// provider/subprocess error message into one of them. The Kind enum and
// classification-by-substring approach are grounded on the teacher's LLM
// error taxonomy (internal/llm/errors.go: ErrorType, ClassifyError,
// Is*Message helpers).
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the error categories named in spec §7.
type Kind string

const (
	KindUserError               Kind = "user_error"
	KindStatePrecondition       Kind = "state_precondition"
	KindExternalCommandFailure  Kind = "external_command_failure"
	KindProviderContractFailure Kind = "provider_contract_failure"
	KindBudgetExceeded          Kind = "budget_exceeded"
	KindIndexTailTruncated      Kind = "index_tail_truncated"
	KindUnknown                 Kind = "unknown"
)

// Error is the control plane's typed error. Callers should prefer
// wrapping an underlying cause with Wrap rather than fmt.Errorf so the
// Kind survives up to the RPC/HTTP layer, which maps it to a response
// code (spec §7).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an apperr.Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an apperr.Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else
// KindUnknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// substring groups mirror the teacher's Is*Message pattern: provider and
// subprocess error text is unstructured, so classification is necessarily
// heuristic rather than type-based.
var (
	rateLimitMarkers = []string{"rate limit", "rate_limit", "429", "too many requests"}
	overloadMarkers  = []string{"overloaded", "server is overloaded", "503", "service unavailable"}
	authMarkers      = []string{"unauthorized", "invalid api key", "authentication failed", "401", "403"}
	budgetMarkers    = []string{"budget exceeded", "budget_exceeded", "spending limit"}
	timeoutMarkers   = []string{"context deadline exceeded", "timed out", "timeout"}
	contractMarkers  = []string{"invalid json", "malformed response", "unexpected eof", "schema validation failed", "missing required field"}
)

func containsAny(haystack string, markers []string) bool {
	lower := strings.ToLower(haystack)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsRateLimitMessage reports whether msg looks like a provider rate-limit
// rejection.
func IsRateLimitMessage(msg string) bool { return containsAny(msg, rateLimitMarkers) }

// IsOverloadedMessage reports whether msg looks like a transient
// provider-overloaded rejection.
func IsOverloadedMessage(msg string) bool { return containsAny(msg, overloadMarkers) }

// IsAuthMessage reports whether msg looks like an authentication failure.
func IsAuthMessage(msg string) bool { return containsAny(msg, authMarkers) }

// IsBudgetMessage reports whether msg looks like a budget-exceeded
// rejection.
func IsBudgetMessage(msg string) bool { return containsAny(msg, budgetMarkers) }

// IsTimeoutMessage reports whether msg looks like a timeout.
func IsTimeoutMessage(msg string) bool { return containsAny(msg, timeoutMarkers) }

// IsContractMessage reports whether msg looks like a malformed or
// contract-violating provider response (spec §4.5 app-server mode).
func IsContractMessage(msg string) bool { return containsAny(msg, contractMarkers) }

// Classify maps a raw subprocess/provider error message to a Kind,
// checked in order of specificity exactly as the teacher's ClassifyError
// does (most distinctive markers first, generic ones last).
func Classify(msg string) Kind {
	if msg == "" {
		return KindUnknown
	}
	switch {
	case IsBudgetMessage(msg):
		return KindBudgetExceeded
	case IsContractMessage(msg):
		return KindProviderContractFailure
	case IsRateLimitMessage(msg), IsOverloadedMessage(msg):
		return KindExternalCommandFailure
	case IsAuthMessage(msg):
		return KindExternalCommandFailure
	case IsTimeoutMessage(msg):
		return KindExternalCommandFailure
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether a failure of this kind should be retried
// by the job runner's bounded retry loop (spec §4.6), as opposed to
// failing the job outright.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindExternalCommandFailure, KindProviderContractFailure:
		return true
	default:
		return false
	}
}
