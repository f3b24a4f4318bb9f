package jobrunner

import "strings"

// ClassifyFailure maps a non-terminal attempt's stderr/error text to one
// of the four retry-policy classes, using the same substring-match idiom
// as the teacher's IsRateLimitError/IsAuthError/IsTimeoutError (grounded
// on internal/llm/errors.go), generalized to the job runner's four
// classes instead of the engine's error kinds.
func ClassifyFailure(text string) FailureClass {
	lower := strings.ToLower(text)

	switch {
	case containsAny(lower, []string{"rate limit", "429", "too many requests", "overloaded"}):
		return FailureRateLimit
	case containsAny(lower, []string{"unauthorized", "401", "403", "invalid api key", "authentication"}):
		return FailureAuth
	case containsAny(lower, []string{"permission prompt", "awaiting input", "interactive session", "needs approval"}):
		return FailureInteractive
	default:
		return FailureTransient
	}
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the runner should attempt again rather
// than finalizing the job early. Only auth failures short-circuit the
// retry loop; everything else is reported to the backpressure channel
// and retried up to the attempt cap. A preflight block is a separate
// path in the runner and never reaches this classification.
func IsRetryable(class FailureClass) bool {
	return class != FailureAuth
}
