package record

import "strings"

// FailureClass separates rejects that are worth retrying from those that
// are definitive. Only transient failures are eligible for automatic
// re-queueing; hard and unknown failures wait for an operator.
type FailureClass string

const (
	FailureTransient FailureClass = "/transient"
	FailureHard      FailureClass = "/hard"
	FailureUnknown   FailureClass = "/unknown"
)

// transientMarkers are substrings that indicate a network/timeout shaped
// failure from the generator.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"econnreset",
	"rate limit",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"overloaded",
	"temporarily unavailable",
	"network",
	"socket hang up",
}

// hardMarkers indicate a definitive failure that retrying will not fix.
var hardMarkers = []string{
	"not found",
	"404",
	"insufficient evidence",
	"no longer available",
	"no longer active",
	"discontinued",
	"expired",
	"invalid key",
	"invalid slug",
	"empty response",
	"refused to generate",
}

// ClassifyFailure buckets a reject's error message. Hard markers win over
// transient ones: "timeout fetching page: 404 not found" is a definitive
// failure, not a retry candidate.
func ClassifyFailure(msg string) FailureClass {
	lower := strings.ToLower(msg)
	if lower == "" {
		return FailureUnknown
	}
	for _, marker := range hardMarkers {
		if strings.Contains(lower, marker) {
			return FailureHard
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return FailureTransient
		}
	}
	return FailureUnknown
}
