package engine

import "strings"

// rateLimitMarkers are the recognisable substrings a synchronous engine
// error can carry to be treated as a rate-limit error even when the
// engine never produced a streamed Result with IsRateLimitError set
// (§4.2 rate-limit detection contract).
var rateLimitMarkers = []string{
	"429",
	"quota",
	"rate limit",
	"resource_exhausted",
}

// IsRateLimitError reports whether err's message carries one of the
// markers §4.2 recognises. Matching is case-insensitive.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// DefaultRetryAfterSeconds is used when a rate-limited Result omits both
// RateLimitResetsAt and RetryAfterSeconds (§4.2).
const DefaultRetryAfterSeconds = 60
