package deadletter

import "strings"

// Classification labels an error string as transient or permanent.
type Classification string

const (
	Transient Classification = "transient"
	Permanent Classification = "permanent"
)

// transientSignatures are substrings of network and service errors that are
// worth a second delivery once the underlying outage clears. Matching is
// case-insensitive and deterministic: the same error string always classifies
// the same way.
var transientSignatures = []string{
	"connection reset",
	"connection refused",
	"connection closed",
	"broken pipe",
	"socket hang up",
	"timeout",
	"timed out",
	"econnrefused",
	"econnreset",
	"etimedout",
	"epipe",
	"eai_again",
	"no route to host",
	"temporarily unavailable",
	"service unavailable",
	"too many requests",
	"buffer full",
	"backpressure",
	"unreachable",
	"circuit breaker open",
}

// Classify labels one error string.
func Classify(errString string) Classification {
	lowered := strings.ToLower(errString)
	for _, sig := range transientSignatures {
		if strings.Contains(lowered, sig) {
			return Transient
		}
	}
	return Permanent
}
