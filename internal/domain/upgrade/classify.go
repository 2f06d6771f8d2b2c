package upgrade

import "strings"

// FailureClass tags a failed step attempt as safe or unsafe to retry.
type FailureClass string

const (
	// Transient failures are believed not to have durably mutated the target
	// database (network blips, not-ready, timeouts) and may be retried.
	Transient FailureClass = "transient"
	// Permanent failures may reflect a partially applied migration.
	// Retrying one risks corrupting state, so they are never retried.
	Permanent FailureClass = "permanent"
)

// Classifier decides the failure class of a step by matching captured
// process output against known signature substrings. New engine releases
// introduce new phrasing, so the tables are plain data that callers can
// replace wholesale.
type Classifier struct {
	// Permanent signatures win over transient ones when both match.
	PermanentPatterns []string
	TransientPatterns []string
}

// DefaultClassifier matches the failure signatures observed from the engine
// and container runtime to date.
func DefaultClassifier() Classifier {
	return Classifier{
		PermanentPatterns: []string{
			"invalid manifest",
			"invalid version",
			"parseerror",
			"psycopg2.errors.",
			"duplicate table",
			"already exists",
		},
		TransientPatterns: []string{
			"connection refused",
			"connection reset",
			"temporary failure",
			"name resolution",
			"timed out",
			"timeout",
			"network is unreachable",
			"no route to host",
			"service unavailable",
			"context deadline exceeded",
			"i/o timeout",
			"unexpected eof",
			"tls handshake timeout",
			"too many requests",
			"429",
			"is starting up",
			"the database system is not yet accepting connections",
		},
	}
}

// Classify inspects the captured output of a failed attempt. Output with no
// known transient signature, including empty output, is permanent: retrying
// an unknown failure is treated as unsafe.
func (c Classifier) Classify(output string) FailureClass {
	text := strings.ToLower(output)
	if strings.TrimSpace(text) == "" {
		return Permanent
	}

	for _, pattern := range c.PermanentPatterns {
		if strings.Contains(text, pattern) {
			return Permanent
		}
	}
	for _, pattern := range c.TransientPatterns {
		if strings.Contains(text, pattern) {
			return Transient
		}
	}
	return Permanent
}
