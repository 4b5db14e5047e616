package report

import (
	"context"
	"errors"
	"net"
	"strings"
)

// FailureKind classifies external-call failures for logs and metrics.
type FailureKind string

const (
	FailureRateLimit FailureKind = "rate_limit"
	FailureTimeout   FailureKind = "timeout"
	FailureNetwork   FailureKind = "network"
	FailureAPI       FailureKind = "api"
)

var (
	rateLimitMarkers = []string{"rate limit", "rate_limit", "ratelimit", "429", "too many requests", "quota"}
	timeoutMarkers   = []string{"timeout", "timed out", "deadline exceeded"}
	networkMarkers   = []string{"connection refused", "connection reset", "no such host", "network", "econnrefused", "enotfound", "eof", "broken pipe"}
)

// Classify maps an error to a failure kind, typed errors first and then by
// message content.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rateLimitMarkers):
		return FailureRateLimit
	case containsAny(msg, timeoutMarkers):
		return FailureTimeout
	case containsAny(msg, networkMarkers):
		return FailureNetwork
	default:
		return FailureAPI
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
