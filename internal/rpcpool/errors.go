package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies every fallible operation's failure. The dispatcher's
// retry behavior depends on this classification.
type ErrorKind string

const (
	// KindTransientTransport recovers by retrying on another endpoint.
	KindTransientTransport ErrorKind = "transient_transport"
	// KindDefinitiveTransport is never retried.
	KindDefinitiveTransport ErrorKind = "definitive_transport"
	// KindTransportExhausted means every endpoint was tried once and failed.
	KindTransportExhausted ErrorKind = "transport_exhausted"
	// KindStaleState means a blockhash or nonce expired; retry after refresh.
	KindStaleState ErrorKind = "stale_state"
	// KindUnparseableInput is logged and counted, never propagated upward.
	KindUnparseableInput ErrorKind = "unparseable_input"
	// KindCapacityExceeded means a bounded channel was full.
	KindCapacityExceeded ErrorKind = "capacity_exceeded"
	// KindPolicyReject is a configured rule firing, not a failure.
	KindPolicyReject ErrorKind = "policy_reject"
	// KindInvariantViolation is fatal.
	KindInvariantViolation ErrorKind = "invariant_violation"
)

// ClassifiedError carries an ErrorKind alongside the underlying error.
type ClassifiedError struct {
	Kind     ErrorKind
	Endpoint string
	Err      error
}

func (e *ClassifiedError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind ErrorKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// KindOf extracts the classification. An ExhaustedError reports
// TransportExhausted; any other unclassified error counts as definitive.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return KindTransportExhausted
	}
	return KindDefinitiveTransport
}

// Retryable reports whether the dispatcher should try another endpoint.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientTransport, KindStaleState:
		return true
	default:
		return false
	}
}

// ExhaustedError is surfaced when all endpoints were tried and none
// succeeded. It retains the per-endpoint errors for diagnosis.
type ExhaustedError struct {
	Method    string
	Attempts  map[string]error
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for url, err := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", url, err))
	}
	return fmt.Sprintf("transport exhausted for %s: %s", e.Method, strings.Join(parts, "; "))
}

// classifyTransport decides transient vs definitive for a raw transport error
// plus an optional HTTP status.
func classifyTransport(err error, httpStatus int) ErrorKind {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return KindTransientTransport
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return KindTransientTransport
		}
		// Connection resets and EOFs arrive as plain errors from net/http.
		msg := err.Error()
		if strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF") ||
			strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection refused") {
			return KindTransientTransport
		}
		return KindDefinitiveTransport
	}
	if httpStatus >= 500 || httpStatus == 429 {
		return KindTransientTransport
	}
	return KindDefinitiveTransport
}

// classifyRPC maps a JSON-RPC error object onto a kind. Blockhash expiry and
// nonce errors are stale state; node-behind, timeout and overload errors are
// transient; signature verification failures are definitive.
func classifyRPC(code int, message string) ErrorKind {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "blockhash not found"),
		strings.Contains(msg, "block height exceeded"),
		strings.Contains(msg, "nonce"):
		return KindStaleState
	case strings.Contains(msg, "signature verification"),
		strings.Contains(msg, "invalid transaction"),
		strings.Contains(msg, "already processed"):
		return KindDefinitiveTransport
	case code == -32005, // node is behind
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "overloaded"):
		return KindTransientTransport
	default:
		return KindDefinitiveTransport
	}
}
