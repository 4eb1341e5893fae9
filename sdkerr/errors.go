// Package sdkerr defines the structured error taxonomy shared by every
// subsystem of the SDK. Errors carry a kind, a severity and a context map
// so surfaced failures are actionable without string matching.
package sdkerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	KindConnection    Kind = "connection"
	KindParse         Kind = "parse"
	KindSubscription  Kind = "subscription"
	KindSequence      Kind = "sequence"
	KindBook          Kind = "book"
	KindBackpressure  Kind = "backpressure"
	KindConfiguration Kind = "configuration"
	KindRateLimit     Kind = "rate_limit"
	KindLatency       Kind = "latency"
)

// ConnectionClass narrows a connection error.
type ConnectionClass string

const (
	ConnTransport ConnectionClass = "transport"
	ConnAuth      ConnectionClass = "auth"
	ConnProtocol  ConnectionClass = "protocol"
)

// BookReason narrows a book error.
type BookReason string

const (
	BookChecksumFail  BookReason = "checksum_fail"
	BookCrossedBook   BookReason = "crossed_book"
	BookStaleSnapshot BookReason = "stale_snapshot"
)

// Severity orders errors by operational impact.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Error is the structured SDK error.
type Error struct {
	Kind          Kind
	Severity      Severity
	Message       string
	Context       map[string]string
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		b.WriteString(" (")
		first := true
		for _, k := range sortedKeys(e.Context) {
			if !first {
				b.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on kind so callers can use errors.Is with kind sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
	}
	return false
}

// With returns a copy of the error with an added context entry.
func (e *Error) With(key, value string) *Error {
	c := &Error{
		Kind:          e.Kind,
		Severity:      e.Severity,
		Message:       e.Message,
		CorrelationID: e.CorrelationID,
		cause:         e.cause,
		Context:       make(map[string]string, len(e.Context)+1),
	}
	for k, v := range e.Context {
		c.Context[k] = v
	}
	c.Context[key] = value
	return c
}

// WithCorrelation returns a copy tagged with the reconnect-cycle id.
func (e *Error) WithCorrelation(id string) *Error {
	c := e.With("correlation_id", id)
	c.CorrelationID = id
	return c
}

func newError(kind Kind, sev Severity, msg string, cause error) *Error {
	return &Error{Kind: kind, Severity: sev, Message: msg, cause: cause, Context: map[string]string{}}
}

// Connection builds a connection-class error. Auth failures are critical,
// the rest are recoverable transport problems.
func Connection(class ConnectionClass, msg string, cause error) *Error {
	sev := SeverityMedium
	if class == ConnAuth {
		sev = SeverityCritical
	}
	e := newError(KindConnection, sev, msg, cause)
	e.Context["class"] = string(class)
	return e
}

// Parse builds a single-frame parse error. Always low severity; the
// pipeline continues.
func Parse(field, rawPrefix string, cause error) *Error {
	e := newError(KindParse, SeverityLow, "failed to parse message", cause)
	if field != "" {
		e.Context["field"] = field
	}
	if rawPrefix != "" {
		e.Context["raw_prefix"] = rawPrefix
	}
	return e
}

// Subscription builds a subscription rejection error.
func Subscription(channel, reason string) *Error {
	e := newError(KindSubscription, SeverityMedium, "subscription failed", nil)
	e.Context["channel"] = channel
	e.Context["reason"] = reason
	return e
}

// Sequence builds a gap error for a (symbol, channel) stream.
func Sequence(symbol string, expected, received uint64) *Error {
	e := newError(KindSequence, SeverityMedium, "sequence gap detected", nil)
	e.Context["symbol"] = symbol
	e.Context["expected"] = fmt.Sprintf("%d", expected)
	e.Context["received"] = fmt.Sprintf("%d", received)
	return e
}

// Book builds a book invalidation error. Book invalidation is high
// severity; downstream data for the symbol is stale until resync.
func Book(symbol string, reason BookReason) *Error {
	e := newError(KindBook, SeverityHigh, "order book invalidated", nil)
	e.Context["symbol"] = symbol
	e.Context["reason"] = string(reason)
	return e
}

// Backpressure builds a flow-control error.
func Backpressure(msg string) *Error {
	return newError(KindBackpressure, SeverityLow, msg, nil)
}

// Configuration builds a construction-time validation error.
func Configuration(msg string) *Error {
	return newError(KindConfiguration, SeverityCritical, msg, nil)
}

// RateLimit builds a rate-limit exceeded error.
func RateLimit(msg string) *Error {
	return newError(KindRateLimit, SeverityLow, msg, nil)
}

// Latency builds a latency threshold breach error.
func Latency(alertType, channel, symbol string, value, threshold string) *Error {
	e := newError(KindLatency, SeverityLow, "latency threshold exceeded", nil)
	e.Context["type"] = alertType
	e.Context["channel"] = channel
	e.Context["symbol"] = symbol
	e.Context["value"] = value
	e.Context["threshold"] = threshold
	return e
}

// TruncateRaw shortens a raw payload for inclusion in parse errors so logs
// stay bounded.
func TruncateRaw(raw string) string {
	const max = 128
	if len(raw) <= max {
		return raw
	}
	return raw[:max] + "..."
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
