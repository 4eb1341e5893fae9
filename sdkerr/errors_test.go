package sdkerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSeverityMapping(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want Severity
	}{
		{"transport connection", Connection(ConnTransport, "dial failed", nil), SeverityMedium},
		{"protocol connection", Connection(ConnProtocol, "bad frame", nil), SeverityMedium},
		{"auth connection", Connection(ConnAuth, "rejected", nil), SeverityCritical},
		{"parse", Parse("price", "raw", nil), SeverityLow},
		{"subscription", Subscription("ticker|BTC/USD", "not supported"), SeverityMedium},
		{"sequence", Sequence("BTC/USD", 4, 5), SeverityMedium},
		{"book checksum", Book("BTC/USD", BookChecksumFail), SeverityHigh},
		{"book crossed", Book("BTC/USD", BookCrossedBook), SeverityHigh},
		{"backpressure", Backpressure("queue full"), SeverityLow},
		{"configuration", Configuration("bad endpoint"), SeverityCritical},
		{"rate limit", RateLimit("throttled"), SeverityLow},
		{"latency", Latency("network", "ticker", "BTC/USD", "80ms", "50ms"), SeverityLow},
	}
	for _, tc := range cases {
		if tc.err.Severity != tc.want {
			t.Errorf("%s: severity = %s, want %s", tc.name, tc.err.Severity, tc.want)
		}
	}
}

func TestSeverityString(t *testing.T) {
	cases := map[Severity]string{
		SeverityLow:      "low",
		SeverityMedium:   "medium",
		SeverityHigh:     "high",
		SeverityCritical: "critical",
		Severity(42):     "unknown",
	}
	for sev, want := range cases {
		if got := sev.String(); got != want {
			t.Errorf("Severity(%d).String() = %q, want %q", sev, got, want)
		}
	}
}

func TestIsMatchesOnKind(t *testing.T) {
	err := Book("BTC/USD", BookChecksumFail)

	if !errors.Is(err, &Error{Kind: KindBook}) {
		t.Error("kind sentinel with empty message should match")
	}
	if errors.Is(err, &Error{Kind: KindParse}) {
		t.Error("different kind must not match")
	}
	if !errors.Is(err, &Error{Kind: KindBook, Message: "order book invalidated"}) {
		t.Error("matching kind and message should match")
	}
	if errors.Is(err, &Error{Kind: KindBook, Message: "something else"}) {
		t.Error("mismatched message must not match")
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := Connection(ConnTransport, "connection lost", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the wrapped cause")
	}
	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap = %v, want %v", errors.Unwrap(err), cause)
	}
	wrapped := fmt.Errorf("outer: %w", err)
	var sdkErr *Error
	if !errors.As(wrapped, &sdkErr) || sdkErr.Kind != KindConnection {
		t.Error("errors.As should find the sdk error through wrapping")
	}
}

func TestWithCopiesWithoutMutating(t *testing.T) {
	base := Sequence("BTC/USD", 4, 5)
	derived := base.With("channel", "book-10")

	if base == derived {
		t.Fatal("With must return a copy")
	}
	if _, ok := base.Context["channel"]; ok {
		t.Error("With mutated the original context")
	}
	if derived.Context["channel"] != "book-10" {
		t.Errorf("derived context: %v", derived.Context)
	}
	// Original fields carry over.
	if derived.Kind != base.Kind || derived.Severity != base.Severity || derived.Message != base.Message {
		t.Errorf("derived lost fields: %+v", derived)
	}
	if derived.Context["expected"] != "4" || derived.Context["received"] != "5" {
		t.Errorf("derived lost inherited context: %v", derived.Context)
	}
}

func TestWithCorrelation(t *testing.T) {
	err := Parse("price", "raw", nil).WithCorrelation("cycle-abc")

	if err.CorrelationID != "cycle-abc" {
		t.Errorf("correlation id = %q", err.CorrelationID)
	}
	if err.Context["correlation_id"] != "cycle-abc" {
		t.Errorf("context: %v", err.Context)
	}
}

func TestErrorStringFormat(t *testing.T) {
	cause := errors.New("eof")
	err := Connection(ConnTransport, "connection lost", cause).
		With("endpoint", "wss://example.test/")

	s := err.Error()
	if !strings.HasPrefix(s, "connection: connection lost") {
		t.Errorf("prefix: %s", s)
	}
	// Context keys render sorted.
	if strings.Index(s, "class=") > strings.Index(s, "endpoint=") {
		t.Errorf("context keys not sorted: %s", s)
	}
	if !strings.Contains(s, "eof") {
		t.Errorf("cause missing: %s", s)
	}
}

func TestBookAndSequenceContext(t *testing.T) {
	bookErr := Book("BTC/USD", BookCrossedBook)
	if bookErr.Context["symbol"] != "BTC/USD" || bookErr.Context["reason"] != string(BookCrossedBook) {
		t.Errorf("book context: %v", bookErr.Context)
	}
	seqErr := Sequence("ETH/USD", 10, 15)
	if seqErr.Context["expected"] != "10" || seqErr.Context["received"] != "15" {
		t.Errorf("sequence context: %v", seqErr.Context)
	}
}

func TestTruncateRaw(t *testing.T) {
	short := strings.Repeat("a", 128)
	if got := TruncateRaw(short); got != short {
		t.Errorf("128-byte input must pass through unchanged, got %d bytes", len(got))
	}
	long := strings.Repeat("b", 129)
	got := TruncateRaw(long)
	if got != long[:128]+"..." {
		t.Errorf("truncation = %d bytes, want 128 + ellipsis", len(got))
	}
	if TruncateRaw("") != "" {
		t.Error("empty input must stay empty")
	}
}
