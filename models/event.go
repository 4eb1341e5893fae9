package models

import "time"

// EventKind tags the variants of the Event union.
type EventKind string

const (
	EventTicker             EventKind = "ticker"
	EventTrade              EventKind = "trade"
	EventOrderBook          EventKind = "orderbook"
	EventOhlc               EventKind = "ohlc"
	EventStateChange        EventKind = "state_change"
	EventSubscriptionAck    EventKind = "subscription_ack"
	EventSubscriptionFailed EventKind = "subscription_failed"
	EventGapDetected        EventKind = "gap_detected"
	EventResync             EventKind = "resync"
	EventError              EventKind = "error"
)

// ConnectionPhase enumerates the connection state machine states.
type ConnectionPhase string

const (
	PhaseDisconnected   ConnectionPhase = "disconnected"
	PhaseConnecting     ConnectionPhase = "connecting"
	PhaseAuthenticating ConnectionPhase = "authenticating"
	PhaseSubscribing    ConnectionPhase = "subscribing"
	PhaseSubscribed     ConnectionPhase = "subscribed"
	PhaseResyncing      ConnectionPhase = "resyncing"
	PhaseDegraded       ConnectionPhase = "degraded"
	PhaseClosed         ConnectionPhase = "closed"
)

// ClosedReason qualifies a Closed state.
type ClosedReason string

const (
	ClosedUserRequested     ClosedReason = "user_requested"
	ClosedAuthRejected      ClosedReason = "auth_rejected"
	ClosedMaxRetriesReached ClosedReason = "max_retries_reached"
)

// ConnectionState is the observable state of the client connection,
// including the detail fields for Degraded and Closed.
type ConnectionState struct {
	Phase         ConnectionPhase `json:"phase"`
	Reason        string          `json:"reason,omitempty"`
	RetryCount    int             `json:"retry_count,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
	ClosedReason  ClosedReason    `json:"closed_reason,omitempty"`
}

// StateChange records one transition of the connection state machine.
type StateChange struct {
	From          ConnectionState `json:"from"`
	To            ConnectionState `json:"to"`
	Trigger       string          `json:"trigger"`
	CorrelationID string          `json:"correlation_id"`
	At            time.Time       `json:"at"`
}

// SubscriptionFailure describes a rejected subscription.
type SubscriptionFailure struct {
	Channel Channel `json:"channel"`
	Reason  string  `json:"reason"`
}

// GapInfo describes a detected sequence discontinuity.
type GapInfo struct {
	Symbol   string `json:"symbol"`
	Channel  string `json:"channel"`
	Expected uint64 `json:"expected"`
	Received uint64 `json:"received"`
}

// ResyncInfo describes a triggered book resync.
type ResyncInfo struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// Event is the tagged union delivered to consumers. Kind selects which
// payload pointer is set.
type Event struct {
	Kind    EventKind            `json:"kind"`
	Ticker  *TickerSample        `json:"ticker,omitempty"`
	Trade   *TradeSample         `json:"trade,omitempty"`
	Book    *BookUpdate          `json:"book,omitempty"`
	Ohlc    *OhlcBar             `json:"ohlc,omitempty"`
	State   *StateChange         `json:"state,omitempty"`
	Ack     *Channel             `json:"ack,omitempty"`
	Failure *SubscriptionFailure `json:"failure,omitempty"`
	Gap     *GapInfo             `json:"gap,omitempty"`
	Resync  *ResyncInfo          `json:"resync,omitempty"`
	Err     error                `json:"-"`
}

// Symbol returns the symbol the event concerns, empty for connection-level
// events.
func (e Event) Symbol() string {
	switch e.Kind {
	case EventTicker:
		return e.Ticker.Symbol
	case EventTrade:
		return e.Trade.Symbol
	case EventOrderBook:
		return e.Book.Symbol
	case EventOhlc:
		return e.Ohlc.Symbol
	case EventSubscriptionAck:
		return e.Ack.Symbol
	case EventSubscriptionFailed:
		return e.Failure.Channel.Symbol
	case EventGapDetected:
		return e.Gap.Symbol
	case EventResync:
		return e.Resync.Symbol
	}
	return ""
}

// ExchangeTimestamp returns the exchange timestamp carried by data events,
// zero otherwise.
func (e Event) ExchangeTimestamp() time.Time {
	switch e.Kind {
	case EventTicker:
		return e.Ticker.ExchangeTimestamp
	case EventTrade:
		return e.Trade.ExchangeTimestamp
	case EventOrderBook:
		return e.Book.ExchangeTimestamp
	case EventOhlc:
		return e.Ohlc.ExchangeTimestamp
	}
	return time.Time{}
}

// Coalescable reports whether flow control may merge this event with a
// queued one for the same (kind, symbol). Trades are never coalesced.
func (e Event) Coalescable() bool {
	return e.Kind == EventTicker || e.Kind == EventOrderBook
}
