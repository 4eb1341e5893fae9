package models

import (
	"fmt"
	"strings"
	"time"
)

// ChannelKind is the logical feed type on the exchange websocket.
type ChannelKind string

const (
	ChannelTicker     ChannelKind = "ticker"
	ChannelTrade      ChannelKind = "trade"
	ChannelBook       ChannelKind = "book"
	ChannelOhlc       ChannelKind = "ohlc"
	ChannelSpread     ChannelKind = "spread"
	ChannelOwnTrades  ChannelKind = "ownTrades"
	ChannelOpenOrders ChannelKind = "openOrders"
)

// ValidBookDepths are the depth values the exchange accepts for book
// subscriptions.
var ValidBookDepths = []int{10, 25, 100, 500, 1000}

// ValidOhlcIntervals are the accepted OHLC intervals in minutes.
var ValidOhlcIntervals = []int{1, 5, 15, 30, 60, 240, 1440, 10080, 21600}

// Channel identifies a logical subscription: kind plus symbol and the
// kind-specific parameters.
type Channel struct {
	Kind     ChannelKind `json:"kind"`
	Symbol   string      `json:"symbol,omitempty"`
	Depth    int         `json:"depth,omitempty"`
	Interval int         `json:"interval,omitempty"`
}

// Private reports whether the channel requires credentials.
func (c Channel) Private() bool {
	return c.Kind == ChannelOwnTrades || c.Kind == ChannelOpenOrders
}

// Fingerprint returns the canonical identity of the channel used as the
// subscription map key.
func (c Channel) Fingerprint() string {
	var b strings.Builder
	b.WriteString(string(c.Kind))
	if c.Symbol != "" {
		b.WriteString("|")
		b.WriteString(c.Symbol)
	}
	if c.Depth > 0 {
		fmt.Fprintf(&b, "|depth=%d", c.Depth)
	}
	if c.Interval > 0 {
		fmt.Fprintf(&b, "|interval=%d", c.Interval)
	}
	return b.String()
}

// Name returns the wire channel name, e.g. "book-10" or "ohlc-5".
func (c Channel) Name() string {
	switch c.Kind {
	case ChannelBook:
		if c.Depth > 0 {
			return fmt.Sprintf("book-%d", c.Depth)
		}
		return "book"
	case ChannelOhlc:
		if c.Interval > 0 {
			return fmt.Sprintf("ohlc-%d", c.Interval)
		}
		return "ohlc"
	default:
		return string(c.Kind)
	}
}

// SubscriptionState tracks the lifecycle of a requested channel.
type SubscriptionState string

const (
	SubPending       SubscriptionState = "pending"
	SubActive        SubscriptionState = "active"
	SubFailed        SubscriptionState = "failed"
	SubUnsubscribing SubscriptionState = "unsubscribing"
)

// Subscription is the record the manager keeps per channel fingerprint.
type Subscription struct {
	Channel     Channel           `json:"channel"`
	State       SubscriptionState `json:"state"`
	RequestedAt time.Time         `json:"requested_at"`
	ConfirmedAt time.Time         `json:"confirmed_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	ReqID       int64             `json:"reqid,omitempty"`
}
