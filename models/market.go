package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide identifies the aggressor side of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TickerSample is a normalized ticker update. Prices and volumes are exact
// decimals parsed from the wire string form, never floats.
type TickerSample struct {
	Symbol            string          `json:"symbol"`
	Bid               decimal.Decimal `json:"bid"`
	Ask               decimal.Decimal `json:"ask"`
	LastPrice         decimal.Decimal `json:"last_price"`
	Volume            decimal.Decimal `json:"volume"`
	VWAP              decimal.Decimal `json:"vwap"`
	TradeCount        int64           `json:"trade_count"`
	ExchangeTimestamp time.Time       `json:"exchange_timestamp"`
}

// TradeSample is a single normalized trade.
type TradeSample struct {
	Symbol            string          `json:"symbol"`
	Price             decimal.Decimal `json:"price"`
	Volume            decimal.Decimal `json:"volume"`
	Side              TradeSide       `json:"side"`
	OrderType         string          `json:"order_type"`
	TradeID           string          `json:"trade_id"`
	ExchangeTimestamp time.Time       `json:"exchange_timestamp"`
}

// OhlcBar is one interval bar.
type OhlcBar struct {
	Symbol            string          `json:"symbol"`
	Open              decimal.Decimal `json:"open"`
	High              decimal.Decimal `json:"high"`
	Low               decimal.Decimal `json:"low"`
	Close             decimal.Decimal `json:"close"`
	Volume            decimal.Decimal `json:"volume"`
	VWAP              decimal.Decimal `json:"vwap"`
	IntervalMinutes   int             `json:"interval_minutes"`
	ExchangeTimestamp time.Time       `json:"exchange_timestamp"`
}

// PriceLevel is one book level. Raw price and volume strings from the wire
// are retained for checksum canonicalization.
type PriceLevel struct {
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	PriceRaw  string          `json:"-"`
	VolumeRaw string          `json:"-"`
}

// BookUpdate carries either a full snapshot or an incremental delta for a
// symbol's book.
type BookUpdate struct {
	Symbol            string       `json:"symbol"`
	Bids              []PriceLevel `json:"bids"`
	Asks              []PriceLevel `json:"asks"`
	IsSnapshot        bool         `json:"is_snapshot"`
	Sequence          uint64       `json:"sequence"`
	Checksum          uint32       `json:"checksum"`
	HasChecksum       bool         `json:"has_checksum"`
	Depth             int          `json:"depth"`
	ExchangeTimestamp time.Time    `json:"exchange_timestamp"`
}

// SystemStatus mirrors the exchange systemStatus envelope.
type SystemStatus struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	ConnectionID uint64 `json:"connection_id"`
}
