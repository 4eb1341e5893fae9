package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/edwardtay/kraken-ws-sdk/models"
	"github.com/edwardtay/kraken-ws-sdk/sdkerr"
)

// tickerPayload mirrors the wire ticker object. Each field is an array of
// decimal strings; index 0 is the price, the rest are lot metadata.
type tickerPayload struct {
	Ask    []json.RawMessage `json:"a"`
	Bid    []json.RawMessage `json:"b"`
	Close  []json.RawMessage `json:"c"`
	Volume []json.RawMessage `json:"v"`
	VWAP   []json.RawMessage `json:"p"`
	Trades []int64           `json:"t"`
}

func parseTicker(payloads []json.RawMessage, pair string) (*Message, *sdkerr.Error) {
	if len(payloads) != 1 {
		return nil, sdkerr.Parse("ticker", "", nil).With("reason", "ticker frame must carry one payload object")
	}
	var p tickerPayload
	if err := json.Unmarshal(payloads[0], &p); err != nil {
		return nil, sdkerr.Parse("ticker", sdkerr.TruncateRaw(string(payloads[0])), err)
	}

	sample := &models.TickerSample{Symbol: pair}
	var err error
	if sample.Ask, _, err = firstDecimal(p.Ask); err != nil {
		return nil, sdkerr.Parse("ticker.a", sdkerr.TruncateRaw(string(payloads[0])), err)
	}
	if sample.Bid, _, err = firstDecimal(p.Bid); err != nil {
		return nil, sdkerr.Parse("ticker.b", sdkerr.TruncateRaw(string(payloads[0])), err)
	}
	if sample.LastPrice, _, err = firstDecimal(p.Close); err != nil {
		return nil, sdkerr.Parse("ticker.c", sdkerr.TruncateRaw(string(payloads[0])), err)
	}
	if sample.Volume, _, err = firstDecimal(p.Volume); err != nil {
		return nil, sdkerr.Parse("ticker.v", sdkerr.TruncateRaw(string(payloads[0])), err)
	}
	if len(p.VWAP) > 0 {
		if sample.VWAP, _, err = firstDecimal(p.VWAP); err != nil {
			return nil, sdkerr.Parse("ticker.p", sdkerr.TruncateRaw(string(payloads[0])), err)
		}
	}
	if len(p.Trades) > 0 {
		sample.TradeCount = p.Trades[0]
	}
	// The ticker envelope carries no exchange timestamp; the pipeline
	// stamps it with receive time.
	return &Message{Kind: MsgTicker, Ticker: sample, ChannelName: "ticker", Pair: pair}, nil
}

func parseTrades(payloads []json.RawMessage, pair string) (*Message, *sdkerr.Error) {
	if len(payloads) != 1 {
		return nil, sdkerr.Parse("trade", "", nil).With("reason", "trade frame must carry one payload array")
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(payloads[0], &rows); err != nil {
		return nil, sdkerr.Parse("trade", sdkerr.TruncateRaw(string(payloads[0])), err)
	}

	trades := make([]models.TradeSample, 0, len(rows))
	for i, row := range rows {
		if len(row) < 4 {
			return nil, sdkerr.Parse("trade", sdkerr.TruncateRaw(string(payloads[0])), nil).
				With("reason", fmt.Sprintf("trade row %d has %d elements, want >= 4", i, len(row)))
		}
		price, _, err := decFromRaw(row[0])
		if err != nil {
			return nil, sdkerr.Parse("trade.price", sdkerr.TruncateRaw(string(payloads[0])), err)
		}
		volume, _, err := decFromRaw(row[1])
		if err != nil {
			return nil, sdkerr.Parse("trade.volume", sdkerr.TruncateRaw(string(payloads[0])), err)
		}
		ts, err := timeFromRaw(row[2])
		if err != nil {
			return nil, sdkerr.Parse("trade.time", sdkerr.TruncateRaw(string(payloads[0])), err)
		}
		side, err := tradeSide(row[3])
		if err != nil {
			return nil, sdkerr.Parse("trade.side", sdkerr.TruncateRaw(string(payloads[0])), err)
		}

		trade := models.TradeSample{
			Symbol:            pair,
			Price:             price,
			Volume:            volume,
			Side:              side,
			ExchangeTimestamp: ts,
			TradeID:           uuid.NewString(),
		}
		if len(row) > 4 {
			var ot string
			if json.Unmarshal(row[4], &ot) == nil {
				trade.OrderType = ot
			}
		}
		trades = append(trades, trade)
	}
	return &Message{Kind: MsgTrade, Trades: trades, ChannelName: "trade", Pair: pair}, nil
}

// bookPayload merges the snapshot ("as"/"bs") and delta ("a"/"b") shapes.
type bookPayload struct {
	SnapshotAsks [][]json.RawMessage `json:"as"`
	SnapshotBids [][]json.RawMessage `json:"bs"`
	Asks         [][]json.RawMessage `json:"a"`
	Bids         [][]json.RawMessage `json:"b"`
	Checksum     string              `json:"c"`
	Sequence     uint64              `json:"sequence"`
}

func parseBook(payloads []json.RawMessage, channelName, pair string) (*Message, *sdkerr.Error) {
	// Delta frames may split bid and ask payloads into separate objects;
	// merge them field-wise.
	var merged bookPayload
	for _, payload := range payloads {
		var p bookPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, sdkerr.Parse("book", sdkerr.TruncateRaw(string(payload)), err)
		}
		if p.SnapshotAsks != nil {
			merged.SnapshotAsks = p.SnapshotAsks
		}
		if p.SnapshotBids != nil {
			merged.SnapshotBids = p.SnapshotBids
		}
		if p.Asks != nil {
			merged.Asks = append(merged.Asks, p.Asks...)
		}
		if p.Bids != nil {
			merged.Bids = append(merged.Bids, p.Bids...)
		}
		if p.Checksum != "" {
			merged.Checksum = p.Checksum
		}
		if p.Sequence != 0 {
			merged.Sequence = p.Sequence
		}
	}

	update := &models.BookUpdate{
		Symbol:   pair,
		Depth:    bookDepth(channelName),
		Sequence: merged.Sequence,
	}

	snapshot := merged.SnapshotAsks != nil || merged.SnapshotBids != nil
	update.IsSnapshot = snapshot

	var perr error
	if snapshot {
		if update.Asks, perr = parseLevels(merged.SnapshotAsks); perr != nil {
			return nil, sdkerr.Parse("book.as", "", perr)
		}
		if update.Bids, perr = parseLevels(merged.SnapshotBids); perr != nil {
			return nil, sdkerr.Parse("book.bs", "", perr)
		}
	} else {
		if update.Asks, perr = parseLevels(merged.Asks); perr != nil {
			return nil, sdkerr.Parse("book.a", "", perr)
		}
		if update.Bids, perr = parseLevels(merged.Bids); perr != nil {
			return nil, sdkerr.Parse("book.b", "", perr)
		}
	}

	if merged.Checksum != "" {
		sum, err := strconv.ParseUint(merged.Checksum, 10, 32)
		if err != nil {
			return nil, sdkerr.Parse("book.c", merged.Checksum, err)
		}
		update.Checksum = uint32(sum)
		update.HasChecksum = true
	}

	// The update timestamp is the newest level timestamp.
	for _, lvl := range update.Bids {
		if lvl.Timestamp.After(update.ExchangeTimestamp) {
			update.ExchangeTimestamp = lvl.Timestamp
		}
	}
	for _, lvl := range update.Asks {
		if lvl.Timestamp.After(update.ExchangeTimestamp) {
			update.ExchangeTimestamp = lvl.Timestamp
		}
	}

	kind := MsgBookDelta
	if snapshot {
		kind = MsgBookSnapshot
	}
	return &Message{Kind: kind, Book: update, ChannelName: channelName, Pair: pair}, nil
}

func parseOhlc(payloads []json.RawMessage, channelName, pair string) (*Message, *sdkerr.Error) {
	if len(payloads) != 1 {
		return nil, sdkerr.Parse("ohlc", "", nil).With("reason", "ohlc frame must carry one payload array")
	}
	var row []json.RawMessage
	if err := json.Unmarshal(payloads[0], &row); err != nil {
		return nil, sdkerr.Parse("ohlc", sdkerr.TruncateRaw(string(payloads[0])), err)
	}
	if len(row) < 8 {
		return nil, sdkerr.Parse("ohlc", sdkerr.TruncateRaw(string(payloads[0])), nil).
			With("reason", fmt.Sprintf("ohlc row has %d elements, want >= 8", len(row)))
	}

	bar := &models.OhlcBar{Symbol: pair, IntervalMinutes: ohlcInterval(channelName)}
	ts, err := timeFromRaw(row[0])
	if err != nil {
		return nil, sdkerr.Parse("ohlc.time", sdkerr.TruncateRaw(string(payloads[0])), err)
	}
	bar.ExchangeTimestamp = ts

	fields := []struct {
		idx  int
		name string
		dst  *decimal.Decimal
	}{
		{2, "open", &bar.Open},
		{3, "high", &bar.High},
		{4, "low", &bar.Low},
		{5, "close", &bar.Close},
		{6, "vwap", &bar.VWAP},
		{7, "volume", &bar.Volume},
	}
	for _, f := range fields {
		v, _, err := decFromRaw(row[f.idx])
		if err != nil {
			return nil, sdkerr.Parse("ohlc."+f.name, sdkerr.TruncateRaw(string(payloads[0])), err)
		}
		*f.dst = v
	}
	return &Message{Kind: MsgOhlc, Ohlc: bar, ChannelName: channelName, Pair: pair}, nil
}

// parseSpread normalizes the spread payload [bid, ask, time, bidVol, askVol]
// into a ticker sample carrying only the touch.
func parseSpread(payloads []json.RawMessage, pair string) (*Message, *sdkerr.Error) {
	if len(payloads) != 1 {
		return nil, sdkerr.Parse("spread", "", nil).With("reason", "spread frame must carry one payload array")
	}
	var row []json.RawMessage
	if err := json.Unmarshal(payloads[0], &row); err != nil {
		return nil, sdkerr.Parse("spread", sdkerr.TruncateRaw(string(payloads[0])), err)
	}
	if len(row) < 3 {
		return nil, sdkerr.Parse("spread", sdkerr.TruncateRaw(string(payloads[0])), nil).
			With("reason", fmt.Sprintf("spread row has %d elements, want >= 3", len(row)))
	}

	sample := &models.TickerSample{Symbol: pair}
	var err error
	if sample.Bid, _, err = decFromRaw(row[0]); err != nil {
		return nil, sdkerr.Parse("spread.bid", sdkerr.TruncateRaw(string(payloads[0])), err)
	}
	if sample.Ask, _, err = decFromRaw(row[1]); err != nil {
		return nil, sdkerr.Parse("spread.ask", sdkerr.TruncateRaw(string(payloads[0])), err)
	}
	if sample.ExchangeTimestamp, err = timeFromRaw(row[2]); err != nil {
		return nil, sdkerr.Parse("spread.time", sdkerr.TruncateRaw(string(payloads[0])), err)
	}
	return &Message{Kind: MsgSpread, Ticker: sample, ChannelName: "spread", Pair: pair}, nil
}

func parseLevels(rows [][]json.RawMessage) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(rows))
	for i, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("level row %d has %d elements, want >= 3", i, len(row))
		}
		price, priceRaw, err := decFromRaw(row[0])
		if err != nil {
			return nil, fmt.Errorf("level row %d price: %w", i, err)
		}
		volume, volumeRaw, err := decFromRaw(row[1])
		if err != nil {
			return nil, fmt.Errorf("level row %d volume: %w", i, err)
		}
		ts, err := timeFromRaw(row[2])
		if err != nil {
			return nil, fmt.Errorf("level row %d time: %w", i, err)
		}
		levels = append(levels, models.PriceLevel{
			Price:     price,
			Volume:    volume,
			Timestamp: ts,
			PriceRaw:  priceRaw,
			VolumeRaw: volumeRaw,
		})
	}
	return levels, nil
}

func tradeSide(raw json.RawMessage) (models.TradeSide, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("invalid trade side: %w", err)
	}
	switch strings.ToLower(s) {
	case "b", "buy":
		return models.SideBuy, nil
	case "s", "sell":
		return models.SideSell, nil
	default:
		return "", fmt.Errorf("invalid trade side '%s'", s)
	}
}

// decFromRaw parses a decimal from either a JSON string or a bare number,
// preserving the exact wire text. No float conversion happens on the way.
func decFromRaw(raw json.RawMessage) (decimal.Decimal, string, error) {
	text := string(raw)
	if len(text) >= 2 && text[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Decimal{}, "", err
		}
		text = s
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("invalid decimal '%s': %w", text, err)
	}
	return d, text, nil
}

func firstDecimal(arr []json.RawMessage) (decimal.Decimal, string, error) {
	if len(arr) == 0 {
		return decimal.Decimal{}, "", fmt.Errorf("empty array field")
	}
	return decFromRaw(arr[0])
}

// timeFromRaw converts a fractional-seconds-since-epoch value (string or
// number) to UTC with nanosecond resolution, without a float round trip.
func timeFromRaw(raw json.RawMessage) (time.Time, error) {
	text := string(raw)
	if len(text) >= 2 && text[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		text = s
	}

	whole, frac, _ := strings.Cut(text, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp '%s': %w", text, err)
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		for len(frac) < 9 {
			frac += "0"
		}
		nsec, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp fraction '%s': %w", text, err)
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}

func bookDepth(channelName string) int {
	if _, suffix, ok := strings.Cut(channelName, "-"); ok {
		if d, err := strconv.Atoi(suffix); err == nil {
			return d
		}
	}
	return 0
}

func ohlcInterval(channelName string) int {
	if _, suffix, ok := strings.Cut(channelName, "-"); ok {
		if n, err := strconv.Atoi(suffix); err == nil {
			return n
		}
	}
	return 1
}
