package book

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/edwardtay/kraken-ws-sdk/models"
)

var two = decimal.NewFromInt(2)
var hundred = decimal.NewFromInt(100)

// LadderLevel is one row of a depth ladder with cumulative volume and the
// cumulative share of the side's total, rounded half-even to 4 places.
type LadderLevel struct {
	Price             decimal.Decimal `json:"price"`
	Volume            decimal.Decimal `json:"volume"`
	Cumulative        decimal.Decimal `json:"cumulative"`
	CumulativePercent decimal.Decimal `json:"cumulative_percent"`
}

// Ladder is the two-sided depth view.
type Ladder struct {
	Symbol string        `json:"symbol"`
	Bids   []LadderLevel `json:"bids"`
	Asks   []LadderLevel `json:"asks"`
}

// Bucket is one price bucket of an aggregated view.
type Bucket struct {
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	LevelCount int             `json:"level_count"`
}

// Snapshot is a copied, point-in-time view of the book.
type Snapshot struct {
	Symbol     string              `json:"symbol"`
	Bids       []models.PriceLevel `json:"bids"`
	Asks       []models.PriceLevel `json:"asks"`
	Sequence   uint64              `json:"sequence"`
	LastUpdate time.Time           `json:"last_update"`
	Checksum   uint32              `json:"checksum"`
	State      State               `json:"state"`
}

// BestBid returns the highest bid, if any.
func (b *Book) BestBid() (models.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return models.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *Book) BestAsk() (models.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return models.PriceLevel{}, false
	}
	return b.asks[0], true
}

// Mid returns the midpoint of the touch.
func (b *Book) Mid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Decimal{}, false
	}
	return b.bids[0].Price.Add(b.asks[0].Price).Div(two), true
}

// Spread returns best ask minus best bid.
func (b *Book) Spread() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Decimal{}, false
	}
	return b.asks[0].Price.Sub(b.bids[0].Price), true
}

// IsEmpty reports whether both sides are empty.
func (b *Book) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids) == 0 && len(b.asks) == 0
}

// TotalVolume sums the resting volume on each side.
func (b *Book) TotalVolume() (bidVolume, askVolume decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, lvl := range b.bids {
		bidVolume = bidVolume.Add(lvl.Volume)
	}
	for _, lvl := range b.asks {
		askVolume = askVolume.Add(lvl.Volume)
	}
	return bidVolume, askVolume
}

// DepthLadder returns the top n levels per side with cumulative volumes
// and cumulative percentages of the side total.
func (b *Book) DepthLadder(n int) Ladder {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Ladder{
		Symbol: b.symbol,
		Bids:   ladderSide(b.bids, n),
		Asks:   ladderSide(b.asks, n),
	}
}

func ladderSide(levels []models.PriceLevel, n int) []LadderLevel {
	if n > len(levels) {
		n = len(levels)
	}

	var total decimal.Decimal
	for _, lvl := range levels[:n] {
		total = total.Add(lvl.Volume)
	}

	out := make([]LadderLevel, 0, n)
	var cum decimal.Decimal
	for _, lvl := range levels[:n] {
		cum = cum.Add(lvl.Volume)
		row := LadderLevel{Price: lvl.Price, Volume: lvl.Volume, Cumulative: cum}
		if !total.IsZero() {
			row.CumulativePercent = cum.Div(total).Mul(hundred).RoundBank(4)
		}
		out = append(out, row)
	}
	return out
}

// Aggregate bucketizes both sides by price bucket, summing volume and
// counting levels. Bids and asks both bucket toward the floor of
// price/tickSize so the two sides align on identical boundaries.
func (b *Book) Aggregate(tickSize decimal.Decimal) (bids, asks []Bucket) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if tickSize.IsZero() {
		return nil, nil
	}
	return aggregateSide(b.bids, tickSize), aggregateSide(b.asks, tickSize)
}

func aggregateSide(levels []models.PriceLevel, tickSize decimal.Decimal) []Bucket {
	var out []Bucket
	for _, lvl := range levels {
		bucket := lvl.Price.Div(tickSize).Floor().Mul(tickSize)
		if n := len(out); n > 0 && out[n-1].Price.Equal(bucket) {
			out[n-1].Volume = out[n-1].Volume.Add(lvl.Volume)
			out[n-1].LevelCount++
			continue
		}
		out = append(out, Bucket{Price: bucket, Volume: lvl.Volume, LevelCount: 1})
	}
	return out
}

// Imbalance returns (bidVol − askVol) / (bidVol + askVol) over the top n
// levels of each side.
func (b *Book) Imbalance(n int) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var bidVol, askVol decimal.Decimal
	for i := 0; i < n && i < len(b.bids); i++ {
		bidVol = bidVol.Add(b.bids[i].Volume)
	}
	for i := 0; i < n && i < len(b.asks); i++ {
		askVol = askVol.Add(b.asks[i].Volume)
	}
	total := bidVol.Add(askVol)
	if total.IsZero() {
		return decimal.Decimal{}, false
	}
	return bidVol.Sub(askVol).Div(total), true
}

// Snapshot returns a copied view; readers never hold up the pipeline
// beyond the copy.
func (b *Book) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids := make([]models.PriceLevel, len(b.bids))
	copy(bids, b.bids)
	asks := make([]models.PriceLevel, len(b.asks))
	copy(asks, b.asks)

	return Snapshot{
		Symbol:     b.symbol,
		Bids:       bids,
		Asks:       asks,
		Sequence:   b.sequence,
		LastUpdate: b.lastUpdate,
		Checksum:   b.checksum,
		State:      b.state,
	}
}
