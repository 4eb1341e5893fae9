// Package book maintains the live, checksum-validated order book for one
// symbol: snapshot installation, delta application, depth capping and the
// per-symbol lifecycle state machine.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/edwardtay/kraken-ws-sdk/models"
	"github.com/edwardtay/kraken-ws-sdk/sdkerr"
)

// State is the per-symbol book lifecycle.
type State string

const (
	StateEmpty       State = "empty"
	StateSnapshotted State = "snapshotted"
	StateLive        State = "live"
	StateInvalid     State = "invalid"
	StateResyncing   State = "resyncing"
)

// ApplyResult reports the outcome of one update application.
type ApplyResult struct {
	State        State
	StateChanged bool
	Applied      bool
	Suppressed   bool
	NeedsResync  bool
	Err          *sdkerr.Error
}

// Book holds both sides for a symbol. Writes come only from the pipeline
// task; reads take a shared lock and copy, so readers never block the
// pipeline for long.
type Book struct {
	mu sync.RWMutex

	symbol       string
	bids         []models.PriceLevel // descending by price
	asks         []models.PriceLevel // ascending by price
	sequence     uint64
	lastUpdate   time.Time
	checksum     uint32
	hasChecksum  bool
	state        State
	depthCap     int
	checksumTopN int
}

// New creates an empty book. depthCap bounds each side; checksumTopN is the
// number of levels per side covered by the integrity checksum.
func New(symbol string, depthCap, checksumTopN int) *Book {
	if checksumTopN <= 0 {
		checksumTopN = 10
	}
	return &Book{
		symbol:       symbol,
		state:        StateEmpty,
		depthCap:     depthCap,
		checksumTopN: checksumTopN,
	}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// State returns the current lifecycle state.
func (b *Book) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Sequence returns the last applied sequence number.
func (b *Book) Sequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequence
}

// Apply installs a snapshot or applies a delta per the book contract.
func (b *Book) Apply(update *models.BookUpdate) ApplyResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if update.IsSnapshot {
		return b.applySnapshot(update)
	}
	return b.applyDelta(update)
}

func (b *Book) applySnapshot(update *models.BookUpdate) ApplyResult {
	prev := b.state

	// Replace both sides atomically.
	b.bids = sortLevels(update.Bids, true)
	b.asks = sortLevels(update.Asks, false)
	b.truncate()
	b.sequence = update.Sequence
	b.lastUpdate = update.ExchangeTimestamp

	computed := b.computeChecksum()
	b.checksum = computed
	b.hasChecksum = true

	if update.HasChecksum && update.Checksum != computed {
		b.state = StateInvalid
		return ApplyResult{
			State:        b.state,
			StateChanged: prev != b.state,
			NeedsResync:  true,
			Err:          sdkerr.Book(b.symbol, sdkerr.BookChecksumFail),
		}
	}

	// A fresh snapshot recovers an invalid or resyncing book. An identical
	// re-applied snapshot keeps the state it already had.
	if prev != StateSnapshotted && prev != StateLive {
		b.state = StateSnapshotted
	}
	return ApplyResult{State: b.state, StateChanged: prev != b.state, Applied: true}
}

func (b *Book) applyDelta(update *models.BookUpdate) ApplyResult {
	prev := b.state

	switch b.state {
	case StateInvalid, StateResyncing:
		// Deltas are suppressed until a fresh snapshot arrives.
		return ApplyResult{State: b.state, Suppressed: true}
	case StateEmpty:
		return ApplyResult{
			State:       b.state,
			NeedsResync: true,
			Err:         sdkerr.Book(b.symbol, sdkerr.BookStaleSnapshot),
		}
	}

	// Sequence continuity is enforced upstream by the tracker; a delta that
	// still arrives out of order invalidates the book.
	if update.Sequence != 0 && b.sequence != 0 && update.Sequence != b.sequence+1 {
		b.state = StateInvalid
		return ApplyResult{
			State:        b.state,
			StateChanged: prev != b.state,
			NeedsResync:  true,
			Err:          sdkerr.Sequence(b.symbol, b.sequence+1, update.Sequence),
		}
	}

	for _, lvl := range update.Bids {
		b.bids = applyLevel(b.bids, lvl, true)
	}
	for _, lvl := range update.Asks {
		b.asks = applyLevel(b.asks, lvl, false)
	}
	b.truncate()

	if update.Sequence != 0 {
		b.sequence = update.Sequence
	} else {
		b.sequence++
	}
	if update.ExchangeTimestamp.After(b.lastUpdate) {
		b.lastUpdate = update.ExchangeTimestamp
	}

	if crossed := b.crossed(); crossed {
		b.state = StateInvalid
		return ApplyResult{
			State:        b.state,
			StateChanged: prev != b.state,
			NeedsResync:  true,
			Err:          sdkerr.Book(b.symbol, sdkerr.BookCrossedBook),
		}
	}

	computed := b.computeChecksum()
	b.checksum = computed
	if update.HasChecksum && update.Checksum != computed {
		b.state = StateInvalid
		return ApplyResult{
			State:        b.state,
			StateChanged: prev != b.state,
			NeedsResync:  true,
			Err:          sdkerr.Book(b.symbol, sdkerr.BookChecksumFail),
		}
	}

	if b.state == StateSnapshotted {
		b.state = StateLive
	}
	return ApplyResult{State: b.state, StateChanged: prev != b.state, Applied: true}
}

// MarkResyncing flags the book while a re-subscribe is in flight.
func (b *Book) MarkResyncing() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateResyncing
}

// Invalidate forces the book invalid, e.g. on disconnect.
func (b *Book) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateInvalid
}

func (b *Book) crossed() bool {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return false
	}
	return b.bids[0].Price.GreaterThanOrEqual(b.asks[0].Price)
}

// truncate drops the far side of each ladder beyond the depth cap.
func (b *Book) truncate() {
	if b.depthCap <= 0 {
		return
	}
	if len(b.bids) > b.depthCap {
		b.bids = b.bids[:b.depthCap]
	}
	if len(b.asks) > b.depthCap {
		b.asks = b.asks[:b.depthCap]
	}
}

// applyLevel inserts, replaces or removes one level, keeping the side
// ordered. Zero volume removes the level.
func applyLevel(levels []models.PriceLevel, lvl models.PriceLevel, descending bool) []models.PriceLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price.LessThanOrEqual(lvl.Price)
		}
		return levels[i].Price.GreaterThanOrEqual(lvl.Price)
	})

	exists := idx < len(levels) && levels[idx].Price.Equal(lvl.Price)

	if lvl.Volume.IsZero() {
		if exists {
			return append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}

	if exists {
		levels[idx] = lvl
		return levels
	}
	levels = append(levels, models.PriceLevel{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = lvl
	return levels
}

func sortLevels(levels []models.PriceLevel, descending bool) []models.PriceLevel {
	out := make([]models.PriceLevel, len(levels))
	copy(out, levels)
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
