package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edwardtay/kraken-ws-sdk/models"
)

func lvl(t *testing.T, price, volume string) models.PriceLevel {
	t.Helper()
	p, err := decimal.NewFromString(price)
	if err != nil {
		t.Fatalf("bad price %s: %v", price, err)
	}
	v, err := decimal.NewFromString(volume)
	if err != nil {
		t.Fatalf("bad volume %s: %v", volume, err)
	}
	return models.PriceLevel{Price: p, Volume: v, Timestamp: time.Now(), PriceRaw: price, VolumeRaw: volume}
}

func snapshot(t *testing.T, seq uint64, bids, asks []models.PriceLevel) *models.BookUpdate {
	t.Helper()
	return &models.BookUpdate{
		Symbol:     "BTC/USD",
		Bids:       bids,
		Asks:       asks,
		IsSnapshot: true,
		Sequence:   seq,
	}
}

func delta(t *testing.T, seq uint64, bids, asks []models.PriceLevel) *models.BookUpdate {
	t.Helper()
	return &models.BookUpdate{
		Symbol:   "BTC/USD",
		Bids:     bids,
		Asks:     asks,
		Sequence: seq,
	}
}

// Covers the snapshot-then-deltas flow: a zero-volume delta removes its
// level, a fresh level replaces it, and the book goes Live.
func TestSnapshotThenDeltas(t *testing.T) {
	b := New("BTC/USD", 10, 10)

	res := b.Apply(snapshot(t, 1,
		[]models.PriceLevel{lvl(t, "30000.0", "1.0")},
		[]models.PriceLevel{lvl(t, "30010.0", "1.0")},
	))
	if !res.Applied || res.State != StateSnapshotted {
		t.Fatalf("snapshot apply: %+v", res)
	}

	res = b.Apply(delta(t, 2, []models.PriceLevel{lvl(t, "30000.0", "0")}, nil))
	if !res.Applied || res.State != StateLive {
		t.Fatalf("first delta: %+v", res)
	}

	res = b.Apply(delta(t, 3, []models.PriceLevel{lvl(t, "29995.0", "2.0")}, nil))
	if !res.Applied || res.State != StateLive {
		t.Fatalf("second delta: %+v", res)
	}

	if b.Sequence() != 3 {
		t.Errorf("sequence = %d, want 3", b.Sequence())
	}
	bid, ok := b.BestBid()
	if !ok || !bid.Price.Equal(decimal.RequireFromString("29995.0")) {
		t.Errorf("best bid = %v ok=%v", bid.Price, ok)
	}
	if !bid.Volume.Equal(decimal.RequireFromString("2.0")) {
		t.Errorf("best bid volume = %v", bid.Volume)
	}
	ask, ok := b.BestAsk()
	if !ok || !ask.Price.Equal(decimal.RequireFromString("30010.0")) {
		t.Errorf("best ask = %v ok=%v", ask.Price, ok)
	}
}

// Applying the identical snapshot twice leaves the book unchanged and
// causes no state transition.
func TestSnapshotIdempotent(t *testing.T) {
	b := New("BTC/USD", 10, 10)
	snap := snapshot(t, 1,
		[]models.PriceLevel{lvl(t, "30000.0", "1.0")},
		[]models.PriceLevel{lvl(t, "30010.0", "1.0")},
	)

	first := b.Apply(snap)
	view1 := b.Snapshot()
	second := b.Apply(snap)
	view2 := b.Snapshot()

	if !first.Applied || !second.Applied {
		t.Fatalf("snapshot applies failed: %+v %+v", first, second)
	}
	if second.StateChanged {
		t.Error("re-applied snapshot must not change state")
	}
	if view1.Checksum != view2.Checksum || view1.Sequence != view2.Sequence {
		t.Errorf("book changed across identical snapshots: %+v vs %+v", view1, view2)
	}
	if len(view2.Bids) != 1 || len(view2.Asks) != 1 {
		t.Errorf("unexpected book shape: %+v", view2)
	}
}

func TestChecksumMismatchInvalidates(t *testing.T) {
	b := New("BTC/USD", 10, 10)
	b.Apply(snapshot(t, 1,
		[]models.PriceLevel{lvl(t, "30000.0", "1.0")},
		[]models.PriceLevel{lvl(t, "30010.0", "1.0")},
	))

	bad := delta(t, 2, []models.PriceLevel{lvl(t, "29990.0", "1.0")}, nil)
	bad.Checksum = 0xDEADBEEF
	bad.HasChecksum = true

	res := b.Apply(bad)
	if res.State != StateInvalid || !res.NeedsResync {
		t.Fatalf("expected invalid + resync, got %+v", res)
	}
	if res.Err == nil {
		t.Fatal("expected a book error")
	}

	// Deltas are suppressed until a fresh snapshot arrives.
	res = b.Apply(delta(t, 3, []models.PriceLevel{lvl(t, "29991.0", "1.0")}, nil))
	if !res.Suppressed {
		t.Errorf("delta should be suppressed while invalid: %+v", res)
	}

	// A fresh snapshot recovers the book.
	res = b.Apply(snapshot(t, 10,
		[]models.PriceLevel{lvl(t, "30001.0", "1.0")},
		[]models.PriceLevel{lvl(t, "30011.0", "1.0")},
	))
	if !res.Applied || res.State != StateSnapshotted {
		t.Errorf("snapshot should recover invalid book: %+v", res)
	}
}

func TestMatchingChecksumAccepted(t *testing.T) {
	b := New("BTC/USD", 10, 10)
	b.Apply(snapshot(t, 1,
		[]models.PriceLevel{lvl(t, "30000.0", "1.0")},
		[]models.PriceLevel{lvl(t, "30010.0", "1.0")},
	))

	// Compute the expected checksum by applying the same delta to a twin
	// book without a declared checksum.
	twin := New("BTC/USD", 10, 10)
	twin.Apply(snapshot(t, 1,
		[]models.PriceLevel{lvl(t, "30000.0", "1.0")},
		[]models.PriceLevel{lvl(t, "30010.0", "1.0")},
	))
	twin.Apply(delta(t, 2, []models.PriceLevel{lvl(t, "29995.0", "2.0")}, nil))
	expected := twin.Snapshot().Checksum

	d := delta(t, 2, []models.PriceLevel{lvl(t, "29995.0", "2.0")}, nil)
	d.Checksum = expected
	d.HasChecksum = true
	res := b.Apply(d)
	if !res.Applied || res.State != StateLive {
		t.Fatalf("matching checksum rejected: %+v", res)
	}
}

func TestCrossedBookInvalidates(t *testing.T) {
	b := New("BTC/USD", 10, 10)
	b.Apply(snapshot(t, 1,
		[]models.PriceLevel{lvl(t, "30000.0", "1.0")},
		[]models.PriceLevel{lvl(t, "30010.0", "1.0")},
	))

	res := b.Apply(delta(t, 2, []models.PriceLevel{lvl(t, "30020.0", "1.0")}, nil))
	if res.State != StateInvalid || !res.NeedsResync {
		t.Fatalf("crossed book not detected: %+v", res)
	}
}

func TestSequenceMismatchInvalidates(t *testing.T) {
	b := New("BTC/USD", 10, 10)
	b.Apply(snapshot(t, 1,
		[]models.PriceLevel{lvl(t, "30000.0", "1.0")},
		[]models.PriceLevel{lvl(t, "30010.0", "1.0")},
	))

	res := b.Apply(delta(t, 5, []models.PriceLevel{lvl(t, "29990.0", "1.0")}, nil))
	if res.State != StateInvalid || !res.NeedsResync {
		t.Fatalf("out-of-order delta accepted: %+v", res)
	}
}

func TestDeltaOnEmptyBook(t *testing.T) {
	b := New("BTC/USD", 10, 10)
	res := b.Apply(delta(t, 1, []models.PriceLevel{lvl(t, "29990.0", "1.0")}, nil))
	if res.Applied || !res.NeedsResync {
		t.Fatalf("delta before snapshot must request resync: %+v", res)
	}
}

func TestDepthCapTruncation(t *testing.T) {
	b := New("BTC/USD", 2, 10)
	b.Apply(snapshot(t, 1,
		[]models.PriceLevel{lvl(t, "30000.0", "1.0"), lvl(t, "29999.0", "1.0"), lvl(t, "29998.0", "1.0")},
		[]models.PriceLevel{lvl(t, "30010.0", "1.0"), lvl(t, "30011.0", "1.0"), lvl(t, "30012.0", "1.0")},
	))

	view := b.Snapshot()
	if len(view.Bids) != 2 || len(view.Asks) != 2 {
		t.Fatalf("depth cap not enforced: %d bids, %d asks", len(view.Bids), len(view.Asks))
	}
	// The deepest levels are the ones truncated.
	if !view.Bids[1].Price.Equal(decimal.RequireFromString("29999.0")) {
		t.Errorf("wrong bid retained: %v", view.Bids[1].Price)
	}
	if !view.Asks[1].Price.Equal(decimal.RequireFromString("30011.0")) {
		t.Errorf("wrong ask retained: %v", view.Asks[1].Price)
	}
}

func TestReadOperations(t *testing.T) {
	b := New("BTC/USD", 10, 10)
	b.Apply(snapshot(t, 1,
		[]models.PriceLevel{lvl(t, "30000", "1"), lvl(t, "29995", "3")},
		[]models.PriceLevel{lvl(t, "30010", "2"), lvl(t, "30015", "2")},
	))

	mid, ok := b.Mid()
	if !ok || !mid.Equal(decimal.RequireFromString("30005")) {
		t.Errorf("mid = %v ok=%v", mid, ok)
	}
	spread, ok := b.Spread()
	if !ok || !spread.Equal(decimal.RequireFromString("10")) {
		t.Errorf("spread = %v ok=%v", spread, ok)
	}

	ladder := b.DepthLadder(2)
	if len(ladder.Bids) != 2 || len(ladder.Asks) != 2 {
		t.Fatalf("ladder shape: %+v", ladder)
	}
	if !ladder.Bids[1].Cumulative.Equal(decimal.RequireFromString("4")) {
		t.Errorf("cumulative bid volume = %v", ladder.Bids[1].Cumulative)
	}
	if !ladder.Bids[0].CumulativePercent.Equal(decimal.RequireFromString("25")) {
		t.Errorf("cumulative percent = %v, want 25", ladder.Bids[0].CumulativePercent)
	}
	if !ladder.Bids[1].CumulativePercent.Equal(decimal.RequireFromString("100")) {
		t.Errorf("cumulative percent = %v, want 100", ladder.Bids[1].CumulativePercent)
	}

	imb, ok := b.Imbalance(2)
	if !ok {
		t.Fatal("imbalance unavailable")
	}
	// (4 - 4) / 8 = 0
	if !imb.IsZero() {
		t.Errorf("imbalance = %v, want 0", imb)
	}

	bidVol, askVol := b.TotalVolume()
	if !bidVol.Equal(decimal.RequireFromString("4")) || !askVol.Equal(decimal.RequireFromString("4")) {
		t.Errorf("total volume = %v / %v", bidVol, askVol)
	}
}

func TestAggregateAlignsBucketBoundaries(t *testing.T) {
	b := New("BTC/USD", 10, 10)
	b.Apply(snapshot(t, 1,
		[]models.PriceLevel{lvl(t, "30003", "1"), lvl(t, "30001", "2")},
		[]models.PriceLevel{lvl(t, "30007", "1"), lvl(t, "30009", "2")},
	))

	tick := decimal.RequireFromString("5")
	bids, asks := b.Aggregate(tick)
	if len(bids) != 1 || len(asks) != 1 {
		t.Fatalf("bucket counts: %d bids, %d asks", len(bids), len(asks))
	}
	// Both sides floor toward the same boundary: 30000 and 30005.
	if !bids[0].Price.Equal(decimal.RequireFromString("30000")) {
		t.Errorf("bid bucket = %v", bids[0].Price)
	}
	if !asks[0].Price.Equal(decimal.RequireFromString("30005")) {
		t.Errorf("ask bucket = %v", asks[0].Price)
	}
	if !bids[0].Volume.Equal(decimal.RequireFromString("3")) || bids[0].LevelCount != 2 {
		t.Errorf("bid bucket aggregate: %+v", bids[0])
	}
}

func TestChecksumCanonicalization(t *testing.T) {
	// "0.5" strips to "5", "30000.0" to "300000": the decimal point is
	// removed and leading zeros dropped.
	cases := map[string]string{
		"30000.0": "300000",
		"0.5":     "5",
		"0.00010": "10",
		"1":       "1",
	}
	for in, want := range cases {
		if got := canonical(in); got != want {
			t.Errorf("canonical(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChecksumDeterministic(t *testing.T) {
	build := func() *Book {
		b := New("BTC/USD", 10, 10)
		b.Apply(snapshot(t, 1,
			[]models.PriceLevel{lvl(t, "30000.0", "1.0")},
			[]models.PriceLevel{lvl(t, "30010.0", "1.0")},
		))
		return b
	}
	a, b := build(), build()
	if a.Snapshot().Checksum != b.Snapshot().Checksum {
		t.Error("identical books must produce identical checksums")
	}
	if a.Snapshot().Checksum == 0 {
		t.Error("checksum should be non-zero for a populated book")
	}
}
