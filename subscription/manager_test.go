package subscription

import (
	"testing"
	"time"

	"github.com/edwardtay/kraken-ws-sdk/models"
)

func bookChannel(symbol string, depth int) models.Channel {
	return models.Channel{Kind: models.ChannelBook, Symbol: symbol, Depth: depth}
}

func TestValidateCatalog(t *testing.T) {
	m := NewManager(false)

	cases := []struct {
		name    string
		channel models.Channel
		wantErr bool
	}{
		{"ticker ok", models.Channel{Kind: models.ChannelTicker, Symbol: "BTC/USD"}, false},
		{"ticker missing symbol", models.Channel{Kind: models.ChannelTicker}, true},
		{"book depth 10", bookChannel("BTC/USD", 10), false},
		{"book depth 25", bookChannel("BTC/USD", 25), false},
		{"book depth 1000", bookChannel("BTC/USD", 1000), false},
		{"book bad depth", bookChannel("BTC/USD", 50), true},
		{"book no depth", bookChannel("BTC/USD", 0), true},
		{"ohlc interval 5", models.Channel{Kind: models.ChannelOhlc, Symbol: "BTC/USD", Interval: 5}, false},
		{"ohlc interval 21600", models.Channel{Kind: models.ChannelOhlc, Symbol: "BTC/USD", Interval: 21600}, false},
		{"ohlc bad interval", models.Channel{Kind: models.ChannelOhlc, Symbol: "BTC/USD", Interval: 7}, true},
		{"private without creds", models.Channel{Kind: models.ChannelOwnTrades}, true},
		{"unknown kind", models.Channel{Kind: "candles"}, true},
	}
	for _, tc := range cases {
		err := m.Validate(tc.channel)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestPrivateChannelsNeedCredentials(t *testing.T) {
	withCreds := NewManager(true)
	if err := withCreds.Validate(models.Channel{Kind: models.ChannelOwnTrades}); err != nil {
		t.Errorf("ownTrades with credentials rejected: %v", err)
	}
}

func TestSubscribeRecordsPending(t *testing.T) {
	m := NewManager(false)
	now := time.Now()

	frames, err := m.Subscribe([]models.Channel{bookChannel("BTC/USD", 10)}, now)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].Event != "subscribe" || frames[0].Subscription.Name != "book" || frames[0].Subscription.Depth != 10 {
		t.Errorf("frame: %+v", frames[0])
	}
	if len(frames[0].Pair) != 1 || frames[0].Pair[0] != "BTC/USD" {
		t.Errorf("pairs: %v", frames[0].Pair)
	}

	subs := m.Subscriptions()
	if len(subs) != 1 || subs[0].State != models.SubPending {
		t.Errorf("records: %+v", subs)
	}
}

func TestBatchingGroupsByKindAndParams(t *testing.T) {
	m := NewManager(false)
	now := time.Now()

	frames, err := m.Subscribe([]models.Channel{
		bookChannel("BTC/USD", 10),
		bookChannel("ETH/USD", 10),
		bookChannel("ADA/USD", 25),
		{Kind: models.ChannelTicker, Symbol: "BTC/USD"},
	}, now)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// book-10 pair is batched; book-25 and ticker get their own frames.
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	if len(frames[0].Pair) != 2 {
		t.Errorf("book-10 frame should batch two pairs: %v", frames[0].Pair)
	}
}

func TestAckLifecycle(t *testing.T) {
	m := NewManager(false)
	now := time.Now()
	m.Subscribe([]models.Channel{bookChannel("BTC/USD", 10)}, now)

	ack := m.OnStatus("book", "BTC/USD", 10, 0, "subscribed", "", now)
	if !ack.Active || !ack.Known {
		t.Fatalf("ack: %+v", ack)
	}
	sub, ok := m.Lookup(bookChannel("BTC/USD", 10))
	if !ok || sub.State != models.SubActive {
		t.Errorf("record after ack: %+v ok=%v", sub, ok)
	}
	if !m.AllActive() {
		t.Error("all records should be active")
	}
}

func TestNackMarksFailed(t *testing.T) {
	m := NewManager(false)
	now := time.Now()
	m.Subscribe([]models.Channel{bookChannel("BTC/USD", 10)}, now)

	ack := m.OnStatus("book", "BTC/USD", 10, 0, "error", "Currency pair not supported", now)
	if !ack.Failed || ack.Reason == "" {
		t.Fatalf("nack: %+v", ack)
	}
	sub, _ := m.Lookup(bookChannel("BTC/USD", 10))
	if sub.State != models.SubFailed || sub.LastError == "" {
		t.Errorf("record after nack: %+v", sub)
	}
}

// Subscribing then unsubscribing a channel leaves the subscription set as
// it was.
func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	m := NewManager(false)
	now := time.Now()

	before := len(m.Subscriptions())
	ch := bookChannel("BTC/USD", 10)
	m.Subscribe([]models.Channel{ch}, now)
	m.OnStatus("book", "BTC/USD", 10, 0, "subscribed", "", now)

	frames := m.Unsubscribe([]models.Channel{ch}, now)
	if len(frames) != 1 || frames[0].Event != "unsubscribe" {
		t.Fatalf("unsubscribe frames: %+v", frames)
	}
	sub, _ := m.Lookup(ch)
	if sub.State != models.SubUnsubscribing {
		t.Errorf("state = %s, want unsubscribing", sub.State)
	}

	ack := m.OnStatus("book", "BTC/USD", 10, 0, "unsubscribed", "", now)
	if !ack.Removed {
		t.Fatalf("unsubscribed ack: %+v", ack)
	}
	if len(m.Subscriptions()) != before {
		t.Errorf("subscription set changed: %d -> %d", before, len(m.Subscriptions()))
	}
}

// After a reconnect every previously active record is re-sent and the
// restored set is a superset of the pre-disconnect active set.
func TestRestoreAfterReconnect(t *testing.T) {
	m := NewManager(false)
	now := time.Now()

	channels := []models.Channel{
		{Kind: models.ChannelTicker, Symbol: "BTC/USD"},
		{Kind: models.ChannelTrade, Symbol: "ETH/USD"},
	}
	m.Subscribe(channels, now)
	m.OnStatus("ticker", "BTC/USD", 0, 0, "subscribed", "", now)
	m.OnStatus("trade", "ETH/USD", 0, 0, "subscribed", "", now)

	frames := m.Restore(now.Add(time.Second))
	if len(frames) != 2 {
		t.Fatalf("restore frames = %d, want 2", len(frames))
	}
	for _, sub := range m.Subscriptions() {
		if sub.State != models.SubPending {
			t.Errorf("restored record not pending: %+v", sub)
		}
	}

	// Acks restore the full active set.
	m.OnStatus("ticker", "BTC/USD", 0, 0, "subscribed", "", now)
	m.OnStatus("trade", "ETH/USD", 0, 0, "subscribed", "", now)
	if got := len(m.ActiveChannels()); got != 2 {
		t.Errorf("active after restore = %d, want 2", got)
	}
}

func TestPrivateFrameCarriesToken(t *testing.T) {
	m := NewManager(true)
	m.SetToken("ws-token-123")
	now := time.Now()

	frames, err := m.Subscribe([]models.Channel{{Kind: models.ChannelOwnTrades}}, now)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(frames) != 1 || frames[0].Subscription.Token != "ws-token-123" {
		t.Errorf("token frame: %+v", frames)
	}
	if frames[0].Pair != nil {
		t.Errorf("private frames carry no pair list: %v", frames[0].Pair)
	}
}

func TestBookSymbols(t *testing.T) {
	m := NewManager(false)
	now := time.Now()
	m.Subscribe([]models.Channel{
		bookChannel("BTC/USD", 10),
		{Kind: models.ChannelTicker, Symbol: "ETH/USD"},
	}, now)

	symbols := m.BookSymbols()
	if len(symbols) != 1 || symbols[0] != "BTC/USD" {
		t.Errorf("book symbols: %v", symbols)
	}
}
