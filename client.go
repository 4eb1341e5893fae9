// Package krakenws is a streaming market-data client for the Kraken
// WebSocket feed. It maintains checksum-validated order books per symbol,
// validates sequence continuity, applies flow control and delivers typed
// events to registered listeners and a unified stream.
package krakenws

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edwardtay/kraken-ws-sdk/book"
	"github.com/edwardtay/kraken-ws-sdk/codec"
	"github.com/edwardtay/kraken-ws-sdk/config"
	"github.com/edwardtay/kraken-ws-sdk/connection"
	"github.com/edwardtay/kraken-ws-sdk/dispatch"
	"github.com/edwardtay/kraken-ws-sdk/flow"
	"github.com/edwardtay/kraken-ws-sdk/latency"
	"github.com/edwardtay/kraken-ws-sdk/logger"
	"github.com/edwardtay/kraken-ws-sdk/models"
	"github.com/edwardtay/kraken-ws-sdk/sdkerr"
	"github.com/edwardtay/kraken-ws-sdk/sequence"
	"github.com/edwardtay/kraken-ws-sdk/subscription"
)

// Client is one connection to the exchange feed. Multiple clients can
// coexist; nothing is process-global.
type Client struct {
	cfg *config.Config
	log *logger.Log

	machine *connection.Machine
	subs    *subscription.Manager
	tracker *sequence.Tracker
	queue   *flow.Queue
	lat     *latency.Tracker
	disp    *dispatch.Dispatcher

	mu     sync.RWMutex
	books  map[string]*book.Book
	lastTS map[string]time.Time
	conn   *codec.Conn

	// Symbols whose book awaits a fresh snapshot after a resync trigger.
	resyncPending map[string]bool

	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	dispWG    sync.WaitGroup
	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	reqID atomic.Int64

	flowCallbacks flow.Callbacks
}

// New validates the configuration and builds a client. Validation failure
// is fatal at construction time.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, sdkerr.Configuration(err.Error())
	}

	log := logger.New()
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return nil, sdkerr.Configuration(fmt.Sprintf("logger: %v", err))
	}
	if cfg.HasCredentials() {
		log.RedactSecrets(cfg.Credentials.Secrets()...)
	}

	c := &Client{
		cfg:           cfg,
		log:           log,
		machine:       connection.NewMachine(cfg.Reconnect, cfg.HasCredentials()),
		subs:          subscription.NewManager(cfg.HasCredentials()),
		tracker:       sequence.NewTracker(cfg.Gap),
		books:         make(map[string]*book.Book),
		lastTS:        make(map[string]time.Time),
		resyncPending: make(map[string]bool),
	}
	if cfg.HasCredentials() {
		c.subs.SetToken(cfg.Credentials.Token())
	}

	c.queue = flow.NewQueue(cfg.Flow, flow.Callbacks{
		OnDrop:      c.onDrop,
		OnCoalesce:  c.onCoalesce,
		OnRateLimit: c.onRateLimit,
	})
	c.lat = latency.NewTracker(cfg.Latency, c.onLatencyAlert)
	c.disp = dispatch.NewDispatcher(cfg.Flow.QueueDepth, log)
	return c, nil
}

// Connect starts the connection lifecycle. It returns immediately; state
// progress is reported through StateChange events. Calling Connect on a
// Closed client starts a fresh cycle.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return sdkerr.Connection(sdkerr.ConnTransport, "client is closed", nil)
	}
	change := c.machine.Connect()
	if change == nil {
		return sdkerr.Connection(sdkerr.ConnTransport,
			fmt.Sprintf("connect is invalid in state %s", c.machine.State().Phase), nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCtx = runCtx
	c.runCancel = cancel
	c.mu.Unlock()

	c.emitStateChange(change)

	if c.running.CompareAndSwap(false, true) {
		c.dispWG.Add(1)
		go c.dispatchLoop()
	}

	c.runWG.Add(1)
	go c.run(runCtx)
	return nil
}

// Close shuts the client down: unsubscribe frames are flushed best-effort
// within one second, timers are cancelled, the socket is released, then
// queued events are drained or dropped per configuration. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if change := c.machine.CloseRequested(); change != nil {
			c.emitStateChange(change)
		}

		c.flushUnsubscribes()

		c.mu.Lock()
		cancel := c.runCancel
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
		}
		c.runWG.Wait()

		if !c.cfg.Flow.DrainOnClose {
			c.queue.Clear()
		}
		c.queue.Close()
		c.dispWG.Wait()
		c.disp.Close()
	})
}

// flushUnsubscribes sends unsubscribe frames for active channels with a
// bounded ceiling.
func (c *Client) flushUnsubscribes() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	active := c.subs.ActiveChannels()
	if len(active) == 0 {
		return
	}
	frames := c.subs.Unsubscribe(active, time.Now())

	ceiling := c.cfg.Flow.SubscribeFlushCeiling
	if ceiling <= 0 {
		ceiling = time.Second
	}
	deadline := time.Now().Add(ceiling)
	for _, frame := range frames {
		if time.Now().After(deadline) {
			return
		}
		if err := conn.Send(frame); err != nil {
			return
		}
	}
}

// Subscribe validates and records the channels, sending the subscribe
// frames if a connection is up. Channels subscribed while disconnected are
// sent on the next (re)connect.
func (c *Client) Subscribe(channels ...models.Channel) error {
	frames, serr := c.subs.Subscribe(channels, time.Now())
	if serr != nil {
		return serr
	}
	return c.sendFrames(frames)
}

// Unsubscribe sends unsubscribe frames for the channels. Records are
// removed once the exchange acknowledges.
func (c *Client) Unsubscribe(channels ...models.Channel) error {
	frames := c.subs.Unsubscribe(channels, time.Now())
	return c.sendFrames(frames)
}

func (c *Client) sendFrames(frames []subscription.Request) error {
	if len(frames) == 0 {
		return nil
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}
	for _, frame := range frames {
		if err := conn.Send(frame); err != nil {
			return sdkerr.Connection(sdkerr.ConnTransport, "failed to send subscription frame", err)
		}
	}
	return nil
}

// Events returns the unified stream. Events arrive in the order the
// dispatcher accepts them; per (symbol, channel) the exchange order is
// preserved.
func (c *Client) Events() <-chan models.Event {
	return c.disp.Events()
}

// Register adds a typed listener. Listeners for a kind run in registration
// order; a failing listener never blocks the others.
func (c *Client) Register(kind models.EventKind, fn dispatch.Listener) dispatch.Handle {
	return c.disp.Register(kind, fn)
}

// Unregister removes a listener by its handle.
func (c *Client) Unregister(h dispatch.Handle) {
	c.disp.Unregister(h)
}

// Book returns a copied snapshot of the symbol's book, if one exists.
func (c *Client) Book(symbol string) (book.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bk, ok := c.books[symbol]
	if !ok {
		return book.Snapshot{}, false
	}
	return bk.Snapshot(), true
}

// BookHandle exposes the live book for read operations (best bid/ask, mid,
// spread, depth ladder, aggregation, imbalance). Reads are safe while the
// pipeline applies updates.
func (c *Client) BookHandle(symbol string) (*book.Book, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bk, ok := c.books[symbol]
	return bk, ok
}

// Subscriptions returns the current subscription records.
func (c *Client) Subscriptions() []models.Subscription {
	return c.subs.Subscriptions()
}

// State returns the current connection state.
func (c *Client) State() models.ConnectionState {
	return c.machine.State()
}

// StateHistory returns the recorded state transitions for diagnostics.
func (c *Client) StateHistory() []models.StateChange {
	return c.machine.History()
}

// FlowStats returns the flow-control counters.
func (c *Client) FlowStats() flow.Stats {
	return c.queue.Stats()
}

// LatencyStats computes the current latency percentiles and histogram.
func (c *Client) LatencyStats() latency.Stats {
	return c.lat.Stats()
}

// SequenceStats aggregates the sequence-tracking counters.
func (c *Client) SequenceStats() sequence.Stats {
	return c.tracker.Stats()
}

// SetFlowCallbacks installs observers for drop, coalesce and rate-limit
// decisions. Must be called before Connect.
func (c *Client) SetFlowCallbacks(cb flow.Callbacks) {
	c.flowCallbacks = cb
}

func (c *Client) onDrop(ev flow.DropEvent) {
	c.log.WithComponent("flow").WithFields(logger.Fields{
		"event_kind": string(ev.Kind),
		"symbol":     ev.Symbol,
		"reason":     ev.Reason,
	}).Debug("event dropped")
	if c.flowCallbacks.OnDrop != nil {
		c.flowCallbacks.OnDrop(ev)
	}
}

func (c *Client) onCoalesce(ev flow.CoalesceEvent) {
	if c.flowCallbacks.OnCoalesce != nil {
		c.flowCallbacks.OnCoalesce(ev)
	}
}

func (c *Client) onRateLimit(ev flow.RateLimitEvent) {
	c.log.WithComponent("flow").WithFields(logger.Fields{
		"current_rate": ev.CurrentRate,
		"limit":        ev.Limit,
	}).Debug("rate limit applied")
	if c.flowCallbacks.OnRateLimit != nil {
		c.flowCallbacks.OnRateLimit(ev)
	}
}

func (c *Client) onLatencyAlert(a latency.Alert) {
	err := sdkerr.Latency(string(a.Type), a.Channel, a.Symbol, a.Value.String(), a.Threshold.String()).
		WithCorrelation(c.machine.CorrelationID())
	c.log.WithComponent("latency").WithError(err).Warn("latency threshold exceeded")
	c.disp.Dispatch(models.Event{Kind: models.EventError, Err: err})
}

// emitStateChange dispatches a transition directly, bypassing the flow
// queue so lifecycle visibility survives congestion.
func (c *Client) emitStateChange(change *models.StateChange) {
	if change == nil {
		return
	}
	c.log.WithComponent("connection").WithCorrelation(change.CorrelationID).WithFields(logger.Fields{
		"from":    string(change.From.Phase),
		"to":      string(change.To.Phase),
		"trigger": change.Trigger,
	}).Info("connection state changed")
	c.disp.Dispatch(models.Event{Kind: models.EventStateChange, State: change})
}

// emitError surfaces an error event directly.
func (c *Client) emitError(err *sdkerr.Error) {
	entry := c.log.WithComponent("client").WithError(err)
	switch err.Severity {
	case sdkerr.SeverityLow:
		entry.Debug(err.Message)
	case sdkerr.SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
	c.disp.Dispatch(models.Event{Kind: models.EventError, Err: err})
}

// enqueue pushes a data event through flow control.
func (c *Client) enqueue(ev models.Event, now time.Time) {
	c.queue.Push(ev, now)
}

// dispatchLoop drains the flow queue into the dispatcher.
func (c *Client) dispatchLoop() {
	defer c.dispWG.Done()
	for {
		for {
			ev, ok := c.queue.Pop()
			if !ok {
				break
			}
			c.disp.Dispatch(ev)
		}
		if c.closed.Load() && c.queue.Len() == 0 {
			return
		}
		select {
		case _, ok := <-c.queue.Notify():
			if !ok {
				return
			}
		case <-time.After(50 * time.Millisecond):
			// Periodic wake keeps shutdown and coalesce-window flushes
			// timely even without new pushes.
		}
	}
}
