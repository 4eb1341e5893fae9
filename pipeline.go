package krakenws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/edwardtay/kraken-ws-sdk/book"
	"github.com/edwardtay/kraken-ws-sdk/codec"
	"github.com/edwardtay/kraken-ws-sdk/logger"
	"github.com/edwardtay/kraken-ws-sdk/models"
	"github.com/edwardtay/kraken-ws-sdk/parser"
	"github.com/edwardtay/kraken-ws-sdk/sdkerr"
	"github.com/edwardtay/kraken-ws-sdk/sequence"
	"github.com/edwardtay/kraken-ws-sdk/subscription"
)

// pingRequest is the outbound liveness probe.
type pingRequest struct {
	Event string `json:"event"`
	ReqID int64  `json:"reqid"`
}

// run owns the connection lifecycle: connect, session, backoff, repeat.
func (c *Client) run(ctx context.Context) {
	defer c.runWG.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		switch c.machine.State().Phase {
		case models.PhaseConnecting:
			c.cycle(ctx)
		case models.PhaseDegraded:
			timer := time.NewTimer(c.machine.NextDelay())
			select {
			case <-timer.C:
				c.emitStateChange(c.machine.BackoffFired())
			case <-ctx.Done():
				timer.Stop()
				return
			}
		case models.PhaseClosed:
			return
		default:
			return
		}
	}
}

// cycle runs one connection attempt and, on success, the read session
// until it ends.
func (c *Client) cycle(ctx context.Context) {
	endpoint := c.cfg.Endpoint
	if c.cfg.HasCredentials() && c.cfg.PrivateEndpoint != "" {
		endpoint = c.cfg.PrivateEndpoint
	}

	log := c.log.WithComponent("connection").WithCorrelation(c.machine.CorrelationID())
	log.WithFields(logger.Fields{"endpoint": endpoint}).Info("connecting")

	conn, err := codec.Dial(ctx, endpoint, codec.Options{
		ConnectTimeout: c.cfg.ConnectTimeout,
		BufferSize:     c.cfg.BufferSize,
		MaxFrameBytes:  c.cfg.MaxFrameBytes,
	})
	if err != nil {
		cerr := sdkerr.Connection(sdkerr.ConnTransport, "connection attempt failed", err).
			WithCorrelation(c.machine.CorrelationID())
		c.emitError(cerr)
		c.emitStateChange(c.machine.TransportFailed(err.Error()))
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	c.emitStateChange(c.machine.TransportEstablished())

	switch c.machine.State().Phase {
	case models.PhaseAuthenticating:
		if err := c.sendAuthProbe(conn); err != nil {
			c.emitError(sdkerr.Connection(sdkerr.ConnAuth, "failed to send auth request", err).
				WithCorrelation(c.machine.CorrelationID()))
			c.emitStateChange(c.machine.Disconnected(err.Error()))
			return
		}
	case models.PhaseSubscribing:
		c.restoreSubscriptions(conn)
	}

	stopHeartbeat := make(chan struct{})
	go c.heartbeat(conn, stopHeartbeat)
	defer close(stopHeartbeat)

	c.readLoop(ctx, conn)
}

// sendAuthProbe authenticates by subscribing the token-bearing private
// channel. The subscription ack doubles as the auth ack.
func (c *Client) sendAuthProbe(conn *codec.Conn) error {
	probe := models.Channel{Kind: models.ChannelOwnTrades}
	frames, serr := c.subs.Subscribe([]models.Channel{probe}, time.Now())
	if serr != nil {
		return serr
	}
	if len(frames) == 0 {
		// Already recorded from a previous cycle; resend directly.
		frames = []subscription.Request{{
			Event:        "subscribe",
			ReqID:        c.reqID.Add(1),
			Subscription: subscription.Payload{Name: string(models.ChannelOwnTrades), Token: c.cfg.Credentials.Token()},
		}}
	}
	for _, frame := range frames {
		if err := conn.Send(frame); err != nil {
			return err
		}
	}
	return nil
}

// restoreSubscriptions re-sends every previously active subscription and
// invalidates the affected books until fresh snapshots arrive.
func (c *Client) restoreSubscriptions(conn *codec.Conn) {
	for _, symbol := range c.subs.BookSymbols() {
		c.mu.RLock()
		bk, ok := c.books[symbol]
		c.mu.RUnlock()
		if ok {
			bk.Invalidate()
		}
	}
	c.tracker.ResetAll()

	frames := c.subs.Restore(time.Now())
	if len(frames) == 0 {
		// Nothing to restore: the connection is immediately fully
		// subscribed.
		c.emitStateChange(c.machine.SubscriptionsConfirmed())
		return
	}
	for _, frame := range frames {
		if err := conn.Send(frame); err != nil {
			c.emitStateChange(c.machine.SubscriptionCycleFailed(err.Error()))
			return
		}
	}
}

// heartbeat sends a ping every interval and expires pending sequence gaps
// whose fill window elapsed with no traffic. Liveness is enforced by the
// read deadline in readLoop; pings only keep traffic flowing.
func (c *Client) heartbeat(conn *codec.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Heartbeat.Interval)
	defer ticker.Stop()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ping := pingRequest{Event: "ping", ReqID: c.reqID.Add(1)}
			if err := conn.Send(ping); err != nil {
				return
			}
		case now := <-sweep.C:
			c.sweepPending(now)
		}
	}
}

// readLoop consumes frames until the connection ends, routing each one
// through the pipeline.
func (c *Client) readLoop(ctx context.Context, conn *codec.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.Heartbeat.Timeout))
		raw, err := conn.Recv()
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				return
			}
			c.invalidateBooks()
			var protoErr *codec.ProtocolError
			switch {
			case errors.As(err, &protoErr):
				c.emitError(sdkerr.Connection(sdkerr.ConnProtocol, protoErr.Reason, nil).
					WithCorrelation(c.machine.CorrelationID()))
				c.emitStateChange(c.machine.Disconnected(protoErr.Reason))
			case isTimeout(err):
				c.emitError(sdkerr.Connection(sdkerr.ConnTransport, "connection stale, no traffic within heartbeat timeout", err).
					WithCorrelation(c.machine.CorrelationID()))
				c.emitStateChange(c.machine.HeartbeatStale())
			default:
				c.emitError(sdkerr.Connection(sdkerr.ConnTransport, "connection lost", err).
					WithCorrelation(c.machine.CorrelationID()))
				c.emitStateChange(c.machine.Disconnected(err.Error()))
			}
			return
		}

		recv := time.Now()
		c.handleFrame(raw, recv)
		c.sweepPending(recv)

		if c.machine.State().Phase == models.PhaseClosed {
			// Terminal transition observed mid-session (auth rejection or
			// user close); release the socket.
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// invalidateBooks marks every book invalid on disconnect.
func (c *Client) invalidateBooks() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, bk := range c.books {
		bk.Invalidate()
	}
}

// handleFrame parses and routes one inbound frame. Parse failures are
// local: they surface as an error event and the pipeline continues.
func (c *Client) handleFrame(raw []byte, recv time.Time) {
	msg, perr := parser.Parse(raw)
	if perr != nil {
		c.emitError(perr.WithCorrelation(c.machine.CorrelationID()))
		return
	}

	switch msg.Kind {
	case parser.MsgHeartbeat, parser.MsgPong:
		// Traffic alone refreshes the read deadline.
	case parser.MsgSystemStatus:
		c.log.WithComponent("connection").WithFields(logger.Fields{
			"status":  msg.System.Status,
			"version": msg.System.Version,
		}).Info("system status")
	case parser.MsgSubscriptionStatus:
		c.handleSubscriptionStatus(msg.SubStatus, recv)
	case parser.MsgTicker, parser.MsgSpread:
		c.handleTicker(msg, recv)
	case parser.MsgTrade:
		c.handleTrades(msg, recv)
	case parser.MsgBookSnapshot, parser.MsgBookDelta:
		c.handleBook(msg, recv)
	}
}

// handleSubscriptionStatus reconciles acks with the manager and drives the
// Authenticating and Subscribing phases.
func (c *Client) handleSubscriptionStatus(status *parser.SubscriptionStatus, recv time.Time) {
	name := status.Name
	if name == "" {
		name = status.ChannelName
	}
	ack := c.subs.OnStatus(name, status.Pair, status.Depth, status.Interval, status.Status, status.ErrorMessage, recv)

	phase := c.machine.State().Phase

	if phase == models.PhaseAuthenticating && ack.Channel.Private() {
		if ack.Failed {
			c.emitError(sdkerr.Connection(sdkerr.ConnAuth, "authentication rejected", nil).
				With("reason", status.ErrorMessage).
				WithCorrelation(c.machine.CorrelationID()))
			c.emitStateChange(c.machine.AuthRejected(status.ErrorMessage))
			return
		}
		if ack.Active {
			c.emitStateChange(c.machine.AuthAccepted())
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn != nil {
				c.restoreSubscriptions(conn)
			}
		}
		return
	}

	switch {
	case ack.Active:
		ch := ack.Channel
		c.enqueue(models.Event{Kind: models.EventSubscriptionAck, Ack: &ch}, recv)
		c.mu.RLock()
		resyncing := len(c.resyncPending) > 0
		c.mu.RUnlock()
		if ch.Kind == models.ChannelBook && resyncing {
			// The re-subscribe completed; the fresh snapshot will clear
			// the pending flag.
			c.log.WithComponent("subscription").WithFields(logger.Fields{
				"symbol": ch.Symbol,
			}).Info("book resubscribed for resync")
		}
	case ack.Failed:
		c.emitError(sdkerr.Subscription(ack.Channel.Fingerprint(), ack.Reason).
			WithCorrelation(c.machine.CorrelationID()))
		failure := models.SubscriptionFailure{Channel: ack.Channel, Reason: ack.Reason}
		c.enqueue(models.Event{Kind: models.EventSubscriptionFailed, Failure: &failure}, recv)
	case ack.Removed:
		c.removeBook(ack.Channel)
	}

	if c.machine.State().Phase == models.PhaseSubscribing && c.subs.AllActive() {
		c.emitStateChange(c.machine.SubscriptionsConfirmed())
	}
}

// removeBook destroys state for an unsubscribed book channel.
func (c *Client) removeBook(ch models.Channel) {
	if ch.Kind != models.ChannelBook {
		return
	}
	c.mu.Lock()
	delete(c.books, ch.Symbol)
	delete(c.resyncPending, ch.Symbol)
	c.mu.Unlock()
	c.tracker.Reset(ch.Symbol, ch.Name())
}

func (c *Client) handleTicker(msg *parser.Message, recv time.Time) {
	sample := msg.Ticker
	if sample.ExchangeTimestamp.IsZero() {
		sample.ExchangeTimestamp = recv
	}
	c.checkTimestampOrder(sample.Symbol, msg.ChannelName, sample.ExchangeTimestamp)

	c.enqueue(models.Event{Kind: models.EventTicker, Ticker: sample}, recv)
	c.lat.Record(sample.ExchangeTimestamp, recv, time.Now(), msg.ChannelName, sample.Symbol)
}

func (c *Client) handleTrades(msg *parser.Message, recv time.Time) {
	for i := range msg.Trades {
		trade := &msg.Trades[i]
		c.checkTimestampOrder(trade.Symbol, msg.ChannelName, trade.ExchangeTimestamp)
		c.enqueue(models.Event{Kind: models.EventTrade, Trade: trade}, recv)
		c.lat.Record(trade.ExchangeTimestamp, recv, time.Now(), msg.ChannelName, trade.Symbol)
	}
}

// handleBook routes snapshots and deltas through the sequence tracker and
// the book engine.
func (c *Client) handleBook(msg *parser.Message, recv time.Time) {
	update := msg.Book
	bk := c.bookFor(update.Symbol, update.Depth)

	if !update.ExchangeTimestamp.IsZero() {
		c.checkTimestampOrder(update.Symbol, msg.ChannelName, update.ExchangeTimestamp)
	}

	// Snapshots reset the stream; a sequenced snapshot only sets the
	// tracker's baseline and is applied without waiting on it.
	if update.IsSnapshot {
		c.tracker.Reset(update.Symbol, msg.ChannelName)
		if update.Sequence != 0 {
			c.tracker.Observe(update.Symbol, msg.ChannelName, update.Sequence, nil, recv)
		}
		c.applyBookUpdate(bk, update, msg.ChannelName, recv)
		return
	}

	// Wire deltas without explicit sequence numbers cannot gap; apply
	// directly.
	if update.Sequence == 0 {
		c.applyBookUpdate(bk, update, msg.ChannelName, recv)
		return
	}

	result := c.tracker.Observe(update.Symbol, msg.ChannelName, update.Sequence, update, recv)
	c.handleSequenceResult(bk, result, msg.ChannelName, recv)
}

func (c *Client) handleSequenceResult(bk *book.Book, result sequence.Result, channelName string, recv time.Time) {
	if result.Gap != nil {
		gap := result.Gap
		c.emitError(sdkerr.Sequence(gap.Symbol, gap.Expected, gap.Received).
			WithCorrelation(c.machine.CorrelationID()))
		c.enqueue(models.Event{Kind: models.EventGapDetected, Gap: gap}, recv)
	}
	if result.Resync != nil {
		c.triggerResync(result.Resync.Symbol, channelName, result.Resync.Reason, recv)
		return
	}
	for _, payload := range result.Deliver {
		if payload == nil {
			continue
		}
		update, ok := payload.(*models.BookUpdate)
		if !ok {
			continue
		}
		c.applyBookUpdate(bk, update, channelName, recv)
	}
}

func (c *Client) applyBookUpdate(bk *book.Book, update *models.BookUpdate, channelName string, recv time.Time) {
	res := bk.Apply(update)

	if res.Err != nil {
		c.emitError(res.Err.WithCorrelation(c.machine.CorrelationID()))
	}
	if res.NeedsResync {
		c.triggerResync(update.Symbol, channelName, string(res.State), recv)
		return
	}
	if res.Suppressed {
		return
	}
	if !res.Applied {
		return
	}

	if update.IsSnapshot {
		c.mu.Lock()
		wasPending := c.resyncPending[update.Symbol]
		delete(c.resyncPending, update.Symbol)
		remaining := len(c.resyncPending)
		c.mu.Unlock()
		if wasPending && remaining == 0 {
			c.emitStateChange(c.machine.ResyncComplete())
		}
	}

	c.enqueue(models.Event{Kind: models.EventOrderBook, Book: update}, recv)
	if !update.ExchangeTimestamp.IsZero() {
		c.lat.Record(update.ExchangeTimestamp, recv, time.Now(), channelName, update.Symbol)
	}
}

// triggerResync marks the book resyncing, surfaces the event and
// re-subscribes the book channel.
func (c *Client) triggerResync(symbol, channelName, reason string, recv time.Time) {
	c.mu.Lock()
	bk, ok := c.books[symbol]
	already := c.resyncPending[symbol]
	c.resyncPending[symbol] = true
	c.mu.Unlock()

	if ok {
		bk.MarkResyncing()
	}
	if already {
		return
	}

	c.log.WithComponent("book").WithCorrelation(c.machine.CorrelationID()).WithFields(logger.Fields{
		"symbol": symbol,
		"reason": reason,
	}).Warn("book resync triggered")

	info := models.ResyncInfo{Symbol: symbol, Reason: reason}
	c.enqueue(models.Event{Kind: models.EventResync, Resync: &info}, recv)
	c.emitStateChange(c.machine.GapResync())
	c.tracker.Reset(symbol, channelName)

	ch, found := c.bookChannel(symbol)
	if !found {
		return
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}
	// Re-subscribe: unsubscribe then subscribe the same channel.
	payload := subscription.Payload{Name: string(models.ChannelBook), Depth: ch.Depth}
	for _, event := range []string{"unsubscribe", "subscribe"} {
		frame := subscription.Request{
			Event:        event,
			Pair:         []string{symbol},
			ReqID:        c.reqID.Add(1),
			Subscription: payload,
		}
		if err := conn.Send(frame); err != nil {
			c.emitError(sdkerr.Connection(sdkerr.ConnTransport,
				fmt.Sprintf("failed to send %s for resync", event), err).
				WithCorrelation(c.machine.CorrelationID()))
			return
		}
	}
}

// bookChannel finds the subscribed book channel for a symbol.
func (c *Client) bookChannel(symbol string) (models.Channel, bool) {
	for _, sub := range c.subs.Subscriptions() {
		if sub.Channel.Kind == models.ChannelBook && sub.Channel.Symbol == symbol {
			return sub.Channel, true
		}
	}
	return models.Channel{}, false
}

// bookFor returns the live book for a symbol, creating it on first use.
func (c *Client) bookFor(symbol string, depth int) *book.Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bk, ok := c.books[symbol]; ok {
		return bk
	}
	depthCap := c.cfg.Book.DepthCap
	if depthCap <= 0 {
		depthCap = depth
	}
	bk := book.New(symbol, depthCap, c.cfg.Book.ChecksumTopN)
	c.books[symbol] = bk
	return bk
}

// checkTimestampOrder reports (but does not drop) updates whose exchange
// timestamp regresses for the same (symbol, channel).
func (c *Client) checkTimestampOrder(symbol, channelName string, ts time.Time) {
	key := symbol + "|" + channelName
	c.mu.Lock()
	last, ok := c.lastTS[key]
	if !ok || ts.After(last) || ts.Equal(last) {
		c.lastTS[key] = ts
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.WithComponent("pipeline").WithFields(logger.Fields{
		"symbol":   symbol,
		"channel":  channelName,
		"previous": last,
		"observed": ts,
	}).Warn("exchange timestamp regression")
}

// sweepPending expires sequence gaps whose fill window elapsed.
func (c *Client) sweepPending(now time.Time) {
	for _, result := range c.tracker.Sweep(now) {
		symbol := ""
		channelName := ""
		if result.Gap != nil {
			symbol = result.Gap.Symbol
			channelName = result.Gap.Channel
		}
		c.mu.RLock()
		bk := c.books[symbol]
		c.mu.RUnlock()
		if bk == nil {
			continue
		}
		c.handleSequenceResult(bk, result, channelName, now)
	}
}
