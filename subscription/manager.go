// Package subscription owns the set of requested channels: validation
// against the channel catalog, pending/active/failed lifecycle, ack
// reconciliation and restoration after a reconnect.
package subscription

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edwardtay/kraken-ws-sdk/models"
	"github.com/edwardtay/kraken-ws-sdk/sdkerr"
)

// Request is an outbound subscribe/unsubscribe frame.
type Request struct {
	Event        string   `json:"event"`
	Pair         []string `json:"pair,omitempty"`
	ReqID        int64    `json:"reqid,omitempty"`
	Subscription Payload  `json:"subscription"`
}

// Payload is the subscription detail of an outbound frame.
type Payload struct {
	Name     string `json:"name"`
	Depth    int    `json:"depth,omitempty"`
	Interval int    `json:"interval,omitempty"`
	Token    string `json:"token,omitempty"`
}

// AckResult reports how an inbound subscriptionStatus reconciled.
type AckResult struct {
	Channel models.Channel
	Active  bool
	Failed  bool
	Removed bool
	Reason  string
	Known   bool
}

// Manager tracks subscription records keyed by channel fingerprint.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*models.Subscription

	hasCredentials bool
	token          string
	reqID          atomic.Int64
}

// NewManager creates an empty manager. hasCredentials gates the private
// channels in validation.
func NewManager(hasCredentials bool) *Manager {
	return &Manager{
		records:        make(map[string]*models.Subscription),
		hasCredentials: hasCredentials,
	}
}

// SetToken installs the websocket token used for private subscribe frames.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// Validate checks one channel against the catalog rules.
func (m *Manager) Validate(c models.Channel) *sdkerr.Error {
	switch c.Kind {
	case models.ChannelTicker, models.ChannelTrade, models.ChannelSpread:
		if c.Symbol == "" {
			return sdkerr.Subscription(string(c.Kind), "symbol is required")
		}
	case models.ChannelBook:
		if c.Symbol == "" {
			return sdkerr.Subscription(string(c.Kind), "symbol is required")
		}
		if !containsInt(models.ValidBookDepths, c.Depth) {
			return sdkerr.Subscription(c.Fingerprint(),
				fmt.Sprintf("depth %d is not one of %v", c.Depth, models.ValidBookDepths))
		}
	case models.ChannelOhlc:
		if c.Symbol == "" {
			return sdkerr.Subscription(string(c.Kind), "symbol is required")
		}
		if !containsInt(models.ValidOhlcIntervals, c.Interval) {
			return sdkerr.Subscription(c.Fingerprint(),
				fmt.Sprintf("interval %d is not one of %v", c.Interval, models.ValidOhlcIntervals))
		}
	case models.ChannelOwnTrades, models.ChannelOpenOrders:
		if !m.hasCredentials {
			return sdkerr.Subscription(string(c.Kind), "credentials are required for private channels")
		}
	default:
		return sdkerr.Subscription(string(c.Kind), "unknown channel kind")
	}
	return nil
}

// Subscribe validates the channels, records them Pending and returns the
// outbound frames, batched per (kind, depth, interval).
func (m *Manager) Subscribe(channels []models.Channel, now time.Time) ([]Request, *sdkerr.Error) {
	for _, c := range channels {
		if err := m.Validate(c); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	token := m.token
	fresh := make([]models.Channel, 0, len(channels))
	for _, c := range channels {
		fp := c.Fingerprint()
		if rec, ok := m.records[fp]; ok && rec.State != models.SubFailed {
			continue
		}
		m.records[fp] = &models.Subscription{
			Channel:     c,
			State:       models.SubPending,
			RequestedAt: now,
			ReqID:       m.reqID.Add(1),
		}
		fresh = append(fresh, c)
	}
	m.mu.Unlock()

	return m.batch("subscribe", fresh, token), nil
}

// Unsubscribe marks records Unsubscribing and returns the frames. Records
// are deleted once the unsubscribed ack arrives.
func (m *Manager) Unsubscribe(channels []models.Channel, now time.Time) []Request {
	m.mu.Lock()
	token := m.token
	known := make([]models.Channel, 0, len(channels))
	for _, c := range channels {
		rec, ok := m.records[c.Fingerprint()]
		if !ok {
			continue
		}
		rec.State = models.SubUnsubscribing
		known = append(known, c)
	}
	m.mu.Unlock()

	return m.batch("unsubscribe", known, token)
}

// batch groups channels sharing (kind, depth, interval) into one frame.
func (m *Manager) batch(event string, channels []models.Channel, token string) []Request {
	type groupKey struct {
		kind     models.ChannelKind
		depth    int
		interval int
	}
	groups := make(map[groupKey][]string)
	order := make([]groupKey, 0, len(channels))
	for _, c := range channels {
		k := groupKey{kind: c.Kind, depth: c.Depth, interval: c.Interval}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c.Symbol)
	}

	reqs := make([]Request, 0, len(order))
	for _, k := range order {
		payload := Payload{Name: string(k.kind), Depth: k.depth, Interval: k.interval}
		if k.kind == models.ChannelOwnTrades || k.kind == models.ChannelOpenOrders {
			payload.Token = token
		}
		pairs := groups[k]
		if k.kind == models.ChannelOwnTrades || k.kind == models.ChannelOpenOrders {
			pairs = nil
		}
		reqs = append(reqs, Request{
			Event:        event,
			Pair:         pairs,
			ReqID:        m.reqID.Add(1),
			Subscription: payload,
		})
	}
	return reqs
}

// OnStatus reconciles an inbound subscriptionStatus with the records.
func (m *Manager) OnStatus(name string, pair string, depth, interval int, status, errMsg string, now time.Time) AckResult {
	c := models.Channel{
		Kind:     models.ChannelKind(name),
		Symbol:   pair,
		Depth:    depth,
		Interval: interval,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[c.Fingerprint()]
	if !ok {
		return AckResult{Channel: c, Known: false}
	}

	switch status {
	case "subscribed":
		rec.State = models.SubActive
		rec.ConfirmedAt = now
		rec.LastError = ""
		return AckResult{Channel: rec.Channel, Active: true, Known: true}
	case "unsubscribed":
		delete(m.records, c.Fingerprint())
		return AckResult{Channel: rec.Channel, Removed: true, Known: true}
	case "error":
		if rec.State == models.SubUnsubscribing {
			// Unsubscribe failures leave the record active.
			rec.State = models.SubActive
		} else {
			rec.State = models.SubFailed
		}
		rec.LastError = errMsg
		return AckResult{Channel: rec.Channel, Failed: true, Reason: errMsg, Known: true}
	default:
		return AckResult{Channel: rec.Channel, Known: true}
	}
}

// Restore flips every previously Active record back to Pending and returns
// the frames to resend. Called when the connection machine re-enters
// Subscribing after recovery.
func (m *Manager) Restore(now time.Time) []Request {
	m.mu.Lock()
	token := m.token
	var channels []models.Channel
	for _, rec := range m.records {
		if rec.State == models.SubActive || rec.State == models.SubPending {
			rec.State = models.SubPending
			rec.RequestedAt = now
			channels = append(channels, rec.Channel)
		}
	}
	m.mu.Unlock()

	return m.batch("subscribe", channels, token)
}

// Subscriptions returns a copy of all records.
func (m *Manager) Subscriptions() []models.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Subscription, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// ActiveChannels returns the channels currently confirmed active.
func (m *Manager) ActiveChannels() []models.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Channel
	for _, rec := range m.records {
		if rec.State == models.SubActive {
			out = append(out, rec.Channel)
		}
	}
	return out
}

// AllActive reports whether every record reached Active. Failed records do
// not block: their failure is surfaced separately.
func (m *Manager) AllActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if rec.State == models.SubPending || rec.State == models.SubUnsubscribing {
			return false
		}
	}
	return true
}

// BookSymbols lists the symbols with a book subscription; their books are
// invalidated until a fresh snapshot arrives after reconnect.
func (m *Manager) BookSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, rec := range m.records {
		if rec.Channel.Kind == models.ChannelBook {
			out = append(out, rec.Channel.Symbol)
		}
	}
	return out
}

// Lookup returns the record for a channel, if any.
func (m *Manager) Lookup(c models.Channel) (models.Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[c.Fingerprint()]
	if !ok {
		return models.Subscription{}, false
	}
	return *rec, true
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
