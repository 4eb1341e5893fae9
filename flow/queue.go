// Package flow is the bounded event queue fronting the dispatcher. It
// enforces the token-bucket rate limit and the configured overflow policy:
// drop oldest, drop newest, coalesce by (kind, symbol), or block the
// producer.
package flow

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/edwardtay/kraken-ws-sdk/config"
	"github.com/edwardtay/kraken-ws-sdk/models"
)

// Stats are the flow-control counters.
type Stats struct {
	TotalReceived  uint64  `json:"total_received"`
	TotalAccepted  uint64  `json:"total_accepted"`
	TotalDropped   uint64  `json:"total_dropped"`
	TotalCoalesced uint64  `json:"total_coalesced"`
	CurrentRate    float64 `json:"current_rate"`
	PeakRate       float64 `json:"peak_rate"`
	QueueDepth     int     `json:"queue_depth"`
	PeakQueueDepth int     `json:"peak_queue_depth"`
	DropRate       float64 `json:"drop_rate"`
	CoalesceRate   float64 `json:"coalesce_rate"`
}

// DropEvent describes one dropped event.
type DropEvent struct {
	Kind   models.EventKind
	Symbol string
	Reason string
}

// CoalesceEvent describes one merge of a queued entry.
type CoalesceEvent struct {
	Kind   models.EventKind
	Symbol string
	Merged int
}

// RateLimitEvent describes a token-bucket rejection.
type RateLimitEvent struct {
	CurrentRate float64
	Limit       int
}

// Callbacks observe flow-control decisions. All are optional.
type Callbacks struct {
	OnDrop      func(DropEvent)
	OnCoalesce  func(CoalesceEvent)
	OnRateLimit func(RateLimitEvent)
}

type entry struct {
	ev         models.Event
	enqueuedAt time.Time
	merged     int
}

// Queue is the bounded, policy-governed event queue.
type Queue struct {
	mu      sync.Mutex
	notFull *sync.Cond

	cfg       config.FlowConfig
	limiter   *rate.Limiter
	entries   []*entry
	byKey     map[string]*entry
	notify    chan struct{}
	callbacks Callbacks
	closed    bool

	stats  Stats
	recent []time.Time
}

// NewQueue creates the queue. A zero MaxMessagesPerSecond disables the
// rate limit.
func NewQueue(cfg config.FlowConfig, callbacks Callbacks) *Queue {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 10000
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = 10 * time.Millisecond
	}
	q := &Queue{
		cfg:       cfg,
		byKey:     make(map[string]*entry),
		notify:    make(chan struct{}, 1),
		callbacks: callbacks,
	}
	q.notFull = sync.NewCond(&q.mu)
	if cfg.MaxMessagesPerSecond > 0 {
		burst := cfg.BurstAllowance
		if burst <= 0 {
			burst = cfg.MaxMessagesPerSecond
		}
		q.limiter = rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), burst)
	}
	return q
}

func coalesceKey(ev models.Event) string {
	return string(ev.Kind) + "|" + ev.Symbol()
}

// Push offers an event to the queue, applying rate limiting and the
// overflow policy. It reports whether the event was admitted (a coalesced
// merge counts as admitted).
func (q *Queue) Push(ev models.Event, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.stats.TotalReceived++
	q.observeRate(now)

	if q.limiter != nil && !q.limiter.AllowN(now, 1) {
		q.stats.TotalDropped++
		q.emitRateLimit(RateLimitEvent{CurrentRate: q.stats.CurrentRate, Limit: q.cfg.MaxMessagesPerSecond})
		q.emitDrop(DropEvent{Kind: ev.Kind, Symbol: ev.Symbol(), Reason: "rate_limit"})
		q.updateDerived()
		return false
	}

	// Under the coalesce policy a full queue merges same-key updates into
	// the queued entry instead of growing.
	if q.cfg.DropPolicy == config.Coalesce && len(q.entries) >= q.cfg.QueueDepth && ev.Coalescable() {
		if existing, ok := q.byKey[coalesceKey(ev)]; ok && now.Sub(existing.enqueuedAt) <= q.cfg.CoalesceWindow {
			q.merge(existing, ev)
			q.updateDerived()
			return true
		}
	}

	for len(q.entries) >= q.cfg.QueueDepth {
		switch q.cfg.DropPolicy {
		case config.DropNewest:
			q.stats.TotalDropped++
			q.emitDrop(DropEvent{Kind: ev.Kind, Symbol: ev.Symbol(), Reason: "queue_full"})
			q.updateDerived()
			return false
		case config.Block:
			q.notFull.Wait()
			if q.closed {
				return false
			}
		default:
			// DropOldest, and the coalesce fallback for events that could
			// not be merged.
			head := q.entries[0]
			q.entries = q.entries[1:]
			q.unindex(head)
			q.stats.TotalDropped++
			q.emitDrop(DropEvent{Kind: head.ev.Kind, Symbol: head.ev.Symbol(), Reason: "queue_full"})
		}
	}

	e := &entry{ev: ev, enqueuedAt: now}
	q.entries = append(q.entries, e)
	if ev.Coalescable() {
		q.byKey[coalesceKey(ev)] = e
	}
	q.stats.TotalAccepted++
	if len(q.entries) > q.stats.PeakQueueDepth {
		q.stats.PeakQueueDepth = len(q.entries)
	}
	q.updateDerived()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// merge keeps the newer sample and sums the lossless counters.
func (q *Queue) merge(existing *entry, ev models.Event) {
	if ev.Kind == models.EventTicker && existing.ev.Kind == models.EventTicker {
		ev.Ticker.TradeCount += existing.ev.Ticker.TradeCount
	}
	existing.ev = ev
	existing.merged++
	q.stats.TotalCoalesced++
	q.stats.TotalAccepted++
	q.emitCoalesce(CoalesceEvent{Kind: ev.Kind, Symbol: ev.Symbol(), Merged: existing.merged})
}

// Pop removes the head entry if any.
func (q *Queue) Pop() (models.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return models.Event{}, false
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	q.unindex(head)
	q.updateDerived()
	q.notFull.Signal()
	return head.ev, true
}

// Notify signals when the queue may have become non-empty.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close wakes blocked producers and rejects further pushes. Queued events
// remain poppable so the consumer can drain on shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notFull.Broadcast()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Clear drops all queued events without delivering them.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.byKey = make(map[string]*entry)
	q.updateDerived()
	q.notFull.Broadcast()
}

// Stats returns a copy of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.QueueDepth = len(q.entries)
	return s
}

func (q *Queue) unindex(e *entry) {
	if !e.ev.Coalescable() {
		return
	}
	k := coalesceKey(e.ev)
	if q.byKey[k] == e {
		delete(q.byKey, k)
	}
}

// observeRate maintains the one-second sliding window used for the
// current/peak rate counters.
func (q *Queue) observeRate(now time.Time) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(q.recent) && q.recent[i].Before(cutoff) {
		i++
	}
	q.recent = append(q.recent[i:], now)
	q.stats.CurrentRate = float64(len(q.recent))
	if q.stats.CurrentRate > q.stats.PeakRate {
		q.stats.PeakRate = q.stats.CurrentRate
	}
}

func (q *Queue) updateDerived() {
	q.stats.QueueDepth = len(q.entries)
	if q.stats.TotalReceived > 0 {
		q.stats.DropRate = float64(q.stats.TotalDropped) / float64(q.stats.TotalReceived) * 100.0
		q.stats.CoalesceRate = float64(q.stats.TotalCoalesced) / float64(q.stats.TotalReceived) * 100.0
	}
}

func (q *Queue) emitDrop(ev DropEvent) {
	if q.callbacks.OnDrop != nil {
		q.callbacks.OnDrop(ev)
	}
}

func (q *Queue) emitCoalesce(ev CoalesceEvent) {
	if q.callbacks.OnCoalesce != nil {
		q.callbacks.OnCoalesce(ev)
	}
}

func (q *Queue) emitRateLimit(ev RateLimitEvent) {
	if q.callbacks.OnRateLimit != nil {
		q.callbacks.OnRateLimit(ev)
	}
}
