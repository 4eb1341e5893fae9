// Package dispatch fans accepted events out to typed listeners and the
// unified stream. A failing listener is isolated: it never prevents the
// remaining listeners or the stream from receiving the event.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/edwardtay/kraken-ws-sdk/logger"
	"github.com/edwardtay/kraken-ws-sdk/models"
)

// Listener receives events of the kind it registered for.
type Listener func(models.Event)

// Handle identifies a registration for later removal.
type Handle struct {
	kind models.EventKind
	id   uint64
}

type listenerEntry struct {
	id      uint64
	fn      Listener
	removed atomic.Bool
}

// Dispatcher owns the listener registry and the unified stream.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[models.EventKind][]*listenerEntry
	nextID    uint64

	stream        chan models.Event
	streamDropped atomic.Uint64
	closed        atomic.Bool

	log *logger.Log
}

// NewDispatcher creates a dispatcher whose unified stream holds up to
// streamDepth events.
func NewDispatcher(streamDepth int, log *logger.Log) *Dispatcher {
	if streamDepth <= 0 {
		streamDepth = 1024
	}
	return &Dispatcher{
		listeners: make(map[models.EventKind][]*listenerEntry),
		stream:    make(chan models.Event, streamDepth),
		log:       log,
	}
}

// Register adds a listener for one event kind. Listeners run in
// registration order; dispatch cost is O(n) in the listener count.
func (d *Dispatcher) Register(kind models.EventKind, fn Listener) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	entry := &listenerEntry{id: d.nextID, fn: fn}
	d.listeners[kind] = append(d.listeners[kind], entry)
	return Handle{kind: kind, id: entry.id}
}

// Unregister removes a listener. Once it returns, the listener will not be
// invoked again, even for events already snapshotted for dispatch.
func (d *Dispatcher) Unregister(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.listeners[h.kind]
	for i, entry := range entries {
		if entry.id == h.id {
			entry.removed.Store(true)
			d.listeners[h.kind] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Dispatch delivers an event to the typed listeners then the stream.
func (d *Dispatcher) Dispatch(ev models.Event) {
	d.mu.RLock()
	entries := d.listeners[ev.Kind]
	snapshot := make([]*listenerEntry, len(entries))
	copy(snapshot, entries)
	d.mu.RUnlock()

	for _, entry := range snapshot {
		if entry.removed.Load() {
			continue
		}
		d.invoke(entry, ev)
	}

	if d.closed.Load() {
		return
	}
	select {
	case d.stream <- ev:
	default:
		// Stream consumer is behind; evict the oldest buffered event to
		// admit the new one.
		select {
		case <-d.stream:
			d.streamDropped.Add(1)
		default:
		}
		select {
		case d.stream <- ev:
		default:
			d.streamDropped.Add(1)
		}
	}
}

// invoke runs one listener, catching panics so one bad consumer cannot
// break the rest.
func (d *Dispatcher) invoke(entry *listenerEntry, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			if d.log != nil {
				d.log.WithComponent("dispatcher").WithFields(logger.Fields{
					"event_kind": string(ev.Kind),
					"panic":      r,
				}).Error("listener panicked")
			}
		}
	}()
	entry.fn(ev)
}

// Events returns the unified stream.
func (d *Dispatcher) Events() <-chan models.Event {
	return d.stream
}

// StreamDropped counts events evicted because the stream consumer fell
// behind.
func (d *Dispatcher) StreamDropped() uint64 {
	return d.streamDropped.Load()
}

// Close closes the unified stream. Dispatch becomes a listener-only
// operation afterwards.
func (d *Dispatcher) Close() {
	if d.closed.CompareAndSwap(false, true) {
		close(d.stream)
	}
}
