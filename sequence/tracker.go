// Package sequence validates per-stream sequence numbers, detecting gaps,
// buffering limited reordering and deciding when a resync is required.
package sequence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edwardtay/kraken-ws-sdk/config"
	"github.com/edwardtay/kraken-ws-sdk/models"
)

// Result reports what happened to an observed message. Deliver holds the
// payloads to release downstream, in sequence order: the observed message
// and any pending messages it unblocked.
type Result struct {
	Deliver   []any
	Duplicate bool
	Buffered  bool
	Gap       *models.GapInfo
	Resync    *models.ResyncInfo
}

// Stats aggregates tracking counters across keys.
type Stats struct {
	TotalKeys         int     `json:"total_keys"`
	MessagesProcessed uint64  `json:"messages_processed"`
	TotalGaps         uint64  `json:"total_gaps"`
	KeysWithGaps      int     `json:"keys_with_gaps"`
	GapRate           float64 `json:"gap_rate"`
}

type pendingMessage struct {
	seq     uint64
	payload any
}

type keyState struct {
	symbol  string
	channel string
	started bool
	lastSeq uint64

	pending         []pendingMessage
	pendingDeadline time.Time

	gapDetected       bool
	messagesProcessed uint64
	totalGaps         uint64
}

// Tracker validates sequence numbers per (symbol, channel) key.
type Tracker struct {
	mu   sync.Mutex
	cfg  config.GapConfig
	keys map[string]*keyState
}

// NewTracker creates a tracker with the given gap configuration.
func NewTracker(cfg config.GapConfig) *Tracker {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1000
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 5 * time.Second
	}
	return &Tracker{cfg: cfg, keys: make(map[string]*keyState)}
}

func key(symbol, channel string) string {
	return symbol + "|" + channel
}

// Observe runs the validation algorithm for one sequenced message.
func (t *Tracker) Observe(symbol, channel string, seq uint64, payload any, now time.Time) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.keys[key(symbol, channel)]
	if !ok {
		st = &keyState{symbol: symbol, channel: channel}
		t.keys[key(symbol, channel)] = st
	}

	// First message establishes the baseline.
	if !st.started {
		st.started = true
		st.lastSeq = seq
		st.messagesProcessed++
		return Result{Deliver: []any{payload}}
	}

	switch {
	case seq == st.lastSeq+1:
		st.lastSeq = seq
		st.messagesProcessed++
		st.gapDetected = false
		deliver := append([]any{payload}, t.drainPending(st)...)
		return Result{Deliver: deliver}

	case seq <= st.lastSeq:
		// Duplicate or reorder past the commit point.
		return Result{Duplicate: true}

	default:
		return t.handleGap(st, seq, payload, now)
	}
}

func (t *Tracker) handleGap(st *keyState, seq uint64, payload any, now time.Time) Result {
	expected := st.lastSeq + 1
	gapSize := seq - expected
	st.gapDetected = true
	st.totalGaps++

	gap := &models.GapInfo{
		Symbol:   st.symbol,
		Channel:  st.channel,
		Expected: expected,
		Received: seq,
	}

	if t.cfg.Policy == config.GapIgnore {
		// Accept the loss and move the baseline forward.
		st.lastSeq = seq
		st.messagesProcessed++
		return Result{Deliver: []any{payload}, Gap: gap}
	}

	tooLarge := gapSize > t.cfg.MaxGapSize
	tooMany := len(st.pending) >= t.cfg.MaxPending

	if tooLarge || tooMany {
		reason := fmt.Sprintf("gap of %d exceeds max %d", gapSize, t.cfg.MaxGapSize)
		if tooMany {
			reason = fmt.Sprintf("pending buffer full at %d", len(st.pending))
		}
		if t.cfg.Policy == config.GapBuffer {
			// Reorder-only policy: flush what we have in order, accept the
			// loss and continue from the observed sequence.
			deliver := t.flushPending(st)
			deliver = append(deliver, payload)
			st.lastSeq = seq
			st.messagesProcessed++
			return Result{Deliver: deliver, Gap: gap}
		}
		t.reset(st)
		return Result{Gap: gap, Resync: &models.ResyncInfo{Symbol: st.symbol, Reason: reason}}
	}

	// Buffer and wait for the missing messages.
	if len(st.pending) == 0 {
		st.pendingDeadline = now.Add(t.cfg.PendingTimeout)
	}
	st.pending = append(st.pending, pendingMessage{seq: seq, payload: payload})
	sort.Slice(st.pending, func(i, j int) bool { return st.pending[i].seq < st.pending[j].seq })
	return Result{Buffered: true, Gap: gap}
}

// drainPending releases buffered messages that are now contiguous.
func (t *Tracker) drainPending(st *keyState) []any {
	var out []any
	for len(st.pending) > 0 && st.pending[0].seq == st.lastSeq+1 {
		st.lastSeq = st.pending[0].seq
		st.messagesProcessed++
		out = append(out, st.pending[0].payload)
		st.pending = st.pending[1:]
	}
	if len(st.pending) == 0 {
		st.pendingDeadline = time.Time{}
	}
	return out
}

// flushPending releases everything buffered in order, skipping the gaps.
func (t *Tracker) flushPending(st *keyState) []any {
	out := make([]any, 0, len(st.pending))
	for _, p := range st.pending {
		st.lastSeq = p.seq
		st.messagesProcessed++
		out = append(out, p.payload)
	}
	st.pending = nil
	st.pendingDeadline = time.Time{}
	return out
}

// Sweep expires pending buffers whose gap was not filled in time. Each
// expired key yields a gap event and, under the resync policy, a resync.
func (t *Tracker) Sweep(now time.Time) []Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	var results []Result
	for _, st := range t.keys {
		if len(st.pending) == 0 || now.Before(st.pendingDeadline) {
			continue
		}
		gap := &models.GapInfo{
			Symbol:   st.symbol,
			Channel:  st.channel,
			Expected: st.lastSeq + 1,
			Received: st.pending[0].seq,
		}
		st.totalGaps++
		if t.cfg.Policy == config.GapBuffer {
			results = append(results, Result{Deliver: t.flushPending(st), Gap: gap})
			continue
		}
		reason := fmt.Sprintf("pending gap not filled within %s", t.cfg.PendingTimeout)
		t.reset(st)
		results = append(results, Result{Gap: gap, Resync: &models.ResyncInfo{Symbol: st.symbol, Reason: reason}})
	}
	return results
}

func (t *Tracker) reset(st *keyState) {
	st.started = false
	st.lastSeq = 0
	st.pending = nil
	st.pendingDeadline = time.Time{}
}

// Reset clears tracking state for one key, e.g. after a fresh snapshot.
func (t *Tracker) Reset(symbol, channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.keys[key(symbol, channel)]; ok {
		t.reset(st)
	}
}

// ResetAll clears every key; used on reconnect.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = make(map[string]*keyState)
}

// LastSequence returns the committed sequence for a key.
func (t *Tracker) LastSequence(symbol, channel string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.keys[key(symbol, channel)]
	if !ok || !st.started {
		return 0, false
	}
	return st.lastSeq, true
}

// Stats aggregates counters across all keys.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{TotalKeys: len(t.keys)}
	for _, st := range t.keys {
		s.MessagesProcessed += st.messagesProcessed
		s.TotalGaps += st.totalGaps
		if st.totalGaps > 0 {
			s.KeysWithGaps++
		}
	}
	if s.MessagesProcessed > 0 {
		s.GapRate = float64(s.TotalGaps) / float64(s.MessagesProcessed)
	}
	return s
}
