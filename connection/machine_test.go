package connection

import (
	"testing"
	"time"

	"github.com/edwardtay/kraken-ws-sdk/config"
	"github.com/edwardtay/kraken-ws-sdk/models"
)

func testReconnect() config.ReconnectConfig {
	return config.ReconnectConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
	}
}

func TestHappyPathWithoutAuth(t *testing.T) {
	m := NewMachine(testReconnect(), false)

	if change := m.Connect(); change == nil || change.To.Phase != models.PhaseConnecting {
		t.Fatalf("connect: %+v", change)
	}
	if change := m.TransportEstablished(); change == nil || change.To.Phase != models.PhaseSubscribing {
		t.Fatalf("no-auth transport established should go to subscribing: %+v", change)
	}
	if change := m.SubscriptionsConfirmed(); change == nil || change.To.Phase != models.PhaseSubscribed {
		t.Fatalf("subscriptions confirmed: %+v", change)
	}
}

func TestHappyPathWithAuth(t *testing.T) {
	m := NewMachine(testReconnect(), true)

	m.Connect()
	if change := m.TransportEstablished(); change.To.Phase != models.PhaseAuthenticating {
		t.Fatalf("expected authenticating, got %+v", change)
	}
	if change := m.AuthAccepted(); change.To.Phase != models.PhaseSubscribing {
		t.Fatalf("auth accepted: %+v", change)
	}
}

func TestAuthRejectedIsTerminal(t *testing.T) {
	m := NewMachine(testReconnect(), true)
	m.Connect()
	m.TransportEstablished()

	change := m.AuthRejected("invalid key")
	if change == nil || change.To.Phase != models.PhaseClosed || change.To.ClosedReason != models.ClosedAuthRejected {
		t.Fatalf("auth rejected: %+v", change)
	}
	// No retry from auth rejection.
	if change := m.BackoffFired(); change != nil {
		t.Errorf("terminal state must not retry: %+v", change)
	}
	// A fresh connect() starts a new cycle.
	if change := m.Connect(); change == nil || change.To.Phase != models.PhaseConnecting {
		t.Errorf("connect after closed: %+v", change)
	}
}

func TestInvalidTransitionsIgnored(t *testing.T) {
	m := NewMachine(testReconnect(), false)

	if change := m.TransportEstablished(); change != nil {
		t.Errorf("transport established from disconnected: %+v", change)
	}
	if change := m.AuthAccepted(); change != nil {
		t.Errorf("auth accepted from disconnected: %+v", change)
	}
	m.Connect()
	if change := m.Connect(); change != nil {
		t.Errorf("double connect: %+v", change)
	}
}

// Successive backoff delays are non-decreasing up to the ceiling, modulo
// the +/-20% jitter band.
func TestBackoffMonotonic(t *testing.T) {
	m := NewMachine(testReconnect(), false)
	m.Connect()

	var prevBase float64
	for i := 0; i < 8; i++ {
		change := m.TransportFailed("refused")
		if change == nil || change.To.Phase != models.PhaseDegraded {
			t.Fatalf("attempt %d: %+v", i, change)
		}
		delay := m.NextDelay()
		// Undo the worst-case jitter to recover a base-delay bound.
		base := float64(delay) / 1.2
		if base < prevBase*0.8/1.2 {
			t.Errorf("attempt %d: delay %v regressed below jitter band", i, delay)
		}
		if delay > time.Duration(float64(30*time.Second)*1.2) {
			t.Errorf("attempt %d: delay %v above ceiling", i, delay)
		}
		prevBase = base

		if change := m.BackoffFired(); change == nil || change.To.Phase != models.PhaseConnecting {
			t.Fatalf("backoff fired: %+v", change)
		}
	}
}

func TestMaxRetriesClosed(t *testing.T) {
	cfg := testReconnect()
	cfg.MaxAttempts = 3
	m := NewMachine(cfg, false)
	m.Connect()

	m.TransportFailed("refused")
	m.BackoffFired()
	m.TransportFailed("refused")
	m.BackoffFired()
	change := m.TransportFailed("refused")
	if change == nil || change.To.Phase != models.PhaseClosed || change.To.ClosedReason != models.ClosedMaxRetriesReached {
		t.Fatalf("max retries: %+v", change)
	}
}

func TestConnectResetsRetryCount(t *testing.T) {
	cfg := testReconnect()
	cfg.MaxAttempts = 2
	m := NewMachine(cfg, false)

	m.Connect()
	m.TransportFailed("refused")
	m.BackoffFired()
	m.TransportFailed("refused") // second failure closes

	if m.State().Phase != models.PhaseClosed {
		t.Fatalf("expected closed, got %s", m.State().Phase)
	}

	m.Connect()
	change := m.TransportFailed("refused")
	if change == nil || change.To.Phase != models.PhaseDegraded {
		t.Errorf("retry count must reset on connect: %+v", change)
	}
}

func TestResyncCycle(t *testing.T) {
	m := NewMachine(testReconnect(), false)
	m.Connect()
	m.TransportEstablished()
	m.SubscriptionsConfirmed()

	if change := m.GapResync(); change == nil || change.To.Phase != models.PhaseResyncing {
		t.Fatalf("gap resync: %+v", change)
	}
	if change := m.ResyncComplete(); change == nil || change.To.Phase != models.PhaseSubscribed {
		t.Fatalf("resync complete: %+v", change)
	}
}

func TestDisconnectDegrades(t *testing.T) {
	m := NewMachine(testReconnect(), false)
	m.Connect()
	m.TransportEstablished()
	m.SubscriptionsConfirmed()

	change := m.Disconnected("peer reset")
	if change == nil || change.To.Phase != models.PhaseDegraded {
		t.Fatalf("disconnect: %+v", change)
	}
	if change.To.RetryCount != 1 {
		t.Errorf("retry count = %d", change.To.RetryCount)
	}
	if change.To.NextAttemptAt.IsZero() {
		t.Error("next attempt timestamp missing")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewMachine(testReconnect(), false)
	m.Connect()

	first := m.CloseRequested()
	if first == nil || first.To.ClosedReason != models.ClosedUserRequested {
		t.Fatalf("close: %+v", first)
	}
	if second := m.CloseRequested(); second != nil {
		t.Errorf("second close should be a no-op: %+v", second)
	}
}

func TestCorrelationIDPerCycle(t *testing.T) {
	m := NewMachine(testReconnect(), false)
	m.Connect()
	first := m.CorrelationID()
	if first == "" {
		t.Fatal("missing correlation id")
	}
	m.TransportFailed("refused")
	m.BackoffFired()
	if m.CorrelationID() == first {
		t.Error("correlation id should rotate per cycle")
	}
}

func TestHistoryRecorded(t *testing.T) {
	m := NewMachine(testReconnect(), false)
	m.Connect()
	m.TransportEstablished()
	m.SubscriptionsConfirmed()

	h := m.History()
	if len(h) != 3 {
		t.Fatalf("history length = %d", len(h))
	}
	if h[0].To.Phase != models.PhaseConnecting || h[2].To.Phase != models.PhaseSubscribed {
		t.Errorf("history: %+v", h)
	}
}
