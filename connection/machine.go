// Package connection implements the deterministic connection lifecycle
// state machine with its backoff scheduler. The machine owns no goroutines
// or sockets; the client drives it with observed events and acts on the
// returned transitions.
package connection

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/edwardtay/kraken-ws-sdk/config"
	"github.com/edwardtay/kraken-ws-sdk/models"
)

const maxHistory = 100

// Machine is the connection lifecycle state machine.
type Machine struct {
	mu sync.Mutex

	state         models.ConnectionState
	requiresAuth  bool
	maxAttempts   int
	retryCount    int
	backoff       *backoff.Backoff
	nextDelay     time.Duration
	correlationID string
	history       []models.StateChange
}

// NewMachine builds a machine in the Disconnected state.
func NewMachine(cfg config.ReconnectConfig, requiresAuth bool) *Machine {
	return &Machine{
		state:        models.ConnectionState{Phase: models.PhaseDisconnected},
		requiresAuth: requiresAuth,
		maxAttempts:  cfg.MaxAttempts,
		backoff: &backoff.Backoff{
			Min:    cfg.InitialDelay,
			Max:    cfg.MaxDelay,
			Factor: cfg.Multiplier,
			// Jitter is applied here as +/-20% so successive delays stay
			// monotone modulo that band.
			Jitter: false,
		},
	}
}

// State returns the current state.
func (m *Machine) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CorrelationID identifies the current connect cycle in logs and errors.
func (m *Machine) CorrelationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.correlationID
}

// History returns a copy of the recorded transitions, newest last.
func (m *Machine) History() []models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.StateChange, len(m.history))
	copy(out, m.history)
	return out
}

// NextDelay returns the backoff delay chosen on the last Degraded entry.
func (m *Machine) NextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextDelay
}

// Connect starts a cycle from Disconnected or Closed. Returns nil if the
// machine is in neither.
func (m *Machine) Connect() *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Phase {
	case models.PhaseDisconnected, models.PhaseClosed:
	default:
		return nil
	}
	m.retryCount = 0
	m.backoff.Reset()
	m.correlationID = uuid.NewString()
	return m.transition(models.ConnectionState{Phase: models.PhaseConnecting}, "connect")
}

// TransportEstablished moves Connecting to Authenticating, or straight to
// Subscribing when no credentials are configured.
func (m *Machine) TransportEstablished() *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != models.PhaseConnecting {
		return nil
	}
	if m.requiresAuth {
		return m.transition(models.ConnectionState{Phase: models.PhaseAuthenticating}, "transport_established")
	}
	return m.transition(models.ConnectionState{Phase: models.PhaseSubscribing}, "transport_established")
}

// TransportFailed degrades a failed connection attempt.
func (m *Machine) TransportFailed(reason string) *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != models.PhaseConnecting {
		return nil
	}
	return m.degrade(reason, "transport_failed")
}

// AuthAccepted moves Authenticating to Subscribing.
func (m *Machine) AuthAccepted() *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != models.PhaseAuthenticating {
		return nil
	}
	return m.transition(models.ConnectionState{Phase: models.PhaseSubscribing}, "auth_accepted")
}

// AuthRejected is terminal: no retry.
func (m *Machine) AuthRejected(reason string) *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != models.PhaseAuthenticating {
		return nil
	}
	return m.transition(models.ConnectionState{
		Phase:        models.PhaseClosed,
		Reason:       reason,
		ClosedReason: models.ClosedAuthRejected,
	}, "auth_rejected")
}

// SubscriptionsConfirmed moves Subscribing to Subscribed once every
// previously-active subscription is restored.
func (m *Machine) SubscriptionsConfirmed() *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != models.PhaseSubscribing {
		return nil
	}
	return m.transition(models.ConnectionState{Phase: models.PhaseSubscribed}, "subscriptions_confirmed")
}

// SubscriptionCycleFailed degrades the whole cycle. Permanent per-channel
// failures are surfaced as events instead and do not call this.
func (m *Machine) SubscriptionCycleFailed(reason string) *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != models.PhaseSubscribing {
		return nil
	}
	return m.degrade(reason, "subscription_failed")
}

// GapResync moves Subscribed to Resyncing when the gap policy demands it.
func (m *Machine) GapResync() *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != models.PhaseSubscribed {
		return nil
	}
	return m.transition(models.ConnectionState{Phase: models.PhaseResyncing}, "gap_detected")
}

// ResyncComplete returns to Subscribed once every invalid book received a
// fresh snapshot.
func (m *Machine) ResyncComplete() *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != models.PhaseResyncing {
		return nil
	}
	return m.transition(models.ConnectionState{Phase: models.PhaseSubscribed}, "resync_complete")
}

// Disconnected degrades an established connection that dropped.
func (m *Machine) Disconnected(reason string) *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Phase {
	case models.PhaseSubscribed, models.PhaseSubscribing, models.PhaseResyncing, models.PhaseAuthenticating:
	default:
		return nil
	}
	return m.degrade(reason, "transport_disconnect")
}

// HeartbeatStale degrades a connection with no traffic inside the timeout.
func (m *Machine) HeartbeatStale() *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Phase {
	case models.PhaseSubscribed, models.PhaseSubscribing, models.PhaseResyncing:
	default:
		return nil
	}
	return m.degrade("heartbeat timeout", "heartbeat_stale")
}

// BackoffFired retries the cycle once the degraded delay elapsed.
func (m *Machine) BackoffFired() *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != models.PhaseDegraded {
		return nil
	}
	m.correlationID = uuid.NewString()
	return m.transition(models.ConnectionState{Phase: models.PhaseConnecting}, "backoff_fired")
}

// CloseRequested is the user-initiated terminal transition. Idempotent.
func (m *Machine) CloseRequested() *models.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase == models.PhaseClosed {
		return nil
	}
	return m.transition(models.ConnectionState{
		Phase:        models.PhaseClosed,
		ClosedReason: models.ClosedUserRequested,
	}, "close")
}

// degrade enters Degraded with the next backoff delay, or Closed once the
// retry budget is exhausted. Callers hold the lock.
func (m *Machine) degrade(reason, trigger string) *models.StateChange {
	m.retryCount++
	if m.retryCount >= m.maxAttempts {
		return m.transition(models.ConnectionState{
			Phase:        models.PhaseClosed,
			Reason:       reason,
			ClosedReason: models.ClosedMaxRetriesReached,
		}, trigger)
	}

	base := m.backoff.Duration()
	jitter := 1.0 + (rand.Float64()*0.4 - 0.2)
	m.nextDelay = time.Duration(float64(base) * jitter)

	return m.transition(models.ConnectionState{
		Phase:         models.PhaseDegraded,
		Reason:        reason,
		RetryCount:    m.retryCount,
		NextAttemptAt: time.Now().Add(m.nextDelay),
	}, trigger)
}

// transition swaps states and records the change. Callers hold the lock.
func (m *Machine) transition(to models.ConnectionState, trigger string) *models.StateChange {
	change := models.StateChange{
		From:          m.state,
		To:            to,
		Trigger:       trigger,
		CorrelationID: m.correlationID,
		At:            time.Now(),
	}
	m.state = to
	m.history = append(m.history, change)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	return &change
}
