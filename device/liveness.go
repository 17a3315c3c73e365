package device

import (
	"context"
	"errors"
	"time"
)

// errTokenLost is the cause passed to OnLost when the liveness monitor
// itself declares a tag gone, as opposed to a caller-initiated Detach.
var errTokenLost = errors.New("device: liveness monitor declared token lost")

// Liveness polling/threshold constants, spec §4.7: poll every 250ms; a tag
// that received data less than 750ms ago is alive without further checking;
// a tag whose last receive is between 750ms and 1500ms old is alive only if
// it answers a ping; a tag silent for 1500ms or more is declared lost.
const (
	pollInterval     = 250 * time.Millisecond
	passiveThreshold = 1500 * time.Millisecond
	activeThreshold  = 750 * time.Millisecond
)

// startLivenessMonitor spawns the one-goroutine-per-tag monitor described in
// the spec: it terminates on loss (releasing the transport and emitting
// OnLost) or when ctx is cancelled by Detach/Close, and never busy-waits —
// the 250ms cadence comes from a single time.Ticker whose channel the
// goroutine selects against alongside ctx.Done().
func (m *Manager) startLivenessMonitor(tok *ManagedToken) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.monitors[tok.Identity] = cancel
	m.mu.Unlock()

	go m.runLivenessMonitor(ctx, tok)
}

func (m *Manager) runLivenessMonitor(ctx context.Context, tok *ManagedToken) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if alive := m.checkAlive(ctx, tok); !alive {
				m.Detach(tok.Identity, errTokenLost)
				return
			}
		}
	}
}

// checkAlive implements the passive-or-active liveness test against the
// token's current Clock-relative age. Traffic younger than activeThreshold
// is alive with no probe; traffic older than passiveThreshold is lost
// regardless of probing; the band in between is resolved with a ping, so
// both thresholds from the spec are load-bearing rather than one shadowing
// the other.
func (m *Manager) checkAlive(ctx context.Context, tok *ManagedToken) bool {
	age := m.clock.Now().Sub(tok.lastSeen())
	if age < activeThreshold {
		return true
	}
	if age >= passiveThreshold {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, pollInterval)
	defer cancel()
	if err := tok.Transport.Ping(pingCtx); err != nil {
		return false
	}
	tok.Touch(m.clock.Now())
	return true
}
