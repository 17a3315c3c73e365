package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAlive_RecentTrafficSkipsPing(t *testing.T) {
	clock := newManualClock()
	mgr := NewManager(WithClock(clock))
	ft := &fakeTransceiver{pingErr: errors.New("should not be called")}
	tok := newManagedToken("x", KindNFC, ft, clock.Now())

	clock.Advance(100 * time.Millisecond) // well under activeThreshold

	require.True(t, mgr.checkAlive(context.Background(), tok))
	require.Equal(t, 0, ft.pingCalls)
}

func TestCheckAlive_StaleBeyondPassiveIsDead(t *testing.T) {
	clock := newManualClock()
	mgr := NewManager(WithClock(clock))
	ft := &fakeTransceiver{}
	tok := newManagedToken("x", KindNFC, ft, clock.Now())

	clock.Advance(passiveThreshold + time.Second)

	require.False(t, mgr.checkAlive(context.Background(), tok))
	require.Equal(t, 0, ft.pingCalls, "no ping should be attempted once past the passive ceiling")
}

func TestCheckAlive_MiddleBandConfirmedByPing(t *testing.T) {
	clock := newManualClock()
	mgr := NewManager(WithClock(clock))
	ft := &fakeTransceiver{}
	tok := newManagedToken("x", KindNFC, ft, clock.Now())

	clock.Advance(activeThreshold + 100*time.Millisecond) // between thresholds

	require.True(t, mgr.checkAlive(context.Background(), tok))
	require.Equal(t, 1, ft.pingCalls)
}

func TestCheckAlive_MiddleBandPingFailsIsDead(t *testing.T) {
	clock := newManualClock()
	mgr := NewManager(WithClock(clock))
	ft := &fakeTransceiver{pingErr: errors.New("timeout")}
	tok := newManagedToken("x", KindNFC, ft, clock.Now())

	clock.Advance(activeThreshold + 100*time.Millisecond)

	require.False(t, mgr.checkAlive(context.Background(), tok))
}
