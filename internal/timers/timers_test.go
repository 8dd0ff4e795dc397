package timers_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"raftkv/internal/timers"
)

func TestElectionFiresWithinWindow(t *testing.T) {
	e := timers.NewElection(10*time.Millisecond, 20*time.Millisecond)
	require.False(t, e.Fired())
	time.Sleep(25 * time.Millisecond)
	require.True(t, e.Fired())
}

func TestElectionSuspendNeverFires(t *testing.T) {
	e := timers.NewElection(5*time.Millisecond, 10*time.Millisecond)
	e.Suspend()
	time.Sleep(15 * time.Millisecond)
	require.False(t, e.Fired())
}

func TestHeartbeatInactiveUntilReset(t *testing.T) {
	h := timers.NewHeartbeat(5 * time.Millisecond)
	require.False(t, h.Fired())
	h.Reset()
	time.Sleep(10 * time.Millisecond)
	require.True(t, h.Fired())
	h.Suspend()
	require.False(t, h.Fired())
}
