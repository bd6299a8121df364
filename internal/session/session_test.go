package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	m := NewManager()
	m.Create("s1", "dev-1")

	info, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "dev-1", info.DeviceID)
	assert.Equal(t, StatusActive, info.Status)
	assert.Zero(t, info.AudioFramesSent)
}

func TestFrameCounters(t *testing.T) {
	m := NewManager()
	m.Create("s1", "dev-1")

	m.IncrementSentFrames("s1")
	m.IncrementSentFrames("s1")
	m.IncrementReceivedFrames("s1")

	info, _ := m.Get("s1")
	assert.Equal(t, uint64(2), info.AudioFramesSent)
	assert.Equal(t, uint64(1), info.AudioFramesReceived)
}

func TestLifecycleTransitions(t *testing.T) {
	m := NewManager()

	m.Create("s1", "dev-1")
	m.End("s1")
	info, _ := m.Get("s1")
	assert.Equal(t, StatusCompleted, info.Status)

	m.Create("s2", "dev-1")
	m.MarkFailed("s2")
	info, _ = m.Get("s2")
	assert.Equal(t, StatusFailed, info.Status)

	m.Create("s3", "dev-1")
	m.MarkTimeout("s3")
	info, _ = m.Get("s3")
	assert.Equal(t, StatusTimeout, info.Status)
}

func TestActiveForDevice(t *testing.T) {
	m := NewManager()
	m.Create("s1", "dev-1")
	m.Create("s2", "dev-1")
	m.Create("s3", "dev-2")
	m.End("s2")

	active := m.ActiveForDevice("dev-1")
	require.Len(t, active, 1)
	assert.Equal(t, "s1", active[0].SessionID)
}

func TestCleanupTimeouts(t *testing.T) {
	m := NewManager()
	m.Create("s1", "dev-1")

	// Force LastActivity into the past by sleeping past a tiny timeout.
	time.Sleep(5 * time.Millisecond)

	count := m.CleanupTimeouts(1 * time.Millisecond)
	assert.Equal(t, 1, count)

	info, _ := m.Get("s1")
	assert.Equal(t, StatusTimeout, info.Status)
}

func TestStats(t *testing.T) {
	m := NewManager()
	m.Create("s1", "dev-1")
	m.Create("s2", "dev-1")
	m.End("s2")

	stats := m.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Completed)
}

func TestStartChatRoundInvariant(t *testing.T) {
	m := NewManager()
	m.Create("s1", "dev-1")

	assert.True(t, m.NeedsStartChatForRound("s1"))

	m.MarkStartChatSent("s1")
	assert.False(t, m.NeedsStartChatForRound("s1"))

	m.ResetStartChatFlag("s1")
	assert.True(t, m.NeedsStartChatForRound("s1"))
}

func TestNeedsStartChatForRound_UnknownSessionDefaultsTrue(t *testing.T) {
	m := NewManager()
	assert.True(t, m.NeedsStartChatForRound("ghost"))
}

func TestSetEchoKitSessionID(t *testing.T) {
	m := NewManager()
	m.Create("s1", "dev-1")
	m.SetEchoKitSessionID("s1", "ek-123")

	info, _ := m.Get("s1")
	assert.Equal(t, "ek-123", info.EchoKitSessionID)
}
