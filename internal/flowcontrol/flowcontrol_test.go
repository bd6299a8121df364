package flowcontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		WindowMaxFrames: 3,
		BufferMaxBytes:  100,
		ReleaseFraction: 0.5,
	}
}

func TestCanSend_AdmitsWithinWindowAndBuffer(t *testing.T) {
	c := New(testConfig())

	assert.True(t, c.CanSend("s1", 10))
	c.RecordSend("s1", 10)
	assert.True(t, c.CanSend("s1", 10))
	c.RecordSend("s1", 10)
}

func TestCanSend_BlocksOnWindowExhaustion(t *testing.T) {
	c := New(testConfig())

	for i := 0; i < 3; i++ {
		require.True(t, c.CanSend("s1", 1))
		c.RecordSend("s1", 1)
	}

	assert.False(t, c.CanSend("s1", 1))

	stats, ok := c.Stats("s1")
	require.True(t, ok)
	assert.True(t, stats.Blocked)
}

func TestCanSend_BlocksOnBufferCeiling(t *testing.T) {
	c := New(testConfig())

	require.True(t, c.CanSend("s1", 90))
	c.RecordSend("s1", 90)

	assert.False(t, c.CanSend("s1", 20))
}

func TestTick_ResetsWindowAndUnblocksWhenDrained(t *testing.T) {
	c := New(testConfig())

	for i := 0; i < 3; i++ {
		c.RecordSend("s1", 0)
	}
	require.False(t, c.CanSend("s1", 1))

	c.Tick()

	assert.True(t, c.CanSend("s1", 1))
}

func TestRecordAck_UnblocksBelowReleaseThreshold(t *testing.T) {
	c := New(testConfig())

	require.True(t, c.CanSend("s1", 90))
	c.RecordSend("s1", 90)
	require.False(t, c.CanSend("s1", 20))

	// Release threshold is 50; ack enough to fall under it.
	c.RecordAck("s1", 60)

	assert.True(t, c.CanSend("s1", 1))
}

func TestRecordAck_UnknownSessionIsNoop(t *testing.T) {
	c := New(testConfig())
	c.RecordAck("ghost", 10)

	_, ok := c.Stats("ghost")
	assert.False(t, ok)
}

func TestRemoveSession(t *testing.T) {
	c := New(testConfig())
	c.RecordSend("s1", 5)
	c.RemoveSession("s1")

	_, ok := c.Stats("s1")
	assert.False(t, ok)
}

func TestAllStats(t *testing.T) {
	c := New(testConfig())
	c.RecordSend("s1", 5)
	c.RecordSend("s2", 7)

	all := c.AllStats()
	assert.Len(t, all, 2)
}
