package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-trading/ember/internal/bus"
	"github.com/ember-trading/ember/internal/config"
)

func queueClient(queueSize int) (*Client, *bus.Bus) {
	b := bus.New()
	cfg := config.Default().Feed
	cfg.QueueSize = queueSize
	return NewClient(cfg, b), b
}

func TestDrainPreservesArrivalOrder(t *testing.T) {
	c, _ := queueClient(8)

	c.enqueue([]byte("one"))
	c.enqueue([]byte("two"))
	c.enqueue([]byte("three"))
	assert.Equal(t, 3, c.Stats().QueueDepth)

	var got []string
	c.Drain(func(frame []byte) { got = append(got, string(frame)) })

	assert.Equal(t, []string{"one", "two", "three"}, got)
	assert.Equal(t, 0, c.Stats().QueueDepth)
}

func TestFullQueueDropsOldestFrames(t *testing.T) {
	c, b := queueClient(3)

	var overflows []bus.QueueOverflow
	b.Subscribe(bus.TopicQueueOverflow, func(p any) {
		overflows = append(overflows, p.(bus.QueueOverflow))
	})

	for _, f := range []string{"a", "b", "c", "d", "e"} {
		c.enqueue([]byte(f))
	}

	var got []string
	c.Drain(func(frame []byte) { got = append(got, string(frame)) })

	// The newest three survive; the overflow is reported once.
	assert.Equal(t, []string{"c", "d", "e"}, got)
	require.Len(t, overflows, 1)
	assert.Equal(t, 2, overflows[0].Dropped)
	assert.Equal(t, int64(2), c.Stats().FramesDropped)

	// A clean drain reports nothing.
	c.enqueue([]byte("f"))
	c.Drain(func([]byte) {})
	assert.Len(t, overflows, 1)
}

func TestSendControlRequiresConnection(t *testing.T) {
	c, _ := queueClient(8)
	err := c.SendControl(map[string]string{"method": "subscribeNewToken"})
	assert.ErrorContains(t, err, "not connected")
}
