package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversInOrder(t *testing.T) {
	b := New()

	var got []int
	b.Subscribe(TopicTokenAdded, func(payload any) {
		got = append(got, payload.(int))
	})

	b.Publish(TopicTokenAdded, 1)
	b.Publish(TopicTokenAdded, 2)
	b.Publish(TopicTokenAdded, 3)

	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestBus_MultipleHandlersAllRun(t *testing.T) {
	b := New()

	first, second := 0, 0
	b.Subscribe(TopicPositionOpened, func(any) { first++ })
	b.Subscribe(TopicPositionOpened, func(any) { second++ })

	b.Publish(TopicPositionOpened, PositionOpened{})

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestBus_PanickingHandlerSkipped(t *testing.T) {
	b := New()

	ran := false
	b.Subscribe(TopicTokenUpdated, func(any) { panic("boom") })
	b.Subscribe(TopicTokenUpdated, func(any) { ran = true })

	require.NotPanics(t, func() {
		b.Publish(TopicTokenUpdated, TokenUpdated{})
	})

	assert.True(t, ran, "handler after the panicking one must still run")
	assert.Equal(t, int64(1), b.Stats().HandlerFailures)
}

func TestBus_NoSubscribersIsNoop(t *testing.T) {
	b := New()
	require.NotPanics(t, func() {
		b.Publish(TopicQueueOverflow, QueueOverflow{Dropped: 5})
	})
	assert.Equal(t, int64(1), b.Stats().Published)
}
