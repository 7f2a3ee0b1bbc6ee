package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventKeyLearned, Message: "!0000002a"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventKeyLearned, ev.Type)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call is a no-op

	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker() // not started: nothing drains the queue

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&Event{Type: EventNodeUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "Publish blocked with a full queue")
	}
}
