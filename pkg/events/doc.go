/*
Package events provides an in-memory event broker that meshbridge uses to
notify external collaborators.

The chat command dispatcher, the map-export job and periodic reports live
outside the bridge core. They learn about new nodes, learned keys, received
text and interface state changes by subscribing to the broker rather than by
polling the registry.

# Architecture

	Reader tasks / keysync / storage writer
	        │ Publish (never blocks; drops when the queue is full)
	        ▼
	  Event Channel (buffer: 256)
	        │ broadcast loop
	        ▼
	  Subscriber Channels (buffer: 64 each, slow subscribers skip events)

Publishing from a reader task must never stall ingestion, so Publish falls
through when the broker queue is saturated.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			if ev.Type == events.EventTextReceived {
				dispatch(ev.Metadata["from"], ev.Message)
			}
		}
	}()

Components that only emit events depend on the Publisher interface; tests
pass events.Discard.
*/
package events
