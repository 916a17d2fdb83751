// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

package bus

import (
	"testing"
	"time"
)

func TestBroadcaster_Subscribe(t *testing.T) {
	bc := NewBroadcaster(nil)

	ch := bc.Subscribe("service:battery")
	if ch == nil {
		t.Fatal("Expected channel")
	}

	event := NewEvent("service:battery", SourcePlugin, "battery-monitor", []byte(`{"level":42}`))
	bc.Publish(event)

	select {
	case received := <-ch:
		if received.ID != event.ID {
			t.Errorf("Event ID mismatch")
		}
		if string(received.Payload) != `{"level":42}` {
			t.Errorf("Payload mismatch: %s", received.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Timeout waiting for event")
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	bc := NewBroadcaster(nil)

	ch := bc.Subscribe("service:battery")
	bc.Unsubscribe("service:battery", ch)

	// Channel should be closed
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Channel should be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Channel should be closed immediately")
	}
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	bc := NewBroadcaster(nil)

	ch1 := bc.Subscribe("service:clock")
	ch2 := bc.Subscribe("service:clock")

	event := NewEvent("service:clock", SourceHost, "broadcast", []byte(`{}`))
	bc.Publish(event)

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.ID != event.ID {
				t.Errorf("subscriber %d: Event ID mismatch", i)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("subscriber %d: Timeout", i)
		}
	}
}

func TestBroadcaster_ChannelIsolation(t *testing.T) {
	bc := NewBroadcaster(nil)

	chA := bc.Subscribe("service:a")
	chB := bc.Subscribe("service:b")

	bc.Publish(NewEvent("service:a", SourceHost, "broadcast", nil))

	select {
	case <-chA:
	case <-time.After(100 * time.Millisecond):
		t.Error("service:a subscriber should receive")
	}

	select {
	case e := <-chB:
		t.Errorf("service:b subscriber received foreign event %s", e.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_FullBufferDropsNotBlocks(t *testing.T) {
	bc := NewBroadcaster(nil)

	ch := bc.Subscribe("service:spam")
	for i := 0; i < subscriberBuffer+10; i++ {
		bc.Publish(NewEvent("service:spam", SourcePlugin, "spammer", nil))
	}

	// Publish returned without blocking; the subscriber still has a full buffer.
	if got := len(ch); got != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", got, subscriberBuffer)
	}
}
