package events

import (
	"errors"
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus(nil)

	var received *Event
	var callCount int

	bus.Subscribe(EventTaskDeadLettered, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	payload := TaskEventPayload{TaskID: "t1", FailureReason: "auth_revoked", Permanent: true}
	if err := bus.PublishJSON(EventTaskDeadLettered, payload); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != EventTaskDeadLettered {
		t.Errorf("expected type %s, got %s", EventTaskDeadLettered, received.Type)
	}

	var decoded TaskEventPayload
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.TaskID != "t1" || !decoded.Permanent {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	var count1, count2 int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: "event"})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusHandlerFailureIsolated(t *testing.T) {
	bus := NewEventBus(nil)
	var reached bool

	bus.Subscribe("event", func(_ *Event) error { return errors.New("boom") })
	bus.Subscribe("event", func(_ *Event) error { panic("worse") })
	bus.Subscribe("event", func(_ *Event) error { reached = true; return nil })

	bus.Publish(&Event{Type: "event"})

	if !reached {
		t.Errorf("expected later handler to run after failures")
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	bus.Publish(&Event{Type: "unknown"})
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("nil bus should be a no-op, got %v", err)
	}
}
