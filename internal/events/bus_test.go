package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan BackendStateEvent, 1)

	unsub := bus.Subscribe(func(e BackendStateEvent) {
		received <- e
	})
	defer unsub()

	event := BackendStateEvent{
		State:        "connected",
		RestartCount: 2,
		Timestamp:    "2025-01-27T10:30:00Z",
	}
	bus.Publish(event)

	got := <-received
	if got.State != event.State {
		t.Errorf("Expected state %s, got %s", event.State, got.State)
	}
	if got.RestartCount != 2 {
		t.Errorf("Expected restart_count 2, got %d", got.RestartCount)
	}
}

func TestBus_MultipleSubscribers(_ *testing.T) {
	bus := New()
	received1 := make(chan HealthCheckEvent, 1)
	received2 := make(chan HealthCheckEvent, 1)

	unsub1 := bus.Subscribe(func(e HealthCheckEvent) {
		received1 <- e
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(e HealthCheckEvent) {
		received2 <- e
	})
	defer unsub2()

	bus.Publish(HealthCheckEvent{Result: "healthy"})

	<-received1
	<-received2
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan BackendLogEvent, 1)

	unsub := bus.Subscribe(func(e BackendLogEvent) {
		received <- e
	})

	bus.Publish(BackendLogEvent{Line: "first"})
	<-received

	unsub()

	bus.Publish(BackendLogEvent{Line: "second"})
	select {
	case <-received:
		t.Fatal("Should not have received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
		// Expected - no event
	}
}

func TestBus_TypeSafety(t *testing.T) {
	bus := New()

	stateReceived := make(chan bool, 1)
	logReceived := make(chan bool, 1)

	unsub1 := bus.Subscribe(func(_ BackendStateEvent) {
		stateReceived <- true
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(_ BackendLogEvent) {
		logReceived <- true
	})
	defer unsub2()

	bus.Publish(BackendStateEvent{State: "connecting"})
	<-stateReceived

	select {
	case <-logReceived:
		t.Fatal("Log subscriber should NOT have received BackendStateEvent")
	case <-time.After(10 * time.Millisecond):
		// Expected
	}
}

func TestSubscribeToChannel(t *testing.T) {
	bus := New()
	ch := make(chan any, 2)

	unsub := SubscribeToChannel[RestartScheduledEvent](bus, ch)
	defer unsub()

	bus.Publish(RestartScheduledEvent{Attempt: 1, Delay: "2s"})

	select {
	case got := <-ch:
		ev, ok := got.(RestartScheduledEvent)
		if !ok {
			t.Fatalf("unexpected event type %T", got)
		}
		if ev.Attempt != 1 {
			t.Errorf("Expected attempt 1, got %d", ev.Attempt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestSubscribeToChannelDropsWhenFull(t *testing.T) {
	bus := New()
	ch := make(chan any) // unbuffered, nobody reading

	unsub := SubscribeToChannel[BudgetExhaustedEvent](bus, ch)
	defer unsub()

	// Must not block even though the channel can't accept the event.
	done := make(chan struct{})
	go func() {
		bus.Publish(BudgetExhaustedEvent{Attempts: 5})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}
