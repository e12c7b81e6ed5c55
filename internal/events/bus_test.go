package events

import (
	"io"
	"log"
	"testing"
	"time"
)

func newTestBus() *Bus {
	return NewBus(log.New(io.Discard, "", 0))
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := newTestBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(Event{Type: MutationQueued, TaskID: "temp_1_test"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case e := <-ch:
			if e.Type != MutationQueued || e.TaskID != "temp_1_test" {
				t.Errorf("subscriber %s got %+v", name, e)
			}
			if e.Timestamp.IsZero() {
				t.Errorf("subscriber %s got event without timestamp", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: SyncStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish() blocked on a full subscriber")
	}
	if got := len(ch); got != 1 {
		t.Errorf("buffered events = %d, want 1", got)
	}
}

func TestBus_Cancel(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.Subscribe(1)
	if bus.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", bus.Subscribers())
	}

	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Errorf("channel open after cancel")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d after cancel", bus.Subscribers())
	}
	bus.Publish(Event{Type: CacheCleared})
}

func TestBus_Close(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.Subscribe(1)
	bus.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Errorf("channel open after Close")
	}
	bus.Publish(Event{Type: CacheCleared})

	late, _ := bus.Subscribe(1)
	if _, ok := <-late; ok {
		t.Errorf("subscription after Close is open")
	}
}
