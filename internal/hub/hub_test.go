package hub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	return New(5*time.Minute, func() Event {
		return Event{Type: EventSnapshot, Payload: map[string]any{"multiplier": 1.00}}
	}, zerolog.Nop())
}

func TestPublish_AssignsMonotonicIDs(t *testing.T) {
	h := newTestHub()
	e1 := h.Publish(EventRoundStart, nil)
	e2 := h.Publish(EventTick, 1.05)
	if e2.ID != e1.ID+1 {
		t.Fatalf("expected monotonic IDs, got %d then %d", e1.ID, e2.ID)
	}
}

func TestRegister_ReceivesPublishedEvents(t *testing.T) {
	h := newTestHub()
	s := &Session{ID: "u1", Outbound: make(chan Event, 10)}
	h.Register(s)

	h.Publish(EventRoundStart, nil)
	select {
	case e := <-s.Outbound:
		if e.Type != EventRoundStart {
			t.Fatalf("got event type %v, want round_start", e.Type)
		}
	default:
		t.Fatal("expected an event on the session's outbound channel")
	}
}

func TestUnregister_ClosesOutbound(t *testing.T) {
	h := newTestHub()
	s := &Session{ID: "u1", Outbound: make(chan Event, 10)}
	h.Register(s)
	h.Unregister(s)

	_, ok := <-s.Outbound
	if ok {
		t.Fatal("expected outbound channel to be closed after unregister")
	}
}

func TestResume_ReplaysEventsAfterLastSeen(t *testing.T) {
	h := newTestHub()
	e1 := h.Publish(EventRoundStart, nil)
	h.Publish(EventTick, 1.1)
	e3 := h.Publish(EventTick, 1.2)

	s := &Session{ID: "u1", Outbound: make(chan Event, 10)}
	h.Resume(s, e1.ID)

	count := 0
	var lastID uint64
	for {
		select {
		case e := <-s.Outbound:
			count++
			lastID = e.ID
			continue
		default:
		}
		break
	}
	if count != 2 {
		t.Fatalf("expected 2 replayed events after id %d, got %d", e1.ID, count)
	}
	if lastID != e3.ID {
		t.Fatalf("last replayed id = %d, want %d", lastID, e3.ID)
	}
}

func TestResume_SendsSnapshotWhenPastRetentionWindow(t *testing.T) {
	h := New(1*time.Millisecond, func() Event {
		return Event{Type: EventSnapshot, Payload: "fresh-state"}
	}, zerolog.Nop())
	h.Publish(EventRoundStart, nil)
	time.Sleep(5 * time.Millisecond)
	h.Publish(EventTick, 1.01) // triggers prune of the first event

	s := &Session{ID: "u1", Outbound: make(chan Event, 10)}
	h.Resume(s, 1) // id 1 has aged out

	select {
	case e := <-s.Outbound:
		if e.Type != EventSnapshot {
			t.Fatalf("expected snapshot event, got %v", e.Type)
		}
	default:
		t.Fatal("expected a snapshot event to be sent")
	}
}

func TestPublish_CoalescesTicksOnFullQueue(t *testing.T) {
	h := newTestHub()
	s := &Session{ID: "u1", Outbound: make(chan Event, 1)}
	h.Register(s)

	h.Publish(EventTick, 1.00)
	h.Publish(EventTick, 1.50) // queue full of the first tick; should coalesce

	if h.SessionCount() != 1 {
		t.Fatal("session should not be unregistered for a coalesced tick burst")
	}
	e := <-s.Outbound
	if p, ok := e.Payload.(float64); !ok || p != 1.50 {
		t.Fatalf("expected the latest tick (1.50) to survive coalescing, got %v", e.Payload)
	}
}

func TestPublish_UnregistersStalledSessionOnNonTickEvent(t *testing.T) {
	h := newTestHub()
	s := &Session{ID: "u1", Outbound: make(chan Event, 1)}
	h.Register(s)

	h.Publish(EventBetPlaced, nil) // fills the queue
	h.Publish(EventCrash, nil)     // non-tick, queue still full -> stalled

	if h.SessionCount() != 0 {
		t.Fatal("expected stalled session to be unregistered")
	}
}
