package events

import "testing"

func TestEmitDeliversInSubscriptionOrder(t *testing.T) {
	e := NewEmitter()
	var order []int
	e.Subscribe(TopicPutBlock, func(Event) { order = append(order, 1) })
	e.Subscribe(TopicPutBlock, func(Event) { order = append(order, 2) })

	e.Emit(TopicPutBlock, Event{Data: "x"})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected handlers in subscription order, got %v", order)
	}
}

func TestEmitOnlyDeliversToMatchingTopic(t *testing.T) {
	e := NewEmitter()
	called := false
	e.Subscribe(TopicPutBlock, func(Event) { called = true })

	e.Emit(TopicAnnounceNewBlock, Event{})

	if called {
		t.Error("expected a handler subscribed to a different topic to not fire")
	}
}

func TestEmitSurvivesPanickingHandler(t *testing.T) {
	e := NewEmitter()
	e.Subscribe(TopicPutBlock, func(Event) { panic("boom") })
	secondCalled := false
	e.Subscribe(TopicPutBlock, func(Event) { secondCalled = true })

	e.Emit(TopicPutBlock, Event{})

	if !secondCalled {
		t.Error("expected a panicking handler to not block later subscribers")
	}
}

func TestEmitPassesEventFieldsThrough(t *testing.T) {
	e := NewEmitter()
	var got Event
	e.Subscribe(TopicGetBlockList, func(ev Event) { got = ev })

	e.Emit(TopicGetBlockList, Event{Data: 42, RemoteHost: "1.2.3.4", RemotePort: 9, ConnectionID: "c1"})

	if got.Data != 42 || got.RemoteHost != "1.2.3.4" || got.RemotePort != 9 || got.ConnectionID != "c1" {
		t.Fatalf("unexpected event delivered: %+v", got)
	}
}
