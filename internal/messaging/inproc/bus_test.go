package inproc

import (
	"errors"
	"testing"

	"research_agent/internal/domain"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	bus := New(4)
	a := bus.Subscribe("cli")
	b := bus.Subscribe("monitor")
	if again := bus.Subscribe("cli"); again != a {
		t.Fatalf("expected resubscribe to return the same channel")
	}

	ev := domain.Event{Kind: domain.EventTaskInserted, ProjectID: "p1", TaskID: 7}
	if err := bus.Publish(ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, ch := range map[string]<-chan domain.Event{"cli": a, "monitor": b} {
		select {
		case got := <-ch:
			if got.TaskID != 7 || got.Kind != domain.EventTaskInserted {
				t.Fatalf("%s: unexpected event %+v", name, got)
			}
		default:
			t.Fatalf("%s: expected an event", name)
		}
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	if err := New(1).Publish(domain.Event{Kind: domain.EventPhaseStarted}); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}
}

func TestPublishReportsFullQueue(t *testing.T) {
	bus := New(1)
	slow := bus.Subscribe("slow")
	fast := bus.Subscribe("fast")

	if err := bus.Publish(domain.Event{Detail: "first"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	<-fast
	err := bus.Publish(domain.Event{Detail: "second"})
	if !errors.Is(err, ErrSubscriberQueueFull) {
		t.Fatalf("expected ErrSubscriberQueueFull, got %v", err)
	}
	if got := <-fast; got.Detail != "second" {
		t.Fatalf("fast subscriber should still receive the event, got %+v", got)
	}
	if got := <-slow; got.Detail != "first" {
		t.Fatalf("slow subscriber should keep the first event, got %+v", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(1)
	ch := bus.Subscribe("cli")
	bus.Unsubscribe("cli")
	bus.Unsubscribe("cli")
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}
