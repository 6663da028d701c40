package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	done, unsubDone := b.Subscribe(4, TaskCompleted)
	defer unsubDone()

	b.Publish(Event{Type: TaskClaimed, Data: TaskEvent{TaskID: "a"}})
	b.Publish(Event{Type: TaskCompleted, Data: TaskEvent{TaskID: "a"}})

	for _, want := range []string{TaskClaimed, TaskCompleted} {
		select {
		case e := <-all:
			if e.Type != want {
				t.Fatalf("got %s, want %s", e.Type, want)
			}
			if e.Time.IsZero() {
				t.Fatal("publish should stamp time")
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s", want)
		}
	}
	select {
	case e := <-done:
		if e.Type != TaskCompleted {
			t.Fatalf("filtered subscriber got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}
	select {
	case e := <-done:
		t.Fatalf("unexpected extra event %s", e.Type)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: TaskFailed})
	b.Publish(Event{Type: TaskFailed})
	if got := Dropped(b); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: TaskScheduled})
}
