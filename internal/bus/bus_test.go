package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Ch():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func drain(s *Subscription) int {
	n := 0
	for {
		select {
		case <-s.Ch():
			n++
		default:
			return n
		}
	}
}

func TestPublish_RoutesByPrefix(t *testing.T) {
	b := New()
	tasks := b.Subscribe("task.")
	all := b.Subscribe("")
	defer tasks.Close()
	defer all.Close()

	if n := b.Publish("task.status", "working"); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if n := b.Publish("schedule.run", "ok"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if ev := recv(t, tasks); ev.Topic != "task.status" || ev.Payload != "working" {
		t.Fatalf("event = %+v", ev)
	}
	if n := drain(tasks); n != 0 {
		t.Fatalf("task subscriber saw %d extra events", n)
	}
	if n := drain(all); n != 2 {
		t.Fatalf("catch-all saw %d events, want 2", n)
	}
}

func TestPublish_FullBufferDrops(t *testing.T) {
	b := New()
	small := b.Subscribe("task.", WithBuffer(2))
	dflt := b.Subscribe("task.", WithBuffer(-1))
	defer small.Close()
	defer dflt.Close()

	for i := range defaultBufferSize + 10 {
		b.Publish("task.status", i)
	}
	if got, drops := drain(small), small.Dropped(); got != 2 || drops != defaultBufferSize+8 {
		t.Fatalf("small: got %d dropped %d", got, drops)
	}
	if got, drops := drain(dflt), dflt.Dropped(); got != defaultBufferSize || drops != 10 {
		t.Fatalf("default: got %d dropped %d", got, drops)
	}
}

func TestWithFilter_DoesNotConsumeBuffer(t *testing.T) {
	b := New()
	even := b.Subscribe("n", WithBuffer(3), WithFilter(func(ev Event) bool { return ev.Payload.(int)%2 == 0 }))
	defer even.Close()

	for i := range 6 {
		b.Publish("n", i)
	}
	if even.Dropped() != 0 {
		t.Fatalf("dropped = %d", even.Dropped())
	}
	for _, want := range []int{0, 2, 4} {
		if ev := recv(t, even); ev.Payload != want {
			t.Fatalf("payload = %v, want %d", ev.Payload, want)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	b := New()
	s := b.Subscribe("x")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d", b.SubscriberCount())
	}
	s.Close()
	s.Close()
	if b.SubscriberCount() != 0 {
		t.Fatalf("count after close = %d", b.SubscriberCount())
	}
	if _, ok := <-s.Ch(); ok {
		t.Fatal("channel should be closed")
	}
	if n := b.Publish("x", 1); n != 0 {
		t.Fatalf("closed subscription received %d events", n)
	}
}

func TestPublish_ConcurrentWithClose(t *testing.T) {
	b := New()
	keep := b.Subscribe("", WithBuffer(1000))
	defer keep.Close()

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range 50 {
				b.Publish("load", g*100+i)
			}
		}()
		go func() {
			defer wg.Done()
			b.Subscribe("load").Close()
		}()
	}
	wg.Wait()
	if n := drain(keep); n != 400 {
		t.Fatalf("received %d, want 400", n)
	}
}
