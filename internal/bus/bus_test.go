package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish("chat.inbound", "hello") // must not panic
}

func TestNilBusStats(t *testing.T) {
	var b *Bus
	if got := b.Stats(); got.Topics != 0 || got.Subscribers != 0 {
		t.Errorf("Stats() on nil bus = %+v, want zero value", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New(nil)
	received := make(chan any, 1)
	b.Subscribe("chat.inbound", "test", func(v any) { received <- v })

	b.Publish("chat.inbound", "hello")

	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("got %v, want hello", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New(nil)
	var count int32
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		b.Subscribe("system.event", "sub", func(v any) {
			atomic.AddInt32(&count, 1)
			wg.Done()
		})
	}

	b.Publish("system.event", "tick")

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for all subscribers")
	}
	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestSubscribeTwiceInvokesTwice(t *testing.T) {
	b := New(nil)
	var count int32
	handler := func(v any) { atomic.AddInt32(&count, 1) }
	b.Subscribe("chat.outbound", "dup", handler)
	b.Subscribe("chat.outbound", "dup", handler)

	b.Publish("chat.outbound", "x")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.WaitAll(ctx); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	b := New(nil)
	b.Publish("nobody.listens", 42) // must not block or panic
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New(nil)
	var okCalled int32
	b.Subscribe("chat.inbound", "panicky", func(v any) {
		panic("boom")
	})
	b.Subscribe("chat.inbound", "survivor", func(v any) {
		atomic.AddInt32(&okCalled, 1)
	})

	b.Publish("chat.inbound", "x")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.WaitAll(ctx); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if atomic.LoadInt32(&okCalled) != 1 {
		t.Error("surviving handler should still have run despite sibling panic")
	}
}

func TestWaitAllDrainsInFlight(t *testing.T) {
	b := New(nil)
	release := make(chan struct{})
	b.Subscribe("slow.topic", "slow", func(v any) {
		<-release
	})
	b.Publish("slow.topic", 1)

	// WaitAll should block until release is closed.
	waitDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		waitDone <- b.WaitAll(ctx)
	}()

	select {
	case err := <-waitDone:
		t.Fatalf("WaitAll returned early (err=%v) before handler released", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("WaitAll: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAll never returned after release")
	}
}

func TestStatsReportsTopicsAndSubscribers(t *testing.T) {
	b := New(nil)
	b.Subscribe("chat.inbound", "a", func(v any) {})
	b.Subscribe("chat.inbound", "b", func(v any) {})
	b.Subscribe("system.event", "c", func(v any) {})

	s := b.Stats()
	if s.Topics != 2 {
		t.Errorf("Topics = %d, want 2", s.Topics)
	}
	if s.Subscribers != 3 {
		t.Errorf("Subscribers = %d, want 3", s.Subscribers)
	}
}
