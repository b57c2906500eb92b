package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublish_DeliversInOrder(t *testing.T) {
	b := New()
	b.Publish(Event{Kind: KindInput, Line: "first"})
	b.Publish(Event{Kind: KindInput, Line: "second"})

	first := <-b.Events()
	second := <-b.Events()

	if first.Line != "first" || second.Line != "second" {
		t.Errorf("got %q then %q, want first then second", first.Line, second.Line)
	}
}

func TestRunTicker_EmitsTicks(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.RunTicker(ctx)

	select {
	case e := <-b.Events():
		if e.Kind != KindTick {
			t.Errorf("event kind = %v, want KindTick", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a tick")
	}
}

func TestRunInput_PublishesLines(t *testing.T) {
	b := New()
	lines := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.RunInput(ctx, lines)
	lines <- "hello"

	select {
	case e := <-b.Events():
		if e.Kind != KindInput || e.Line != "hello" {
			t.Errorf("event = %+v, want KindInput \"hello\"", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for input event")
	}
}

func TestRunInput_StopsOnClosedChannel(t *testing.T) {
	b := New()
	lines := make(chan string)
	close(lines)

	done := make(chan struct{})
	go func() {
		b.RunInput(context.Background(), lines)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunInput did not return after its input channel closed")
	}
}

func TestRunInput_StopsOnContextCancel(t *testing.T) {
	b := New()
	lines := make(chan string)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.RunInput(ctx, lines)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunInput did not return after context cancellation")
	}
}
