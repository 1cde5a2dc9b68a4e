package transport

import (
	"fmt"
	"testing"
	"time"
)

func recvOne(t *testing.T, p *Pipe) string {
	t.Helper()
	select {
	case msg, ok := <-p.Messages():
		if !ok {
			t.Fatal("message stream closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func TestPipe_RoundTrip(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	if err := a.Send("hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := recvOne(t, b); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}

	if err := b.Send("reply"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := recvOne(t, a); got != "reply" {
		t.Errorf("expected %q, got %q", "reply", got)
	}
}

func TestPipe_PreservesOrder(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	const n = 100
	for i := 0; i < n; i++ {
		if err := a.Send(fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		expected := fmt.Sprintf("msg-%d", i)
		if got := recvOne(t, b); got != expected {
			t.Fatalf("message %d: expected %q, got %q", i, expected, got)
		}
	}
}

func TestPipe_CloseEndsPeerStream(t *testing.T) {
	a, b := NewPair()
	defer b.Close()

	a.Close()

	select {
	case _, ok := <-b.Messages():
		if ok {
			t.Error("expected closed stream, got a message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer stream did not close")
	}
}

func TestPipe_SendAfterClose(t *testing.T) {
	a, b := NewPair()
	defer b.Close()

	a.Close()
	if err := a.Send("late"); err == nil {
		t.Error("expected error sending on closed pipe")
	}
}

func TestPipe_CloseIdempotent(t *testing.T) {
	a, b := NewPair()
	defer b.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestPipe_QueuedMessagesDrainOnClose(t *testing.T) {
	a, b := NewPair()
	defer b.Close()

	if err := a.Send("in-flight"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	// Give the forwarder a moment to move the message into the peer queue.
	time.Sleep(20 * time.Millisecond)
	a.Close()

	select {
	case msg, ok := <-b.Messages():
		if !ok {
			t.Fatal("stream closed before delivering the queued message")
		}
		if msg != "in-flight" {
			t.Errorf("expected %q, got %q", "in-flight", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not delivered")
	}
}
