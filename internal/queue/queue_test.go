package queue

import (
	"errors"
	"testing"
	"time"
)

func collect[T any](t *testing.T, q *Queue[T]) []T {
	t.Helper()
	var got []T
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v, ok := <-q.C():
			if !ok {
				return got
			}
			got = append(got, v)
		case <-timeout:
			t.Fatalf("queue did not close, got %d items", len(got))
			return got
		}
	}
}

// TestOrderedDelivery tests that items arrive in push order
func TestOrderedDelivery(t *testing.T) {
	q := New[int](0)
	for i := 0; i < 1000; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("Failed to push %d: %v", i, err)
		}
	}
	q.Close(nil)

	got := collect(t, q)
	if len(got) != 1000 {
		t.Fatalf("Expected 1000 items, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Out of order at %d: got %d", i, v)
		}
	}
	if q.Err() != nil {
		t.Errorf("Expected clean close, got %v", q.Err())
	}
}

// TestPushNeverBlocks tests that a producer is not blocked by an idle consumer
func TestPushNeverBlocks(t *testing.T) {
	q := New[int](0)
	defer q.Stop(nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.Push(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Push blocked without a consumer")
	}
}

// TestOverflowIsFatal tests the bounded queue policy
func TestOverflowIsFatal(t *testing.T) {
	q := New[string](2)

	// The delivery goroutine may already hold the first item, so push until
	// the bound is hit.
	var err error
	pushed := 0
	for i := 0; i < 10 && err == nil; i++ {
		err = q.Push("x")
		if err == nil {
			pushed++
		}
	}
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("Expected ErrOverflow, got %v", err)
	}

	got := collect(t, q)
	if len(got) != pushed {
		t.Errorf("Expected %d accepted items to be delivered, got %d", pushed, len(got))
	}
	if !errors.Is(q.Err(), ErrOverflow) {
		t.Errorf("Expected Err() to report overflow, got %v", q.Err())
	}
	if err := q.Push("late"); !errors.Is(err, ErrOverflow) {
		t.Errorf("Expected push after overflow to fail, got %v", err)
	}
}

// TestStopDiscardsPending tests that nothing is received after Stop returns
func TestStopDiscardsPending(t *testing.T) {
	q := New[int](0)
	for i := 0; i < 100; i++ {
		q.Push(i)
	}

	for i := 0; i < 3; i++ {
		if v := <-q.C(); v != i {
			t.Fatalf("Expected %d, got %d", i, v)
		}
	}

	q.Stop(ErrClosed)

	if _, ok := <-q.C(); ok {
		t.Error("Received an item after Stop returned")
	}
	if !errors.Is(q.Err(), ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", q.Err())
	}
	if err := q.Push(1); err == nil {
		t.Error("Expected push after Stop to fail")
	}
}
