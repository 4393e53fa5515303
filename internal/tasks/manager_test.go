package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTickRecoversFromPanic(t *testing.T) {
	m := New(nil, time.Second)
	task := Task{Name: "panicky", Func: func(ctx context.Context) { panic("boom") }}

	done := make(chan struct{})
	go func() {
		m.tick(context.Background(), task)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick did not return: panic was not recovered")
	}
}

func TestStartAllRunsAtLeastOneTick(t *testing.T) {
	var calls int32
	m := New(nil, time.Second,
		Task{Name: "a", Interval: 10 * time.Millisecond, Func: func(ctx context.Context) { atomic.AddInt32(&calls, 1) }},
		Task{Name: "b", Interval: 10 * time.Millisecond, Func: func(ctx context.Context) { atomic.AddInt32(&calls, 1) }},
	)

	m.startAll()
	time.Sleep(50 * time.Millisecond)
	m.stopAll()

	if atomic.LoadInt32(&calls) == 0 {
		t.Error("expected at least one tick to have run across the task set")
	}
}

func TestStartAllIsIdempotent(t *testing.T) {
	m := New(nil, time.Second, Task{Name: "a", Interval: time.Hour, Func: func(ctx context.Context) {}})

	m.startAll()
	first := m.cancel
	m.startAll()
	second := m.cancel

	if first == nil || second == nil {
		t.Fatal("expected startAll to install a cancel func")
	}

	m.stopAll()
}

func TestStopAllWithoutStartIsNoop(t *testing.T) {
	m := New(nil, time.Second, Task{Name: "a", Interval: time.Hour, Func: func(ctx context.Context) {}})
	m.stopAll() // must not panic or block
}

func TestStopAllWaitsForInFlightTick(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := New(nil, 2*time.Second, Task{
		Name:     "slow",
		Interval: time.Millisecond,
		Func: func(ctx context.Context) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		},
	})

	m.startAll()
	<-started

	done := make(chan struct{})
	go func() {
		m.stopAll()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("stopAll returned before the in-flight tick released")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stopAll did not return after the in-flight tick finished")
	}
}
