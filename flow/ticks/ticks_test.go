package ticks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowlite-go/flowlite/flow/persist"
	"github.com/flowlite-go/flowlite/flow/persist/memstore"
)

func TestSchedulerDeliversEnqueuedTicks(t *testing.T) {
	queue := memstore.NewTickQueue()
	sched := New(queue, WithWorkerConcurrency(2), WithIdlePollDelay(5*time.Millisecond))

	var handled atomic.Int32
	sched.SetTickHandler(func(_ context.Context, _ persist.Tick) {
		handled.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Start(ctx)

	for i := 0; i < 5; i++ {
		if err := sched.ScheduleTick(ctx, "flow1", uuid.New()); err != nil {
			t.Fatalf("ScheduleTick: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := handled.Load(); got != 5 {
		t.Fatalf("handled = %d, want 5", got)
	}

	cancel()
	if err := sched.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSchedulerShutdownDrains(t *testing.T) {
	queue := memstore.NewTickQueue()
	sched := New(queue, WithWorkerConcurrency(1), WithIdlePollDelay(5*time.Millisecond))

	started := make(chan struct{})
	release := make(chan struct{})
	sched.SetTickHandler(func(_ context.Context, _ persist.Tick) {
		close(started)
		<-release
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)

	if err := sched.ScheduleTick(ctx, "flow1", uuid.New()); err != nil {
		t.Fatalf("ScheduleTick: %v", err)
	}

	<-started
	close(release)

	if err := sched.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
