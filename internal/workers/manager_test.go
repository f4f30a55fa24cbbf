package workers

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerShutdownStopsAllWorkers(t *testing.T) {
	m := NewManager()
	var stopped int32

	for i := 0; i < 3; i++ {
		m.StartWorker(func() {
			defer m.OnWorkerDone()
			<-m.ShouldShutdown()
			atomic.AddInt32(&stopped, 1)
		})
	}

	m.StartShutdown()
	m.StartShutdown() // must be idempotent
	m.WaitWorkersShutdown()

	if got := atomic.LoadInt32(&stopped); got != 3 {
		t.Fatalf("expected 3 workers to observe shutdown, got %d", got)
	}
}

func TestManagerShouldShutdownInitiallyOpen(t *testing.T) {
	m := NewManager()
	select {
	case <-m.ShouldShutdown():
		t.Fatal("ShouldShutdown fired before StartShutdown was called")
	case <-time.After(10 * time.Millisecond):
	}
}
