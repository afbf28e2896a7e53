package httputil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSemaphoreTryAcquire(t *testing.T) {
	sem := NewSemaphore(2)

	if !sem.TryAcquire() {
		t.Error("first TryAcquire should succeed")
	}
	if !sem.TryAcquire() {
		t.Error("second TryAcquire should succeed")
	}
	if sem.TryAcquire() {
		t.Error("third TryAcquire should fail at capacity")
	}
	if sem.DroppedCount() != 1 {
		t.Errorf("DroppedCount = %d, want 1", sem.DroppedCount())
	}

	sem.Release()
	if !sem.TryAcquire() {
		t.Error("TryAcquire should succeed after Release")
	}
}

func TestSemaphoreAcquireHonorsContext(t *testing.T) {
	sem := NewSemaphore(1)

	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); err != context.DeadlineExceeded {
		t.Errorf("blocked Acquire = %v, want DeadlineExceeded", err)
	}
}

func TestSemaphoreConcurrentCap(t *testing.T) {
	const capacity = 10
	sem := NewSemaphore(capacity)

	var peak atomic.Int32
	var inFlight atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !sem.TryAcquire() {
				return
			}
			defer sem.Release()
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > capacity {
		t.Errorf("peak concurrency %d exceeded capacity %d", p, capacity)
	}
}

func TestSemaphoreDefaultCapacity(t *testing.T) {
	sem := NewSemaphore(0)
	if sem.Stats().Capacity != 100 {
		t.Errorf("capacity = %d, want default 100", sem.Stats().Capacity)
	}
}

func TestSemaphoreStats(t *testing.T) {
	sem := NewSemaphore(3)
	sem.TryAcquire()
	sem.TryAcquire()

	st := sem.Stats()
	if st.Capacity != 3 || st.InUse != 2 || st.Available != 1 {
		t.Errorf("Stats = %+v", st)
	}
	if sem.InUse() != 2 {
		t.Errorf("InUse = %d, want 2", sem.InUse())
	}

	// Release beyond what was acquired must not underflow.
	sem.Release()
	sem.Release()
	sem.Release()
	if sem.InUse() != 0 {
		t.Errorf("InUse after releases = %d, want 0", sem.InUse())
	}
}
