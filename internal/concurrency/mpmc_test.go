package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/polyphase/rolebus/api"
)

func TestLockFreeQueue_MPMC(t *testing.T) {
	q := NewLockFreeQueue[int](1024)
	producers := 10
	consumers := 10
	itemsPerProducer := 10000

	var wg sync.WaitGroup
	var sentSum int64
	var receivedSum int64

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				val := pid*itemsPerProducer + i + 1
				for !q.Enqueue(val) {
					runtime.Gosched()
				}
				atomic.AddInt64(&sentSum, int64(val))
			}
		}(p)
	}

	var receivedCount int64
	totalItems := int64(producers * itemsPerProducer)
	consumerWg := sync.WaitGroup{}
	for c := 0; c < consumers; c++ {
		consumerWg.Add(1)
		go func() {
			defer consumerWg.Done()
			for {
				if val, ok := q.Dequeue(); ok {
					atomic.AddInt64(&receivedSum, int64(val))
					if atomic.AddInt64(&receivedCount, 1) == totalItems {
						return
					}
				} else {
					if atomic.LoadInt64(&receivedCount) >= totalItems {
						return
					}
					runtime.Gosched()
				}
			}
		}()
	}

	wg.Wait()
	done := make(chan struct{})
	go func() {
		consumerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if sentSum != receivedSum {
			t.Errorf("checksum mismatch: sent %d, received %d", sentSum, receivedSum)
		}
	case <-time.After(5 * time.Second):
		t.Errorf("timeout waiting for consumers, received %d/%d",
			atomic.LoadInt64(&receivedCount), totalItems)
	}
}

func TestLockFreeQueue_FIFOSingleProducer(t *testing.T) {
	q := NewLockFreeQueue[int](64)
	for i := 0; i < 50; i++ {
		if !q.Enqueue(i) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	for i := 0; i < 50; i++ {
		v, ok := q.Dequeue()
		if !ok || v != i {
			t.Fatalf("dequeue = %d,%v; want %d", v, ok, i)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("dequeue on empty queue succeeded")
	}
}

func TestLockFreeQueue_Full(t *testing.T) {
	q := NewLockFreeQueue[int](4)
	for i := 0; i < q.Cap(); i++ {
		if !q.Enqueue(i) {
			t.Fatalf("enqueue %d failed below capacity", i)
		}
	}
	if q.Enqueue(99) {
		t.Error("enqueue succeeded on full queue")
	}
}

func TestExecutorSubmitToPreservesOrder(t *testing.T) {
	e := NewExecutor(2, false, zerolog.Nop())
	defer e.Close()

	const n = 200
	var got []int
	var mu sync.Mutex
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		err := e.SubmitTo(0, func() {
			mu.Lock()
			got = append(got, i)
			if len(got) == n {
				close(done)
			}
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("SubmitTo: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestExecutorSubmitAnyFastPath(t *testing.T) {
	e := NewExecutor(2, false, zerolog.Nop())
	defer e.Close()

	// A submitter that is itself a worker runs the task in place, before
	// SubmitAny returns.
	ran := false
	if err := e.SubmitAny(0, func() { ran = true }); err != nil {
		t.Fatalf("SubmitAny: %v", err)
	}
	if !ran {
		t.Error("fast path did not run task in place")
	}
	if e.Stats()["in_place"] != 1 {
		t.Errorf("in_place = %d, want 1", e.Stats()["in_place"])
	}
}

func TestExecutorSubmitAnyLoadBalanced(t *testing.T) {
	e := NewExecutor(4, false, zerolog.Nop())
	defer e.Close()

	const n = 100
	var count atomic.Int64
	for i := 0; i < n; i++ {
		if err := e.SubmitAny(api.InvalidWorker, func() { count.Add(1) }); err != nil {
			t.Fatalf("SubmitAny: %v", err)
		}
	}
	deadline := time.After(5 * time.Second)
	for count.Load() != n {
		select {
		case <-deadline:
			t.Fatalf("completed %d/%d", count.Load(), n)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestExecutorPanicRecovery(t *testing.T) {
	e := NewExecutor(1, false, zerolog.Nop())
	defer e.Close()

	if err := e.SubmitTo(0, func() { panic("boom") }); err != nil {
		t.Fatalf("SubmitTo: %v", err)
	}
	// Worker must survive and keep executing.
	done := make(chan struct{})
	if err := e.SubmitTo(0, func() { close(done) }); err != nil {
		t.Fatalf("SubmitTo: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died after task panic")
	}
}

func TestExecutorClose(t *testing.T) {
	e := NewExecutor(2, false, zerolog.Nop())
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.SubmitAny(api.InvalidWorker, func() {}); err != api.ErrExecutorClosed {
		t.Errorf("submit after close: err = %v, want ErrExecutorClosed", err)
	}
}

func TestExecutorIdleBackoffEscalation(t *testing.T) {
	e := NewExecutor(1, false, zerolog.Nop())
	defer e.Close()

	// Fresh backoff values take the yield path: escalation stays cheap.
	start := time.Now()
	b := int64(1)
	for i := 0; i < 8; i++ {
		b = e.idle(b)
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("short backoff spent %v, yield path expected", d)
	}
	if b != 256 {
		t.Errorf("backoff = %d after 8 empty polls, want 256", b)
	}

	// A long-idle worker sleeps for the current backoff, capped at the
	// maximum, instead of spinning.
	start = time.Now()
	b = e.idle(maxBackoffNs)
	if d := time.Since(start); d < 500*time.Microsecond {
		t.Errorf("long-idle poll returned after %v, want a real sleep", d)
	}
	if b != maxBackoffNs {
		t.Errorf("backoff = %d, want capped at %d", b, maxBackoffNs)
	}
}
