package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWriterGate_AcquireRelease(t *testing.T) {
	gate := NewWriterGate(time.Second)
	ctx := context.Background()

	if gate.Busy() {
		t.Fatal("new gate should be free")
	}
	if err := gate.Acquire(ctx, "restore"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	st := gate.Status()
	if !st.Busy || st.Operation != "restore" || st.Since == nil {
		t.Errorf("Status() = %+v, want busy restore with start time", st)
	}

	gate.Release()
	st = gate.Status()
	if st.Busy || st.Operation != "" || st.Since != nil {
		t.Errorf("after Release, Status() = %+v, want free", st)
	}
}

func TestWriterGate_BlocksWhenTaken(t *testing.T) {
	gate := NewWriterGate(100 * time.Millisecond)
	ctx := context.Background()

	if err := gate.Acquire(ctx, "restore"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer gate.Release()

	start := time.Now()
	err := gate.Acquire(ctx, "repair")
	elapsed := time.Since(start)

	if err != ErrWriterBusy {
		t.Errorf("expected ErrWriterBusy, got %v", err)
	}
	if elapsed < 90*time.Millisecond {
		t.Errorf("returned after %v, want about the wait time", elapsed)
	}
	if got := gate.Status().Operation; got != "restore" {
		t.Errorf("holder = %q, want restore", got)
	}
}

func TestWriterGate_ContextCancellation(t *testing.T) {
	gate := NewWriterGate(5 * time.Second)
	if !gate.TryAcquire("restore") {
		t.Fatal("TryAcquire on a free gate failed")
	}
	defer gate.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := gate.Acquire(ctx, "repair")
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWriterGate_TryAcquire(t *testing.T) {
	gate := NewWriterGate(time.Second)
	if !gate.TryAcquire("a") {
		t.Fatal("first TryAcquire should succeed")
	}
	if gate.TryAcquire("b") {
		t.Error("second TryAcquire should fail")
	}
	gate.Release()
	if !gate.TryAcquire("c") {
		t.Error("TryAcquire after Release should succeed")
	}
	gate.Release()
}

func TestWriterGate_SerializesWriters(t *testing.T) {
	gate := NewWriterGate(5 * time.Second)
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gate.Acquire(context.Background(), "restore"); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			gate.Release()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent writers = %d, want 1", maxInside)
	}
}

func TestWriterGate_WaitForDrain(t *testing.T) {
	gate := NewWriterGate(time.Second)
	if err := gate.WaitForDrain(context.Background()); err != nil {
		t.Fatalf("WaitForDrain on free gate: %v", err)
	}

	gate.TryAcquire("restore")
	go func() {
		time.Sleep(150 * time.Millisecond)
		gate.Release()
	}()
	if err := gate.WaitForDrain(context.Background()); err != nil {
		t.Errorf("WaitForDrain failed: %v", err)
	}

	gate.TryAcquire("restore")
	defer gate.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := gate.WaitForDrain(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}
