package core

// writer_gate.go serializes operations that write to the store.
//
// Restores and applied tree repairs each run in their own transaction and
// assume nothing else rewrites the same tables meanwhile. The gate lets one
// of them run at a time. Others wait up to maxWait before failing with
// ErrWriterBusy. Dumps only read and never take the gate.
//
// WaitForDrain supports graceful shutdown by blocking until the running
// writer, if any, completes.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWriterBusy is returned when the gate stays taken for the whole wait.
// Clients should retry after a short delay.
var ErrWriterBusy = errors.New("another restore or repair is running, please try again later")

// DefaultWriterWait is how long to wait for the gate before rejecting.
const DefaultWriterWait = 30 * time.Second

// WriterGate is a single-slot semaphore that remembers its holder.
type WriterGate struct {
	slot    chan struct{}
	maxWait time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	operation string
	since     time.Time
}

// NewWriterGate creates a gate. Callers that cannot enter within maxWait
// receive ErrWriterBusy.
func NewWriterGate(maxWait time.Duration) *WriterGate {
	if maxWait <= 0 {
		maxWait = DefaultWriterWait
	}
	return &WriterGate{
		slot:    make(chan struct{}, 1),
		maxWait: maxWait,
		now:     time.Now,
	}
}

// Acquire enters the gate on behalf of operation.
// The caller MUST call Release() when done (use defer).
func (g *WriterGate) Acquire(ctx context.Context, operation string) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.maxWait)
	defer cancel()

	select {
	case g.slot <- struct{}{}:
		g.hold(operation)
		return nil

	case <-waitCtx.Done():
		// Check if original context was cancelled vs timeout
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrWriterBusy
	}
}

// TryAcquire enters the gate without blocking.
func (g *WriterGate) TryAcquire(operation string) bool {
	select {
	case g.slot <- struct{}{}:
		g.hold(operation)
		return true
	default:
		return false
	}
}

func (g *WriterGate) hold(operation string) {
	g.mu.Lock()
	g.operation = operation
	g.since = g.now()
	g.mu.Unlock()
}

// Release leaves the gate.
// Must be called exactly once for each successful Acquire/TryAcquire.
func (g *WriterGate) Release() {
	g.mu.Lock()
	g.operation = ""
	g.since = time.Time{}
	g.mu.Unlock()

	<-g.slot
}

// Busy reports whether a writer holds the gate.
func (g *WriterGate) Busy() bool {
	return len(g.slot) > 0
}

// WaitForDrain blocks until the gate is free or ctx is cancelled.
func (g *WriterGate) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !g.Busy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WriterGateStatus describes the gate for monitoring.
type WriterGateStatus struct {
	Busy      bool       `json:"busy"`
	Operation string     `json:"operation,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
}

// Status returns the current holder, if any.
func (g *WriterGate) Status() WriterGateStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st := WriterGateStatus{Busy: g.Busy(), Operation: g.operation}
	if !g.since.IsZero() {
		since := g.since
		st.Since = &since
	}
	return st
}
