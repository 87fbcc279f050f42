package kernel

import (
	"fmt"
	"time"
)

// workerRequest is one unit of work bound for the engine goroutine.
type workerRequest struct {
	fn   func() (any, error)
	done chan workerResult
}

type workerResult struct {
	value any
	err   error
}

// Worker serializes all script interpreter access through a single
// goroutine. The interpreter is single-threaded; every Execute and
// every debug control path goes through the worker. Panics inside
// submitted work are recovered and surfaced as Internal errors, never
// crashing the kernel.
type Worker struct {
	requests chan workerRequest
	quit     chan struct{}
}

// NewWorker starts the processing goroutine.
func NewWorker() *Worker {
	w := &Worker{
		requests: make(chan workerRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

func (w *Worker) execute(fn func() (any, error)) (result workerResult) {
	defer func() {
		if r := recover(); r != nil {
			result.err = Errorf(KindInternal, "panic in engine task: %v", r)
		}
	}()
	result.value, result.err = fn()
	return result
}

// Do submits fn and blocks until it completes. A stopped worker
// returns a clean Internal error rather than hanging or panicking.
func (w *Worker) Do(fn func() (any, error)) (any, error) {
	req := workerRequest{fn: fn, done: make(chan workerResult, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, Errorf(KindInternal, "engine worker is stopped")
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, Errorf(KindInternal, "engine worker is stopped")
	}
}

// DoTimeout is Do with an upper bound; the submitted work keeps
// running on the worker, but the caller gets a Timeout error.
func (w *Worker) DoTimeout(timeout time.Duration, fn func() (any, error)) (any, error) {
	req := workerRequest{fn: fn, done: make(chan workerResult, 1)}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case w.requests <- req:
	case <-timer.C:
		return nil, Errorf(KindTimeout, "engine busy for %s", timeout)
	case <-w.quit:
		return nil, Errorf(KindInternal, "engine worker is stopped")
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-timer.C:
		return nil, Errorf(KindTimeout, "engine task exceeded %s", timeout)
	case <-w.quit:
		return nil, Errorf(KindInternal, "engine worker is stopped")
	}
}

// Pending reports the tasks queued behind the one currently running.
func (w *Worker) Pending() int { return len(w.requests) }

// Stop shuts the worker down. In-flight work completes; queued work
// is abandoned.
func (w *Worker) Stop() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
}

// String implements fmt.Stringer for log output.
func (w *Worker) String() string {
	return fmt.Sprintf("worker(queue=%d)", len(w.requests))
}
