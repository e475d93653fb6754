package zrm

import (
	"sync"
	"time"

	"zrm.evalgo.org/common"
)

type futureState int

const (
	futurePending futureState = iota
	futureDone
	futureCancelled
)

// Future is the handle returned by asynchronous service calls. It becomes
// done when the call completes (successfully or not) or when it is
// cancelled by the caller.
type Future[T any] struct {
	mu     sync.Mutex
	state  futureState
	result *T
	err    error
	done   chan struct{}
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// complete settles the future with a result or error. It loses against an
// earlier completion or cancellation.
func (f *Future[T]) complete(result *T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != futurePending {
		return false
	}
	f.state = futureDone
	f.result = result
	f.err = err
	close(f.done)
	return true
}

// Done reports whether the future has settled.
func (f *Future[T]) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != futurePending
}

// Cancel requests cancellation. It returns true when cancellation took
// effect — the call was still in flight — and false when the call had
// already completed. Cancellation is client-side only: the server is not
// notified, the pending reply is simply abandoned.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != futurePending {
		return false
	}
	f.state = futureCancelled
	f.err = common.ErrServiceCancelled
	close(f.done)
	return true
}

// Result blocks until the future settles or the timeout elapses, then
// returns the call's outcome. A non-positive timeout waits indefinitely.
// After a successful Cancel, Result returns ErrServiceCancelled.
func (f *Future[T]) Result(timeout time.Duration) (*T, error) {
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-f.done:
		case <-timer.C:
			return nil, common.NewTimeoutErrorf("result not available within %s", timeout)
		}
	} else {
		<-f.done
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}
