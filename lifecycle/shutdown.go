// Package lifecycle provides cascading, exactly-once asynchronous shutdown
// for the tree of objects that make up a tunnel session (link sockets, the
// buffered TLS adapter, the fiber demux, individual fibers, the admin
// service). It is the same pattern the teacher repo uses to guarantee that
// closing a session cleanly tears down every child without deadlocking on
// shared locks, generalized so any component can be a parent, a child, or
// both.
package lifecycle

import "sync"

// Handler is implemented by the object a Helper manages. HandleOnceShutdown
// is invoked exactly once, in its own goroutine, and should perform the
// actual teardown (closing sockets, cancelling timers) before returning the
// final completion error.
type Handler interface {
	HandleOnceShutdown(completionErr error) error
}

// Shutdowner is the capability every lifecycle-managed component exposes.
type Shutdowner interface {
	StartShutdown(completionErr error)
	DoneChan() <-chan struct{}
	IsDone() bool
	Wait() error
}

// Helper embeds into a component to give it Shutdowner behavior. It must be
// initialized with Init before use.
type Helper struct {
	mu sync.Mutex

	handler Handler

	started bool
	done    bool
	err     error

	startedChan     chan struct{}
	handlerDoneChan chan struct{}
	doneChan        chan struct{}

	wg sync.WaitGroup
}

// Init prepares the Helper. Must be called once before any other method.
func (h *Helper) Init(handler Handler) {
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handlerDoneChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// StartShutdown schedules asynchronous shutdown. Safe to call multiple
// times and from multiple goroutines; only the first call has effect.
// completionErr is an advisory error used as the default final status.
func (h *Helper) StartShutdown(completionErr error) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.err = completionErr
	h.mu.Unlock()

	close(h.startedChan)
	go func() {
		h.err = h.handler.HandleOnceShutdown(h.err)
		close(h.handlerDoneChan)
		h.wg.Wait()
		h.mu.Lock()
		h.done = true
		h.mu.Unlock()
		close(h.doneChan)
	}()
}

// DoneChan is closed once shutdown has fully completed, including all
// children registered via AddChild.
func (h *Helper) DoneChan() <-chan struct{} {
	return h.doneChan
}

// StartedChan is closed as soon as StartShutdown has been called.
func (h *Helper) StartedChan() <-chan struct{} {
	return h.startedChan
}

// IsDone reports whether shutdown has fully completed.
func (h *Helper) IsDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// IsStarted reports whether StartShutdown has been called.
func (h *Helper) IsStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Wait blocks until shutdown has completed and returns the final status. It
// does not itself initiate shutdown.
func (h *Helper) Wait() error {
	<-h.doneChan
	return h.err
}

// Close initiates shutdown with a nil advisory error and waits for it to complete.
func (h *Helper) Close() error {
	h.StartShutdown(nil)
	return h.Wait()
}

// AddChild registers a child Shutdowner that must be shut down (with this
// helper's advisory completion error) after this helper's own
// HandleOnceShutdown returns, and waited on before this helper is
// considered fully done, so a parent's shutdown cascades to the children
// registered with it.
func (h *Helper) AddChild(child Shutdowner) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-child.DoneChan():
		case <-h.handlerDoneChan:
			child.StartShutdown(h.err)
			<-child.DoneChan()
		}
	}()
}
