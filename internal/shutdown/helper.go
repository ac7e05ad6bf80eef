// Package shutdown provides a small asynchronous shutdown primitive for
// long-lived assemblies of soxy objects: one-shot shutdown, child fan-out,
// and a done channel to wait on.
package shutdown

import (
	"sync"

	"github.com/wb-airbus/soxy/soxylog"
)

// OnceHandler performs the synchronous, one-time work of shutting an object
// down. It receives the advisory completion error passed to StartShutdown and
// returns the real completion error.
type OnceHandler func(completionErr error) error

// Child is anything that can be asked to shut down asynchronously and waited on.
type Child interface {
	StartShutdown(completionErr error)
	DoneChan() <-chan struct{}
	WaitShutdown() error
}

// Helper manages clean, exactly-once asynchronous shutdown for an object that
// implements OnceHandler.
type Helper struct {
	soxylog.Logger

	lock    sync.Mutex
	handler OnceHandler

	scheduled bool
	started   bool
	done      bool
	err       error

	handlerDoneChan chan struct{}
	doneChan        chan struct{}

	wg sync.WaitGroup
}

// Init initializes a Helper in place. Must be called before use.
func (h *Helper) Init(logger soxylog.Logger, handler OnceHandler) {
	h.Logger = logger
	h.handler = handler
	h.handlerDoneChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// StartShutdown schedules shutdown. Safe to call more than once; only the
// first call's completionErr is used.
func (h *Helper) StartShutdown(completionErr error) {
	h.lock.Lock()
	alreadyScheduled := h.scheduled
	if !alreadyScheduled {
		h.scheduled = true
		h.started = true
		h.err = completionErr
	}
	h.lock.Unlock()

	if !alreadyScheduled {
		go h.run()
	}
}

func (h *Helper) run() {
	h.err = h.handler(h.err)
	close(h.handlerDoneChan)
	h.wg.Wait()
	h.lock.Lock()
	h.done = true
	h.lock.Unlock()
	close(h.doneChan)
}

// DoneChan returns a channel closed once shutdown has fully completed.
func (h *Helper) DoneChan() <-chan struct{} {
	return h.doneChan
}

// HandlerDoneChan returns a channel closed once the OnceHandler has returned,
// before children are shut down and waited for.
func (h *Helper) HandlerDoneChan() <-chan struct{} {
	return h.handlerDoneChan
}

// WaitShutdown blocks until shutdown is fully complete and returns the final
// completion status. It does not itself initiate shutdown.
func (h *Helper) WaitShutdown() error {
	<-h.doneChan
	return h.err
}

// Shutdown starts shutdown (if not already started) and waits for completion.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// IsStartedShutdown reports whether shutdown has begun.
func (h *Helper) IsStartedShutdown() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.started
}

// IsDoneShutdown reports whether shutdown has fully completed.
func (h *Helper) IsDoneShutdown() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.done
}

// AddChild registers a Child to be shut down once this Helper's OnceHandler
// returns (using the resulting completion error as advisory status), and
// waited on before this Helper's own shutdown is considered complete.
func (h *Helper) AddChild(child Child) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-child.DoneChan():
		case <-h.handlerDoneChan:
			child.StartShutdown(h.err)
			child.WaitShutdown()
		}
	}()
}

// Close is a default io.Closer-shaped shutdown: starts shutdown with a nil
// advisory status and waits for it to finish.
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}
