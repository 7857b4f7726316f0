package wshare

import (
	"context"
	"sync"
)

// OnceShutdownHandler is implemented by the object managed by a
// ShutdownHelper. HandleOnceShutdown is called exactly once, in its own
// goroutine; it should take completionErr as an advisory completion value,
// actually shut down, then return the real completion value.
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// ShutdownHelper manages clean asynchronous shutdown for an object that
// implements OnceShutdownHandler. Embed it, call InitShutdownHelper, and the
// object gains StartShutdown/WaitShutdown semantics plus a Logger.
type ShutdownHelper struct {
	// Logger is the logger used by this helper and its owner.
	Logger

	handler OnceShutdownHandler

	mu          sync.Mutex
	started     bool
	shutdownErr error

	shutdownStartedChan chan struct{}
	shutdownDoneChan    chan struct{}
}

// InitShutdownHelper initializes a ShutdownHelper in place.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// StartShutdown schedules asynchronous shutdown with an advisory completion
// error. It has no effect after the first call.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.shutdownErr = completionErr
	close(h.shutdownStartedChan)
	h.mu.Unlock()

	go func() {
		err := h.handler.HandleOnceShutdown(completionErr)
		h.mu.Lock()
		h.shutdownErr = err
		h.mu.Unlock()
		close(h.shutdownDoneChan)
	}()
}

// ShutdownStartedChan is closed as soon as shutdown is scheduled.
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan is closed after shutdown is complete.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// IsStartedShutdown reports whether shutdown has been scheduled.
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// WaitShutdown blocks until shutdown completes and returns the final
// completion status.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdownErr
}

// Shutdown starts shutdown and waits for it to complete.
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close starts shutdown with a nil completion status and waits.
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// ShutdownOnContext schedules shutdown when ctx is cancelled.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		case <-h.shutdownStartedChan:
		}
	}()
}
