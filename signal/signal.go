package signal

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// ErrAlreadyStarted is returned by Intercept while another interceptor is
// still running.
var ErrAlreadyStarted = errors.New("intercept already started")

// started is set while an interceptor's main handler runs. Only one may run
// per process because os/signal delivery is process wide.
var started atomic.Bool

// Interceptor turns OS signals and internal shutdown requests into a single
// shutdown channel. Copies share the same state.
type Interceptor struct {
	interrupt chan os.Signal

	// requests carries the reason of a shutdown requested by the daemon
	// itself, for example by a failing health check.
	requests chan string

	// quit is closed by the main handler once a shutdown began. Only
	// mainInterruptHandler closes it.
	quit chan struct{}

	// shutdown is closed when the main handler exits.
	shutdown chan struct{}

	reason *atomic.Pointer[string]
}

// Intercept starts handling SIGINT, SIGTERM, SIGQUIT and SIGABRT. Another
// interceptor can be created once the previous one shut down.
func Intercept() (Interceptor, error) {
	if !started.CompareAndSwap(false, true) {
		return Interceptor{}, ErrAlreadyStarted
	}

	c := Interceptor{
		interrupt: make(chan os.Signal, 1),
		requests:  make(chan string),
		quit:      make(chan struct{}),
		shutdown:  make(chan struct{}),
		reason:    &atomic.Pointer[string]{},
	}

	signal.Notify(
		c.interrupt, os.Interrupt, syscall.SIGABRT, syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	go c.mainInterruptHandler()

	return c, nil
}

// mainInterruptHandler waits for the first signal or request, records why
// the daemon shuts down and closes the shutdown channel. Later signals are
// logged and otherwise ignored.
//
// NOTE: It must be run as a goroutine.
func (c *Interceptor) mainInterruptHandler() {
	begin := func(reason string) {
		select {
		case <-c.quit:
			log.Infof("Already shutting down, ignoring %v", reason)
			return
		default:
		}

		c.reason.Store(&reason)
		log.Infof("Shutting down: %v", reason)
		close(c.quit)
	}

	for {
		select {
		case sig := <-c.interrupt:
			begin(fmt.Sprintf("received %v", sig))

		case reason := <-c.requests:
			begin(reason)

		case <-c.quit:
			signal.Stop(c.interrupt)
			started.Store(false)
			close(c.shutdown)

			return
		}
	}
}

// Listening returns true if this interceptor is running and no shutdown has
// begun yet.
func (c *Interceptor) Listening() bool {
	return c.quit != nil && started.Load() && c.Alive()
}

// Alive returns true until a shutdown begins.
func (c *Interceptor) Alive() bool {
	select {
	case <-c.quit:
		return false
	default:
		return true
	}
}

// RequestShutdown starts a graceful shutdown, just like SIGINT.
func (c *Interceptor) RequestShutdown() {
	c.RequestShutdownReason("shutdown requested")
}

// RequestShutdownReason starts a graceful shutdown and records reason as its
// cause. It is a no-op once a shutdown has begun.
func (c *Interceptor) RequestShutdownReason(reason string) {
	select {
	case c.requests <- reason:
	case <-c.quit:
	}
}

// ShutdownChannel returns the channel that is closed once the interceptor
// has stopped.
func (c *Interceptor) ShutdownChannel() <-chan struct{} {
	return c.shutdown
}

// Reason returns what started the shutdown, or an empty string while none
// has begun.
func (c *Interceptor) Reason() string {
	if c.reason == nil {
		return ""
	}

	if r := c.reason.Load(); r != nil {
		return *r
	}

	return ""
}
