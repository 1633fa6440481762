package broker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/txproof"
)

// State is a state of a listener.
type State uint32

const (
	// StateStopped is a listener that isn't running. Every listener
	// starts and ends here.
	StateStopped State = iota

	// StateStarting is a listener that is making its initial connection.
	StateStarting

	// StateRunning is a connected listener.
	StateRunning

	// StateDropped is a listener that lost its connection and is trying
	// to get it back.
	StateDropped
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateDropped:
		return "Dropped"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

var (
	// ErrAlreadyStarted is returned when Start is called on a listener
	// that isn't stopped.
	ErrAlreadyStarted = errors.New("listener already started")

	// ErrNotRunning is returned when a slate is delivered to a listener
	// that isn't in the Running state. The transport must keep the
	// message and deliver it again once the listener is running.
	ErrNotRunning = errors.New("listener not running")

	// ErrInvalidTransition is returned for a lifecycle transition that
	// isn't allowed from the current state.
	ErrInvalidTransition = errors.New("invalid listener state transition")
)

// Lifecycle is the state machine shared by every transport listener:
//
//	Stopped -> Starting -> Running <-> Dropped -> Stopped
//
// It owns the listener's SubscriptionHandler and calls it on every
// transition, so that the callback ordering holds no matter how the
// transport is implemented. All callbacks are serialized.
type Lifecycle struct {
	name string

	state atomic.Uint32

	// cbMtx serializes every transition together with its callback.
	cbMtx   sync.Mutex
	handler SubscriptionHandler
}

// NewLifecycle returns a stopped lifecycle for the named listener.
func NewLifecycle(name string) *Lifecycle {
	return &Lifecycle{name: name}
}

// Name returns the name of the listener.
func (l *Lifecycle) Name() string {
	return l.name
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// IsRunning returns true while the listener is connected. A dropped listener
// isn't running.
func (l *Lifecycle) IsRunning() bool {
	return l.State() == StateRunning
}

// IsActive returns true from Starting until the listener is stopped.
func (l *Lifecycle) IsActive() bool {
	return l.State() != StateStopped
}

// Starting moves a stopped listener to Starting and installs the handler.
func (l *Lifecycle) Starting(handler SubscriptionHandler) error {
	if handler == nil {
		return fmt.Errorf("listener %v: nil handler", l.name)
	}

	l.cbMtx.Lock()
	defer l.cbMtx.Unlock()

	if l.State() != StateStopped {
		return fmt.Errorf("listener %v: %w", l.name, ErrAlreadyStarted)
	}

	l.handler = handler
	l.state.Store(uint32(StateStarting))

	log.Debugf("Listener %v starting", l.name)

	return nil
}

// Opened moves a starting listener to Running and calls OnOpen.
func (l *Lifecycle) Opened() error {
	return l.transition(StateStarting, StateRunning, func(h SubscriptionHandler) {
		log.Infof("Listener %v started", l.name)
		h.OnOpen()
	})
}

// Dropped moves a running listener to Dropped and calls OnDropped. It returns
// false, without calling the handler, if the listener wasn't running, so a
// second drop is never reported without a reestablish in between.
func (l *Lifecycle) Dropped() bool {
	err := l.transition(StateRunning, StateDropped, func(h SubscriptionHandler) {
		log.Warnf("Listener %v lost its connection, reconnecting in "+
			"the background", l.name)
		h.OnDropped()
	})

	return err == nil
}

// Reestablished moves a dropped listener back to Running and calls
// OnReestablished. It returns false if the listener wasn't dropped.
func (l *Lifecycle) Reestablished() bool {
	err := l.transition(StateDropped, StateRunning, func(h SubscriptionHandler) {
		log.Infof("Listener %v reestablished its connection", l.name)
		h.OnReestablished()
	})

	return err == nil
}

// Deliver hands an inbound slate to the handler. It returns ErrNotRunning,
// without calling the handler, unless the listener is Running. Deliver
// returns once the handler returned.
func (l *Lifecycle) Deliver(from address.Address, s *slate.Slate,
	proof fn.Option[*txproof.TxProof]) error {

	l.cbMtx.Lock()
	defer l.cbMtx.Unlock()

	if l.State() != StateRunning {
		return fmt.Errorf("listener %v is %v: %w", l.name, l.State(),
			ErrNotRunning)
	}

	l.handler.OnSlate(from, s, proof)

	return nil
}

// Closed moves the listener to Stopped and calls OnClose. It is a no-op if the
// listener is already stopped, so OnClose is called exactly once per start.
func (l *Lifecycle) Closed(reason CloseReason) {
	l.cbMtx.Lock()
	defer l.cbMtx.Unlock()

	if l.State() == StateStopped {
		return
	}

	l.state.Store(uint32(StateStopped))

	if reason.IsNormal() {
		log.Infof("Listener %v stopped", l.name)
	} else {
		log.Errorf("Listener %v stopped unexpectedly: %v", l.name,
			reason.Err())
	}

	handler := l.handler
	l.handler = nil
	handler.OnClose(reason)
}

func (l *Lifecycle) transition(from, to State,
	cb func(SubscriptionHandler)) error {

	l.cbMtx.Lock()
	defer l.cbMtx.Unlock()

	cur := l.State()
	if cur != from {
		return fmt.Errorf("listener %v: %w: %v -> %v (currently %v)",
			l.name, ErrInvalidTransition, from, to, cur)
	}

	l.state.Store(uint32(to))
	cb(l.handler)

	return nil
}
