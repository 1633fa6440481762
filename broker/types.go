package broker

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/txproof"
)

// CloseReason is the outcome of a listener's lifecycle. A zero value is a
// normal close.
type CloseReason struct {
	err error
}

// NormalClose is the reason reported when a listener was stopped on purpose.
func NormalClose() CloseReason {
	return CloseReason{}
}

// AbnormalClose is the reason reported when a listener stopped because of an
// unrecoverable error.
func AbnormalClose(err error) CloseReason {
	if err == nil {
		err = fmt.Errorf("unknown error")
	}

	return CloseReason{err: err}
}

// IsNormal returns true if the listener was stopped on purpose.
func (c CloseReason) IsNormal() bool {
	return c.err == nil
}

// Err returns the cause of an abnormal close, or nil.
func (c CloseReason) Err() error {
	return c.err
}

// String returns a human readable form of the reason.
func (c CloseReason) String() string {
	if c.IsNormal() {
		return "normal"
	}

	return fmt.Sprintf("abnormal: %v", c.err)
}

// Publisher sends slates to an address. Implementations must be safe for
// concurrent use, and may be called from within a SubscriptionHandler
// callback.
type Publisher interface {
	// PostSlate delivers the slate to the address. A returned error means
	// the outbound path is currently unusable for that address.
	PostSlate(ctx context.Context, s *slate.Slate, to address.Address) error
}

// Subscriber runs the background listening loop of one transport.
type Subscriber interface {
	// Start installs the handler and connects. It returns once the
	// initial connection either succeeded or failed.
	Start(handler SubscriptionHandler) error

	// Stop stops the listener. It is a no-op if the listener is already
	// stopped.
	Stop()

	// IsRunning returns true while the listener is connected.
	IsRunning() bool
}

// SubscriptionHandler receives the events of one listener. Callbacks for one
// listener are never invoked concurrently. OnOpen is called once after the
// initial connection, followed by any number of OnSlate calls and
// OnDropped/OnReestablished pairs, and finally exactly one OnClose.
type SubscriptionHandler interface {
	// OnOpen is called once the listener has connected.
	OnOpen()

	// OnSlate is called for every inbound slate. The handler must not
	// block indefinitely.
	OnSlate(from address.Address, s *slate.Slate,
		proof fn.Option[*txproof.TxProof])

	// OnClose is called once when the listener terminates.
	OnClose(reason CloseReason)

	// OnDropped is called when the listener lost its connection and is
	// trying to reconnect.
	OnDropped()

	// OnReestablished is called when a dropped listener has reconnected.
	OnReestablished()
}
