// Package brokertest provides helpers for testing transports against the
// broker contracts.
package brokertest

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/txproof"
	"github.com/stretchr/testify/require"
)

// Timeout is how long the Expect methods wait.
const Timeout = 5 * time.Second

// Names of the callbacks as they appear on the Events channel.
const (
	EventOpen          = "open"
	EventSlate         = "slate"
	EventClose         = "close"
	EventDropped       = "dropped"
	EventReestablished = "reestablished"
)

// Delivery is a single OnSlate call.
type Delivery struct {
	From  address.Address
	Slate *slate.Slate
	Proof fn.Option[*txproof.TxProof]
}

// Handler is a broker.SubscriptionHandler that forwards every callback to
// channels, in the order the callbacks were made.
type Handler struct {
	// Gate, if set, blocks OnSlate until it is closed.
	Gate chan struct{}

	Events chan string
	Slates chan Delivery
	Closed chan broker.CloseReason
}

// A compile time check to ensure Handler implements the
// broker.SubscriptionHandler interface.
var _ broker.SubscriptionHandler = (*Handler)(nil)

// NewHandler returns a handler with buffered channels.
func NewHandler() *Handler {
	return &Handler{
		Events: make(chan string, 64),
		Slates: make(chan Delivery, 64),
		Closed: make(chan broker.CloseReason, 1),
	}
}

// OnOpen records the open.
func (h *Handler) OnOpen() {
	h.Events <- EventOpen
}

// OnSlate records the delivery and waits for the gate.
func (h *Handler) OnSlate(from address.Address, s *slate.Slate,
	proof fn.Option[*txproof.TxProof]) {

	h.Events <- EventSlate
	h.Slates <- Delivery{From: from, Slate: s, Proof: proof}

	if h.Gate != nil {
		<-h.Gate
	}
}

// OnClose records the close reason.
func (h *Handler) OnClose(reason broker.CloseReason) {
	h.Events <- EventClose
	h.Closed <- reason
}

// OnDropped records the drop.
func (h *Handler) OnDropped() {
	h.Events <- EventDropped
}

// OnReestablished records the reconnect.
func (h *Handler) OnReestablished() {
	h.Events <- EventReestablished
}

// ExpectEvent fails the test unless the next callback is want.
func (h *Handler) ExpectEvent(t *testing.T, want string) {
	t.Helper()

	select {
	case got := <-h.Events:
		require.Equal(t, want, got)

	case <-time.After(Timeout):
		t.Fatalf("no %v callback", want)
	}
}

// ExpectSlate waits for the next delivery.
func (h *Handler) ExpectSlate(t *testing.T) Delivery {
	t.Helper()

	select {
	case d := <-h.Slates:
		return d

	case <-time.After(Timeout):
		t.Fatal("no slate delivered")
	}

	return Delivery{}
}

// ExpectClose waits for the close reason.
func (h *Handler) ExpectClose(t *testing.T) broker.CloseReason {
	t.Helper()

	select {
	case reason := <-h.Closed:
		return reason

	case <-time.After(Timeout):
		t.Fatal("listener never closed")
	}

	return broker.CloseReason{}
}

// ExpectNoSlate fails the test if a slate is delivered within wait.
func (h *Handler) ExpectNoSlate(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case d := <-h.Slates:
		t.Fatalf("unexpected slate %v", d.Slate.ID)

	case <-time.After(wait):
	}
}

// FastRetry is a retry policy that gives up after two permanent failures
// and waits at most a few milliseconds.
func FastRetry() broker.RetryPolicy {
	return broker.RetryPolicy{
		MinBackoff:           time.Millisecond,
		MaxBackoff:           5 * time.Millisecond,
		MaxPermanentFailures: 2,
	}
}
