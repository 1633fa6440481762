package broker

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies an observable step of slate processing or of a
// listener's lifecycle.
type EventKind uint8

const (
	// EventSlateReceived is emitted for an inbound slate that still needs
	// contributions.
	EventSlateReceived EventKind = iota

	// EventSlateReceivedBack is emitted for an inbound slate that carries
	// every contribution and is ready to be finalized.
	EventSlateReceivedBack

	// EventRoundCompleted is emitted once the wallet has added its
	// contribution to a slate.
	EventRoundCompleted

	// EventSlateSent is emitted once a slate was published back to its
	// sender.
	EventSlateSent

	// EventFinalized is emitted once a slate was finalized.
	EventFinalized

	// EventProcessingFailed is emitted when a slate couldn't be
	// processed.
	EventProcessingFailed

	// EventPublishFailed is emitted when a processed slate couldn't be
	// published back.
	EventPublishFailed

	// EventListenerOpened is emitted when a listener connected.
	EventListenerOpened

	// EventListenerDropped is emitted when a listener lost its
	// connection.
	EventListenerDropped

	// EventListenerReestablished is emitted when a dropped listener
	// reconnected.
	EventListenerReestablished

	// EventListenerClosed is emitted when a listener terminated.
	EventListenerClosed
)

var eventKindNames = map[EventKind]string{
	EventSlateReceived:         "slate_received",
	EventSlateReceivedBack:     "slate_received_back",
	EventRoundCompleted:        "round_completed",
	EventSlateSent:             "slate_sent",
	EventFinalized:             "finalized",
	EventProcessingFailed:      "processing_failed",
	EventPublishFailed:         "publish_failed",
	EventListenerOpened:        "listener_opened",
	EventListenerDropped:       "listener_dropped",
	EventListenerReestablished: "listener_reestablished",
	EventListenerClosed:        "listener_closed",
}

// String returns the snake case name of the kind.
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("event(%d)", uint8(k))
}

// AllEventKinds returns every event kind in declaration order.
func AllEventKinds() []EventKind {
	kinds := make([]EventKind, 0, len(eventKindNames))
	for k := EventSlateReceived; k <= EventListenerClosed; k++ {
		kinds = append(kinds, k)
	}

	return kinds
}

// Event is one observable occurrence.
type Event struct {
	// Kind is what happened.
	Kind EventKind

	// Listener is the name of the listener the event belongs to.
	Listener string

	// SlateID is set for slate events.
	SlateID uuid.UUID

	// Address is the counterparty in its display form, set for slate
	// events.
	Address string

	// Amount is the slate amount, set for slate events.
	Amount uint64

	// Err is set for failure events and abnormal closes.
	Err error

	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// String returns a short description of the event for logging.
func (e Event) String() string {
	s := fmt.Sprintf("%v[%v]", e.Kind, e.Listener)
	if e.SlateID != uuid.Nil {
		s += fmt.Sprintf(" slate=%v", e.SlateID)
	}
	if e.Address != "" {
		s += fmt.Sprintf(" peer=%v", e.Address)
	}
	if e.Err != nil {
		s += fmt.Sprintf(" err=%v", e.Err)
	}

	return s
}

// EventSink receives events. Notify must not block for long, and protocol
// decisions never depend on it.
type EventSink interface {
	Notify(event Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event Event)

// Notify calls f.
func (f EventSinkFunc) Notify(event Event) {
	f(event)
}

// MultiSink forwards every event to each of its sinks in order.
type MultiSink []EventSink

// Notify forwards the event.
func (m MultiSink) Notify(event Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Notify(event)
		}
	}
}

// discardSink drops every event.
type discardSink struct{}

func (discardSink) Notify(Event) {}
