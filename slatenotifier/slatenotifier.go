package slatenotifier

import (
	"sync/atomic"

	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/subscribe"
)

// SlateNotifier is a subsystem which all slate processing and listener events
// pipe through. It takes subscriptions for its events, and whenever it
// receives a new event it notifies its subscribers over the proper channel.
type SlateNotifier struct {
	started atomic.Bool
	stopped atomic.Bool

	ntfnServer *subscribe.Server[broker.Event]
}

// A compile time check to ensure SlateNotifier implements the
// broker.EventSink interface.
var _ broker.EventSink = (*SlateNotifier)(nil)

// New creates a new slate notifier.
func New() *SlateNotifier {
	return &SlateNotifier{
		ntfnServer: subscribe.NewServer[broker.Event](),
	}
}

// Start starts the SlateNotifier and all goroutines it needs to carry out its
// task.
func (s *SlateNotifier) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Tracef("SlateNotifier starting")

	return s.ntfnServer.Start()
}

// Stop signals the notifier for a graceful shutdown.
func (s *SlateNotifier) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Tracef("SlateNotifier stopping")

	return s.ntfnServer.Stop()
}

// SubscribeSlateEvents returns a subscribe.Client that will receive every
// event.
func (s *SlateNotifier) SubscribeSlateEvents() (
	*subscribe.Client[broker.Event], error) {

	return s.ntfnServer.Subscribe()
}

// SubscribeListener returns a subscribe.Client that will receive the events of
// one listener.
func (s *SlateNotifier) SubscribeListener(name string) (
	*subscribe.Client[broker.Event], error) {

	return s.ntfnServer.SubscribeFiltered(func(e broker.Event) bool {
		return e.Listener == name
	})
}

// Notify sends the event to all subscribers.
//
// NOTE: This is part of the broker.EventSink interface.
func (s *SlateNotifier) Notify(event broker.Event) {
	log.Debugf("Slate event: %v", event)

	if err := s.ntfnServer.SendUpdate(event); err != nil {
		log.Warnf("Unable to send %v update: %v", event.Kind, err)
	}
}
