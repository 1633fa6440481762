package subscribe

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

var (
	// ErrServerShuttingDown is an error returned in case the server is in
	// the process of shutting down.
	ErrServerShuttingDown = errors.New("subscription server shutting down")

	// ErrServerNotStarted is returned when an update is sent to a server
	// that hasn't been started yet.
	ErrServerNotStarted = errors.New("subscription server not started")
)

// clientQueueSize is the initial buffer size of a client's update queue. The
// queue grows beyond it, so a slow client never blocks the server.
const clientQueueSize = 20

// Client is used to get notified about updates the caller has subscribed to.
type Client[T any] struct {
	// cancel should be called in case the client no longer wants to
	// subscribe for updates from the server.
	cancel func()

	// filter selects the updates the client receives. A nil filter
	// accepts every update.
	filter func(T) bool

	queue   *queue.ConcurrentQueue
	updates chan T
	quit    chan struct{}

	wg sync.WaitGroup
}

// Updates returns a read-only channel where the updates the client has
// subscribed to will be delivered. It is closed once the client is cancelled
// or the server stops.
func (c *Client[T]) Updates() <-chan T {
	return c.updates
}

// Quit is a channel that will be closed in case the server decides to no
// longer deliver updates to this client.
func (c *Client[T]) Quit() <-chan struct{} {
	return c.quit
}

// Cancel should be called in case the client no longer wants to
// subscribe for updates from the server.
func (c *Client[T]) Cancel() {
	c.cancel()
}

// forward moves updates from the client's unbounded queue to its typed
// updates channel.
//
// NOTE: MUST be run as a goroutine.
func (c *Client[T]) forward() {
	defer c.wg.Done()
	defer close(c.updates)

	for {
		select {
		case upd, ok := <-c.queue.ChanOut():
			if !ok {
				return
			}

			select {
			case c.updates <- upd.(T):
			case <-c.quit:
				return
			}

		case <-c.quit:
			return
		}
	}
}

// stop shuts the client down. Must only be called by the server's handler.
func (c *Client[T]) stop() {
	close(c.quit)
	c.queue.Stop()
	c.wg.Wait()
}

// Server is a struct that manages a set of subscriptions and their
// corresponding clients. Any update will be delivered to all active clients
// whose filter accepts it.
type Server[T any] struct {
	clientCounter atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	clients       map[uint64]*Client[T]
	clientUpdates chan *clientUpdate[T]

	updates chan T

	quit chan struct{}
	wg   sync.WaitGroup
}

// clientUpdate is an internal message sent to the subscriptionHandler to
// either register a new client for subscription or cancel an existing
// subscription.
type clientUpdate[T any] struct {
	// cancel indicates if the update to the client is cancelling an
	// existing client's subscription. If not then this update will be to
	// subscribe a new client.
	cancel bool

	// clientID is the unique identifier for this client.
	clientID uint64

	// client is the new client that will receive updates. Will be nil in
	// case this is a cancellation update.
	client *Client[T]
}

// NewServer returns a new Server.
func NewServer[T any]() *Server[T] {
	return &Server[T]{
		clients:       make(map[uint64]*Client[T]),
		clientUpdates: make(chan *clientUpdate[T]),
		updates:       make(chan T),
		quit:          make(chan struct{}),
	}
}

// Start starts the Server, making it ready to accept subscriptions and
// updates.
func (s *Server[T]) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.wg.Add(1)
	go s.subscriptionHandler()

	return nil
}

// Stop stops the server.
func (s *Server[T]) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	return nil
}

// Subscribe returns a Client that will receive every update.
func (s *Server[T]) Subscribe() (*Client[T], error) {
	return s.SubscribeFiltered(nil)
}

// SubscribeFiltered returns a Client that will receive the updates for which
// filter returns true.
func (s *Server[T]) SubscribeFiltered(filter func(T) bool) (*Client[T],
	error) {

	if !s.started.Load() {
		return nil, ErrServerNotStarted
	}

	clientID := s.clientCounter.Add(1)

	// Create the client that will be returned. The Cancel method is
	// populated to send the cancellation intent to the
	// subscriptionHandler.
	client := &Client[T]{
		filter:  filter,
		queue:   queue.NewConcurrentQueue(clientQueueSize),
		updates: make(chan T),
		quit:    make(chan struct{}),
		cancel: func() {
			select {
			case s.clientUpdates <- &clientUpdate[T]{
				cancel:   true,
				clientID: clientID,
			}:
			case <-s.quit:
				return
			}
		},
	}

	select {
	case s.clientUpdates <- &clientUpdate[T]{
		clientID: clientID,
		client:   client,
	}:
	case <-s.quit:
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// SendUpdate is called to send the passed update to all currently active
// subscription clients.
func (s *Server[T]) SendUpdate(update T) error {
	if !s.started.Load() {
		return ErrServerNotStarted
	}

	select {
	case s.updates <- update:
		return nil
	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// subscriptionHandler is the main handler for the Server. It will handle
// incoming updates and subscriptions, and forward the incoming updates to the
// registered clients.
//
// NOTE: MUST be run as a goroutine.
func (s *Server[T]) subscriptionHandler() {
	defer s.wg.Done()

	for {
		select {

		// If a client update is received, the either a new
		// subscription becomes active, or we cancel and existing one.
		case update := <-s.clientUpdates:
			clientID := update.clientID

			if update.cancel {
				client, ok := s.clients[clientID]
				if ok {
					client.stop()
					delete(s.clients, clientID)
				}

				continue
			}

			client := update.client
			client.queue.Start()
			client.wg.Add(1)
			go client.forward()
			s.clients[clientID] = client

		// A new update was received, forward it to all active clients.
		case upd := <-s.updates:
			for _, client := range s.clients {
				if client.filter != nil && !client.filter(upd) {
					continue
				}

				select {
				case client.queue.ChanIn() <- upd:
				case <-client.quit:
				case <-s.quit:
					return
				}
			}

		// In case the server is shutting down, stop the clients and
		// close the quit channels to notify them.
		case <-s.quit:
			for _, client := range s.clients {
				client.stop()
			}
			return
		}
	}
}
