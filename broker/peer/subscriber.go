package peer

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/broker"
)

// DefaultIdleTimeout is how long a connection may stay silent between
// frames.
const DefaultIdleTimeout = 2 * time.Minute

// Config configures a peer Subscriber.
type Config struct {
	// Name identifies the listener.
	Name string

	// ListenAddr is the TCP address to accept connections on.
	ListenAddr string

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration

	// Retry controls re-binding after the listener failed.
	Retry broker.RetryPolicy

	// Clock drives the retry waits.
	Clock clock.Clock

	// Listen opens the listener. It defaults to net.Listen.
	Listen func(network, addr string) (net.Listener, error)
}

// Subscriber accepts TCP connections from peers and hands every received
// slate to its handler. A frame is acked only after the handler returned, so
// the sender knows the slate was taken over.
type Subscriber struct {
	cfg Config
	lc  *broker.Lifecycle

	mu sync.Mutex
	gm *fn.GoroutineManager

	// lisMtx guards the fields below.
	lisMtx    sync.Mutex
	listener  net.Listener
	boundAddr string
	conns     map[net.Conn]struct{}
	closed    bool
}

// A compile time check to ensure Subscriber implements the broker.Subscriber
// interface.
var _ broker.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates a subscriber for the config.
func NewSubscriber(cfg *Config) *Subscriber {
	c := *cfg
	if c.Name == "" {
		c.Name = "peer"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Retry == (broker.RetryPolicy{}) {
		c.Retry = broker.DefaultRetryPolicy()
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.Listen == nil {
		c.Listen = net.Listen
	}

	return &Subscriber{
		cfg:   c,
		lc:    broker.NewLifecycle(c.Name),
		conns: make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and starts accepting peers.
//
// NOTE: This is part of the broker.Subscriber interface.
func (s *Subscriber) Start(handler broker.SubscriptionHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lc.Starting(handler); err != nil {
		return err
	}

	l, err := s.cfg.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.lc.Closed(broker.AbnormalClose(err))
		return err
	}

	s.lisMtx.Lock()
	s.listener = l
	s.boundAddr = l.Addr().String()
	s.closed = false
	s.lisMtx.Unlock()

	log.Infof("Peer listener %v accepting slates on %v", s.cfg.Name,
		l.Addr())

	if err := s.lc.Opened(); err != nil {
		return err
	}

	if s.gm != nil {
		s.gm.Stop()
	}
	s.gm = fn.NewGoroutineManager()
	s.gm.Go(context.Background(), func(ctx context.Context) {
		s.acceptLoop(ctx)
	})

	return nil
}

// Stop closes the listener and every open connection.
//
// NOTE: This is part of the broker.Subscriber interface.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Closing the listener and the connections unblocks the goroutines
	// so the manager can wait for them.
	s.closeAll()

	if s.gm != nil {
		s.gm.Stop()
		s.gm = nil
	}

	s.lc.Closed(broker.NormalClose())
}

// IsRunning returns true while the listener is bound.
//
// NOTE: This is part of the broker.Subscriber interface.
func (s *Subscriber) IsRunning() bool {
	return s.lc.IsRunning()
}

// Addr returns the address the listener is bound to, or nil if it isn't.
func (s *Subscriber) Addr() net.Addr {
	s.lisMtx.Lock()
	defer s.lisMtx.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

func (s *Subscriber) closeAll() {
	s.lisMtx.Lock()
	defer s.lisMtx.Unlock()

	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

func (s *Subscriber) isClosed() bool {
	s.lisMtx.Lock()
	defer s.lisMtx.Unlock()

	return s.closed
}

func (s *Subscriber) currentListener() net.Listener {
	s.lisMtx.Lock()
	defer s.lisMtx.Unlock()

	return s.listener
}

// acceptLoop accepts connections until ctx is done, re-binding the listener
// whenever it fails.
//
// NOTE: MUST be run as a goroutine.
func (s *Subscriber) acceptLoop(ctx context.Context) {
	for {
		l := s.currentListener()
		if l == nil {
			return
		}

		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}

			log.Warnf("Peer listener %v failed: %v", s.cfg.Name, err)

			_ = l.Close()
			if !s.rebind(ctx) {
				return
			}

			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}

		ok := s.gm.Go(ctx, func(ctx context.Context) {
			s.serveConn(ctx, conn)
		})
		if !ok {
			s.untrack(conn)
			return
		}
	}
}

// rebind tries to bind the listener again with backoff. It returns false if
// the subscriber stopped or gave up.
func (s *Subscriber) rebind(ctx context.Context) bool {
	s.lc.Dropped()

	var permanentFailures int
	for attempt := 0; ; attempt++ {
		if !s.cfg.Retry.Wait(ctx, s.cfg.Clock, attempt) {
			return false
		}

		s.lisMtx.Lock()
		addr := s.boundAddr
		s.lisMtx.Unlock()

		l, err := s.cfg.Listen("tcp", addr)
		if err == nil {
			// Stop may have run while we were binding.
			s.lisMtx.Lock()
			if s.closed {
				s.lisMtx.Unlock()
				_ = l.Close()

				return false
			}
			s.listener = l
			s.lisMtx.Unlock()

			log.Infof("Peer listener %v bound again on %v",
				s.cfg.Name, addr)
			s.lc.Reestablished()

			return true
		}

		if errors.Is(err, os.ErrPermission) {
			err = broker.Permanent(err)
			permanentFailures++
		}

		log.Debugf("Unable to bind %v (attempt %d): %v", addr,
			attempt, err)

		if s.cfg.Retry.GiveUp(err, permanentFailures) {
			log.Errorf("Peer listener %v giving up: %v",
				s.cfg.Name, err)
			s.lc.Closed(broker.AbnormalClose(err))

			return false
		}
	}
}

func (s *Subscriber) track(conn net.Conn) bool {
	s.lisMtx.Lock()
	defer s.lisMtx.Unlock()

	if s.listener == nil {
		return false
	}
	s.conns[conn] = struct{}{}

	return true
}

func (s *Subscriber) untrack(conn net.Conn) {
	s.lisMtx.Lock()
	defer s.lisMtx.Unlock()

	delete(s.conns, conn)
}

// serveConn reads frames from a single peer connection.
//
// NOTE: MUST be run as a goroutine.
func (s *Subscriber) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.untrack(conn)
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr()
	for ctx.Err() == nil {
		err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if err != nil {
			return
		}

		env, err := ReadFrame(conn)
		switch {
		case errors.Is(err, io.EOF):
			return

		case errors.Is(err, ErrMalformedFrame):
			log.Warnf("Rejecting frame from %v: %v", remote, err)
			if !s.reply(conn, StatusRejected) {
				return
			}
			continue

		case err != nil:
			log.Debugf("Connection from %v closed: %v", remote, err)
			return
		}

		log.Debugf("Delivering slate %v from %v (%v)", env.Slate.ID,
			env.From, remote)

		err = s.lc.Deliver(env.From, env.Slate, env.Proof)
		if errors.Is(err, broker.ErrNotRunning) {
			s.reply(conn, StatusUnavailable)
			return
		}
		if err != nil {
			log.Errorf("Unable to deliver slate %v: %v",
				env.Slate.ID, err)
			s.reply(conn, StatusUnavailable)

			return
		}

		if !s.reply(conn, StatusOK) {
			return
		}
	}
}

func (s *Subscriber) reply(conn net.Conn, status Status) bool {
	err := conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
	if err != nil {
		return false
	}

	_, err = conn.Write([]byte{byte(status)})

	return err == nil
}
