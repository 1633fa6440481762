package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
)

const (
	// DefaultPingInterval is how often the subscriber pings the relay.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongWait is how long after a ping interval a pong may take
	// before the connection is considered dead.
	DefaultPongWait = 10 * time.Second
)

// SubscriberConfig configures a relay Subscriber.
type SubscriberConfig struct {
	// Name identifies the listener.
	Name string

	// Key is the identity key of Self.
	Key *btcec.PrivateKey

	// Self is the subscribed address. Its host is the relay that is
	// connected to.
	Self *address.RelayAddress

	// Insecure selects plain websockets instead of TLS.
	Insecure bool

	// Dialer opens the websockets. It defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// PingInterval and PongWait detect dead connections.
	PingInterval time.Duration
	PongWait     time.Duration

	// Retry controls reconnects.
	Retry broker.RetryPolicy

	// Clock drives the retry waits.
	Clock clock.Clock
}

// Subscriber receives the slates of a relay mailbox. A slate is acked to
// the relay only after the handler returned; everything unacked is pushed
// again when the subscriber reconnects.
type Subscriber struct {
	cfg SubscriberConfig
	lc  *broker.Lifecycle

	mu sync.Mutex
	gm *fn.GoroutineManager

	// connMtx guards the fields below.
	connMtx sync.Mutex
	conn    *conn
	closed  bool
}

// A compile time check to ensure Subscriber implements the broker.Subscriber
// interface.
var _ broker.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates a subscriber for the config.
func NewSubscriber(cfg *SubscriberConfig) *Subscriber {
	c := *cfg
	if c.Name == "" {
		c.Name = "relay"
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.Retry == (broker.RetryPolicy{}) {
		c.Retry = broker.DefaultRetryPolicy()
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}

	return &Subscriber{
		cfg: c,
		lc:  broker.NewLifecycle(c.Name),
	}
}

// Start connects to the relay and subscribes to the mailbox of Self.
//
// NOTE: This is part of the broker.Subscriber interface.
func (s *Subscriber) Start(handler broker.SubscriptionHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lc.Starting(handler); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeWait)
	c, err := s.connect(ctx)
	cancel()
	if err != nil {
		s.lc.Closed(broker.AbnormalClose(err))
		return err
	}

	s.connMtx.Lock()
	s.conn = c
	s.closed = false
	s.connMtx.Unlock()

	log.Infof("Relay listener %v subscribed to %v", s.cfg.Name,
		s.cfg.Self)

	if err := s.lc.Opened(); err != nil {
		return err
	}

	if s.gm != nil {
		s.gm.Stop()
	}
	s.gm = fn.NewGoroutineManager()
	s.gm.Go(context.Background(), func(ctx context.Context) {
		s.run(ctx, c)
	})

	return nil
}

// Stop disconnects from the relay.
//
// NOTE: This is part of the broker.Subscriber interface.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connMtx.Lock()
	s.closed = true
	if s.conn != nil {
		_ = s.conn.write(&Message{Type: MsgUnsubscribe})
		_ = s.conn.close()
		s.conn = nil
	}
	s.connMtx.Unlock()

	if s.gm != nil {
		s.gm.Stop()
		s.gm = nil
	}

	s.lc.Closed(broker.NormalClose())
}

// IsRunning returns true while the subscription is up.
//
// NOTE: This is part of the broker.Subscriber interface.
func (s *Subscriber) IsRunning() bool {
	return s.lc.IsRunning()
}

func (s *Subscriber) isClosed() bool {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()

	return s.closed
}

// connect dials the relay and subscribes. A refused signature is returned as
// a permanent error.
func (s *Subscriber) connect(ctx context.Context) (*conn, error) {
	c, err := dial(ctx, s.cfg.Dialer, s.cfg.Self, s.cfg.Insecure)
	if err != nil {
		return nil, err
	}

	err = c.write(&Message{
		Type:      MsgSubscribe,
		Address:   s.cfg.Self.String(),
		Signature: sign(s.cfg.Key, subscribeParts(c.challenge)...),
	})
	if err != nil {
		_ = c.close()
		return nil, err
	}

	if err := c.ws.SetReadDeadline(time.Now().Add(writeWait)); err != nil {
		_ = c.close()
		return nil, err
	}

	reply, err := c.read()
	if err != nil {
		_ = c.close()
		return nil, err
	}

	switch reply.Type {
	case MsgOk:
		return c, nil

	case MsgError:
		_ = c.close()

		err := remoteError(reply)
		if IsUnauthorized(err) {
			return nil, broker.Permanent(err)
		}

		return nil, err

	default:
		_ = c.close()
		return nil, fmt.Errorf("unexpected %v reply to subscribe",
			reply.Type)
	}
}

// run reads from the connection and reconnects whenever it fails.
//
// NOTE: MUST be run as a goroutine.
func (s *Subscriber) run(ctx context.Context, c *conn) {
	for {
		err := s.readLoop(ctx, c)
		if ctx.Err() != nil || s.isClosed() {
			return
		}

		log.Warnf("Relay listener %v lost connection: %v", s.cfg.Name,
			err)
		_ = c.close()

		s.lc.Dropped()

		c = s.reconnect(ctx)
		if c == nil {
			return
		}
	}
}

// reconnect connects again with backoff. It returns nil if the subscriber
// stopped or gave up.
func (s *Subscriber) reconnect(ctx context.Context) *conn {
	var permanentFailures int
	for attempt := 0; ; attempt++ {
		if !s.cfg.Retry.Wait(ctx, s.cfg.Clock, attempt) {
			return nil
		}

		c, err := s.connect(ctx)
		if err == nil {
			s.connMtx.Lock()
			if s.closed {
				s.connMtx.Unlock()
				_ = c.close()

				return nil
			}
			s.conn = c
			s.connMtx.Unlock()

			log.Infof("Relay listener %v reconnected", s.cfg.Name)
			s.lc.Reestablished()

			return c
		}

		if broker.IsPermanent(err) {
			permanentFailures++
		}

		log.Debugf("Relay listener %v reconnect attempt %d failed: %v",
			s.cfg.Name, attempt, err)

		if s.cfg.Retry.GiveUp(err, permanentFailures) {
			log.Errorf("Relay listener %v giving up: %v",
				s.cfg.Name, err)
			s.lc.Closed(broker.AbnormalClose(err))

			return nil
		}
	}
}

// readLoop handles messages until the connection fails.
func (s *Subscriber) readLoop(ctx context.Context, c *conn) error {
	pongWait := s.cfg.PingInterval + s.cfg.PongWait
	extend := func() error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	}
	if err := extend(); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return extend()
	})

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.gm.Go(pingCtx, func(ctx context.Context) {
		s.pingLoop(ctx, c)
	})

	// Mailbox entries already delivered on this connection are acked
	// again without a second delivery.
	delivered := make(map[string]struct{})

	for {
		msg, err := c.read()
		if err != nil {
			return err
		}
		if err := extend(); err != nil {
			return err
		}

		switch msg.Type {
		case MsgSlate:
			if _, ok := delivered[msg.ID]; ok {
				log.Debugf("Mailbox entry %v pushed again", msg.ID)

				err := c.write(&Message{Type: MsgAck, ID: msg.ID})
				if err != nil {
					return err
				}

				continue
			}

			if err := s.handleSlate(c, msg); err != nil {
				return err
			}
			delivered[msg.ID] = struct{}{}

		case MsgError:
			log.Warnf("Relay listener %v got error: %v", s.cfg.Name,
				remoteError(msg))

		case MsgOk:

		default:
			log.Debugf("Ignoring %v message", msg.Type)
		}
	}
}

// pingLoop pings the relay until ctx is done.
//
// NOTE: MUST be run as a goroutine.
func (s *Subscriber) pingLoop(ctx context.Context, c *conn) {
	t := s.cfg.Clock
	for {
		select {
		case <-t.TickAfter(s.cfg.PingInterval):
			err := c.writeControl(websocket.PingMessage, nil)
			if err != nil {
				log.Debugf("Unable to ping relay: %v", err)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// handleSlate delivers a pushed slate and acks it. Slates that fail the
// sender check are acked without delivery. It returns an error only if the
// slate must stay in the mailbox.
func (s *Subscriber) handleSlate(c *conn, msg *Message) error {
	env, err := openSlate(msg)
	if err != nil {
		log.Warnf("Discarding slate %v from %v: %v", msg.ID, msg.From,
			err)

		return c.write(&Message{Type: MsgAck, ID: msg.ID})
	}

	log.Debugf("Delivering slate %v (mailbox entry %v) from %v",
		env.Slate.ID, msg.ID, env.From)

	err = s.lc.Deliver(env.From, env.Slate, env.Proof)
	if errors.Is(err, broker.ErrNotRunning) {
		return err
	}
	if err != nil {
		log.Errorf("Unable to deliver slate %v: %v", env.Slate.ID, err)
	}

	return c.write(&Message{Type: MsgAck, ID: msg.ID})
}

// openSlate checks the poster's signature and decodes the envelope.
func openSlate(msg *Message) (*broker.Envelope, error) {
	from, err := parseRelayAddress(msg.From)
	if err != nil {
		return nil, err
	}

	err = verify(
		from.PublicKey(), msg.Signature,
		postParts(msg.Challenge, msg.To, msg.Str)...,
	)
	if err != nil {
		return nil, err
	}

	env, err := broker.DecodeEnvelope([]byte(msg.Str))
	if err != nil {
		return nil, err
	}

	if !address.Equal(env.From, from) {
		return nil, fmt.Errorf("envelope sender %v doesn't match "+
			"poster %v", env.From, from)
	}

	return env, nil
}
