package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/txproof"
)

// DefaultPostTimeout bounds a post when the context carries no deadline.
const DefaultPostTimeout = 30 * time.Second

// PublisherConfig configures a relay Publisher.
type PublisherConfig struct {
	// Key is the identity key of Self. Posts are signed with it.
	Key *btcec.PrivateKey

	// Self is the sender address of every post.
	Self *address.RelayAddress

	// Insecure selects plain websockets instead of TLS.
	Insecure bool

	// Dialer opens the websockets. It defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Timeout bounds each post.
	Timeout time.Duration

	// AttachProofs adds a signed payment proof to every envelope.
	AttachProofs bool
}

// Publisher posts slates to the relay of the receiving address. The
// connection is dialed on first use and kept until it fails or a slate for a
// different relay is posted.
type Publisher struct {
	cfg PublisherConfig

	mu   sync.Mutex
	conn *conn
	host string
}

// A compile time check to ensure Publisher implements the broker.Publisher
// interface.
var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher for the config.
func NewPublisher(cfg *PublisherConfig) *Publisher {
	c := *cfg
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultPostTimeout
	}

	return &Publisher{cfg: c}
}

// PostSlate posts the slate into the mailbox of to and waits for the relay
// to confirm it.
//
// NOTE: This is part of the broker.Publisher interface.
func (p *Publisher) PostSlate(ctx context.Context, s *slate.Slate,
	to address.Address) error {

	relayAddr, ok := to.(*address.RelayAddress)
	if !ok {
		return broker.Permanent(fmt.Errorf("relay publisher can't "+
			"post to %v address", to.Type()))
	}

	env := &broker.Envelope{
		From:  p.cfg.Self,
		Slate: s,
		Proof: fn.None[*txproof.TxProof](),
	}
	if p.cfg.AttachProofs {
		signer := &keychain.PrivKeyDigestSigner{PrivKey: p.cfg.Key}
		proof, err := txproof.New(signer, p.cfg.Self, relayAddr, s)
		if err != nil {
			return broker.Permanent(err)
		}
		env.Proof = fn.Some(proof)
	}

	str, err := env.Encode()
	if err != nil {
		return broker.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.connFor(ctx, relayAddr)
	if err != nil {
		return fmt.Errorf("unable to connect to relay %v: %w",
			relayAddr.HostPort(), err)
	}

	err = p.post(ctx, c, relayAddr, string(str))
	switch {
	case err == nil:
		log.Debugf("Posted slate %v to %v", s.ID, relayAddr)
		return nil

	case isRemote(err):
		if IsUnauthorized(err) || remoteKind(err) == KindInvalidRequest {
			return broker.Permanent(err)
		}

		return err

	default:
		p.reset()
		return err
	}
}

// Close closes the cached connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reset()
}

// connFor returns a connection to the relay of addr.
//
// NOTE: The mutex MUST be held.
func (p *Publisher) connFor(ctx context.Context,
	addr *address.RelayAddress) (*conn, error) {

	if p.conn != nil && p.host == addr.HostPort() {
		return p.conn, nil
	}
	p.reset()

	c, err := dial(ctx, p.cfg.Dialer, addr, p.cfg.Insecure)
	if err != nil {
		return nil, err
	}
	p.conn = c
	p.host = addr.HostPort()

	return c, nil
}

// reset drops the cached connection.
//
// NOTE: The mutex MUST be held.
func (p *Publisher) reset() {
	if p.conn != nil {
		_ = p.conn.close()
	}
	p.conn = nil
	p.host = ""
}

func (p *Publisher) post(ctx context.Context, c *conn,
	to *address.RelayAddress, str string) error {

	sig := sign(p.cfg.Key, postParts(c.challenge, to.String(), str)...)
	err := c.write(&Message{
		Type:      MsgPostSlate,
		From:      p.cfg.Self.String(),
		To:        to.String(),
		Str:       str,
		Signature: sig,
	})
	if err != nil {
		return err
	}

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return err
	}

	reply, err := c.read()
	if err != nil {
		return err
	}

	switch reply.Type {
	case MsgOk:
		return nil

	case MsgError:
		return remoteError(reply)

	default:
		return fmt.Errorf("unexpected %v reply to post", reply.Type)
	}
}

func isRemote(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}

func remoteKind(err error) ErrorKind {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Kind
	}

	return ""
}
