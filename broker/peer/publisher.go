package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/txproof"
)

// DefaultDialTimeout bounds a whole post when the context carries no
// deadline.
const DefaultDialTimeout = 30 * time.Second

var (
	// ErrRejected is returned when the receiving peer refused the frame.
	ErrRejected = errors.New("peer rejected slate")

	// ErrUnavailable is returned when the receiving peer isn't listening
	// for slates right now.
	ErrUnavailable = errors.New("peer listener unavailable")
)

// Publisher sends slates to peer addresses over a fresh TCP connection per
// post.
type Publisher struct {
	self    address.Address
	timeout time.Duration

	// dial is used to open connections. It defaults to a net.Dialer.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// A compile time check to ensure Publisher implements the broker.Publisher
// interface.
var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher whose frames name self as the sender. A
// zero timeout selects DefaultDialTimeout.
func NewPublisher(self address.Address, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	var d net.Dialer

	return &Publisher{
		self:    self,
		timeout: timeout,
		dial:    d.DialContext,
	}
}

// PostSlate sends the slate without a payment proof.
//
// NOTE: This is part of the broker.Publisher interface.
func (p *Publisher) PostSlate(ctx context.Context, s *slate.Slate,
	to address.Address) error {

	return p.PostEnvelope(ctx, &broker.Envelope{
		From:  p.self,
		Slate: s,
		Proof: fn.None[*txproof.TxProof](),
	}, to)
}

// PostEnvelope sends env to the peer and waits until the peer's listener
// has handled it.
func (p *Publisher) PostEnvelope(ctx context.Context, env *broker.Envelope,
	to address.Address) error {

	peerAddr, ok := to.(*address.PeerAddress)
	if !ok {
		return broker.Permanent(fmt.Errorf("peer publisher can't "+
			"post to %v address", to.Type()))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", peerAddr.HostPort())
	if err != nil {
		return fmt.Errorf("unable to dial %v: %w", peerAddr.HostPort(),
			err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	if err := WriteFrame(conn, env); err != nil {
		if errors.Is(err, ErrFrameTooLarge) ||
			errors.Is(err, broker.ErrMissingSlate) {

			return broker.Permanent(err)
		}

		return fmt.Errorf("unable to send slate %v: %w", env.Slate.ID,
			err)
	}

	var status [1]byte
	if _, err := io.ReadFull(conn, status[:]); err != nil {
		return fmt.Errorf("no ack for slate %v: %w", env.Slate.ID, err)
	}

	log.Debugf("Peer %v answered slate %v with status %d", peerAddr,
		env.Slate.ID, status[0])

	switch Status(status[0]) {
	case StatusOK:
		return nil

	case StatusRejected:
		return broker.Permanent(ErrRejected)

	case StatusUnavailable:
		return ErrUnavailable

	default:
		return fmt.Errorf("unknown peer status %d", status[0])
	}
}
