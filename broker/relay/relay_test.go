package relay

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/broker/brokertest"
	"github.com/slatewire/slatewire/slate"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type identity struct {
	key  *btcec.PrivateKey
	addr *address.RelayAddress
}

type testRelay struct {
	server *Server
	host   string
	port   uint16
}

func newTestRelay(t *testing.T, cfg *ServerConfig) *testRelay {
	t.Helper()

	srv := NewServer(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &testRelay{server: srv, host: host, port: uint16(port)}
}

func (r *testRelay) newIdentity(t *testing.T) *identity {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return &identity{
		key:  key,
		addr: address.NewRelayAddress(key.PubKey(), r.host, r.port),
	}
}

func (r *testRelay) pending(id *identity) int {
	return r.server.Pending(address.EncodeRelayKey(id.key.PubKey()))
}

func (r *testRelay) waitPending(t *testing.T, id *identity, want int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return r.pending(id) == want
	}, brokertest.Timeout, 5*time.Millisecond)
}

func newTestSubscriber(t *testing.T, id *identity) *Subscriber {
	t.Helper()

	sub := NewSubscriber(&SubscriberConfig{
		Name:     "relay-test",
		Key:      id.key,
		Self:     id.addr,
		Insecure: true,
		Retry:    brokertest.FastRetry(),
	})
	t.Cleanup(sub.Stop)

	return sub
}

func newTestPublisher(t *testing.T, id *identity, proofs bool) *Publisher {
	t.Helper()

	pub := NewPublisher(&PublisherConfig{
		Key:          id.key,
		Self:         id.addr,
		Insecure:     true,
		Timeout:      brokertest.Timeout,
		AttachProofs: proofs,
	})
	t.Cleanup(pub.Close)

	return pub
}

func testSlate() *slate.Slate {
	s := slate.New(2, 3_000_000_000)
	s.Tx.Body.Inputs = []slate.Input{{Commit: slate.Commitment{0x08, 7}}}
	s.ParticipantData = []slate.ParticipantData{{ID: 0}}

	return s
}

// TestPostAndReceive posts a slate with a proof to a subscribed receiver and
// checks that it is delivered and removed from the mailbox.
func TestPostAndReceive(t *testing.T) {
	t.Parallel()

	relay := newTestRelay(t, &ServerConfig{})
	alice, bob := relay.newIdentity(t), relay.newIdentity(t)

	h := brokertest.NewHandler()
	sub := newTestSubscriber(t, bob)
	require.NoError(t, sub.Start(h))
	require.True(t, sub.IsRunning())
	h.ExpectEvent(t, brokertest.EventOpen)

	s := testSlate()
	pub := newTestPublisher(t, alice, true)
	require.NoError(t, pub.PostSlate(context.Background(), s, bob.addr))

	d := h.ExpectSlate(t)
	require.Equal(t, s, d.Slate)
	require.True(t, address.Equal(alice.addr, d.From))

	require.True(t, d.Proof.IsSome())
	proof := d.Proof.UnsafeFromSome()
	proven, err := proof.Verify()
	require.NoError(t, err)
	require.Equal(t, s.ID, proven.ID)
	require.Equal(t, bob.addr.String(), proof.Receiver)

	relay.waitPending(t, bob, 0)

	sub.Stop()
	require.True(t, h.ExpectClose(t).IsNormal())
}

// TestOfflineMailbox posts to a receiver that isn't subscribed yet.
func TestOfflineMailbox(t *testing.T) {
	t.Parallel()

	relay := newTestRelay(t, &ServerConfig{})
	alice, bob := relay.newIdentity(t), relay.newIdentity(t)

	pub := newTestPublisher(t, alice, false)
	first, second := testSlate(), testSlate()
	require.NoError(t, pub.PostSlate(context.Background(), first, bob.addr))
	require.NoError(t, pub.PostSlate(context.Background(), second, bob.addr))
	require.Equal(t, 2, relay.pending(bob))

	h := brokertest.NewHandler()
	sub := newTestSubscriber(t, bob)
	require.NoError(t, sub.Start(h))

	// Mailbox order is kept.
	require.Equal(t, first.ID, h.ExpectSlate(t).Slate.ID)
	require.Equal(t, second.ID, h.ExpectSlate(t).Slate.ID)
	relay.waitPending(t, bob, 0)
}

// TestRedeliveryAfterDrop cuts the subscriber's connection while its handler
// is busy and checks that the unacked slate is delivered again after the
// reconnect.
func TestRedeliveryAfterDrop(t *testing.T) {
	t.Parallel()

	relay := newTestRelay(t, &ServerConfig{})
	alice, bob := relay.newIdentity(t), relay.newIdentity(t)

	h := brokertest.NewHandler()
	h.Gate = make(chan struct{})
	sub := newTestSubscriber(t, bob)
	require.NoError(t, sub.Start(h))
	h.ExpectEvent(t, brokertest.EventOpen)

	s := testSlate()
	pub := newTestPublisher(t, alice, false)
	require.NoError(t, pub.PostSlate(context.Background(), s, bob.addr))

	h.ExpectEvent(t, brokertest.EventSlate)
	require.Equal(t, s.ID, h.ExpectSlate(t).Slate.ID)

	// Drop the server side of the subscription before the ack.
	key := address.EncodeRelayKey(bob.key.PubKey())
	relay.server.mu.Lock()
	_ = relay.server.subscribers[key].close()
	relay.server.mu.Unlock()

	close(h.Gate)

	h.ExpectEvent(t, brokertest.EventDropped)
	h.ExpectEvent(t, brokertest.EventReestablished)
	h.ExpectEvent(t, brokertest.EventSlate)
	require.Equal(t, s.ID, h.ExpectSlate(t).Slate.ID)
	require.True(t, sub.IsRunning())

	relay.waitPending(t, bob, 0)
}

// TestSubscribeUnauthorized checks that a subscription signed with the wrong
// key fails permanently.
func TestSubscribeUnauthorized(t *testing.T) {
	t.Parallel()

	relay := newTestRelay(t, &ServerConfig{})
	bob, mallory := relay.newIdentity(t), relay.newIdentity(t)

	h := brokertest.NewHandler()
	sub := newTestSubscriber(t, &identity{key: mallory.key, addr: bob.addr})

	err := sub.Start(h)
	require.Error(t, err)
	require.True(t, IsUnauthorized(err))
	require.True(t, broker.IsPermanent(err))
	require.False(t, sub.IsRunning())
	require.False(t, h.ExpectClose(t).IsNormal())
}

// TestPostErrors checks how refused posts are classified.
func TestPostErrors(t *testing.T) {
	t.Parallel()

	relay := newTestRelay(t, &ServerConfig{
		PostRate:  rate.Limit(0.001),
		PostBurst: 1,
	})
	alice, bob := relay.newIdentity(t), relay.newIdentity(t)
	ctx := context.Background()

	// Posts only go to relay addresses.
	pub := newTestPublisher(t, alice, false)
	peerAddr := address.NewPeerAddress(bob.key.PubKey(), "127.0.0.1", 1)
	err := pub.PostSlate(ctx, testSlate(), peerAddr)
	require.True(t, broker.IsPermanent(err))

	// A post signed with a key that doesn't own the sender address is
	// refused for good.
	forger := newTestPublisher(
		t, &identity{key: bob.key, addr: alice.addr}, false,
	)
	err = forger.PostSlate(ctx, testSlate(), bob.addr)
	require.True(t, IsUnauthorized(err))
	require.True(t, broker.IsPermanent(err))
	require.Zero(t, relay.pending(bob))

	// The second post on a connection exceeds the rate limit, which is
	// worth retrying later.
	require.NoError(t, pub.PostSlate(ctx, testSlate(), bob.addr))
	err = pub.PostSlate(ctx, testSlate(), bob.addr)
	require.Error(t, err)
	require.Equal(t, KindTooManyRequests, remoteKind(err))
	require.False(t, broker.IsPermanent(err))
	require.Equal(t, 1, relay.pending(bob))
}

// TestOpenSlateRejectsForgery checks the sender checks on pushed slates.
func TestOpenSlateRejectsForgery(t *testing.T) {
	t.Parallel()

	relay := newTestRelay(t, &ServerConfig{})
	alice, bob := relay.newIdentity(t), relay.newIdentity(t)

	env := &broker.Envelope{From: alice.addr, Slate: testSlate()}
	str, err := env.Encode()
	require.NoError(t, err)

	msg := &Message{
		Type:      MsgSlate,
		ID:        "1",
		From:      alice.addr.String(),
		To:        bob.addr.String(),
		Str:       string(str),
		Challenge: "challenge",
	}
	msg.Signature = sign(
		alice.key, postParts(msg.Challenge, msg.To, msg.Str)...,
	)

	opened, err := openSlate(msg)
	require.NoError(t, err)
	require.Equal(t, env.Slate, opened.Slate)

	// Signed by someone else.
	forged := *msg
	forged.Signature = sign(
		bob.key, postParts(msg.Challenge, msg.To, msg.Str)...,
	)
	_, err = openSlate(&forged)
	require.Error(t, err)

	// Envelope sender differs from the poster.
	env.From = bob.addr
	str, err = env.Encode()
	require.NoError(t, err)
	lying := *msg
	lying.Str = string(str)
	lying.Signature = sign(
		alice.key, postParts(msg.Challenge, msg.To, lying.Str)...,
	)
	_, err = openSlate(&lying)
	require.Error(t, err)
}

// TestSubscribeWhilePosting subscribes to a mailbox while slates are being
// posted to it and checks that the Ok comes first and every entry is pushed
// exactly once.
func TestSubscribeWhilePosting(t *testing.T) {
	t.Parallel()

	const numSlates = 20

	relay := newTestRelay(t, &ServerConfig{PostRate: rate.Inf})
	alice, bob := relay.newIdentity(t), relay.newIdentity(t)
	pub := newTestPublisher(t, alice, false)

	ctx := context.Background()
	posted := make(chan error, numSlates)
	go func() {
		for i := 0; i < numSlates; i++ {
			posted <- pub.PostSlate(ctx, testSlate(), bob.addr)
		}
	}()

	// Subscribe once some slates are waiting and others are still on
	// their way.
	relay.waitPending(t, bob, numSlates/2)

	c, err := dial(ctx, websocket.DefaultDialer, bob.addr, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.close() })

	require.NoError(t, c.write(&Message{
		Type:      MsgSubscribe,
		Address:   bob.addr.String(),
		Signature: sign(bob.key, subscribeParts(c.challenge)...),
	}))

	require.NoError(t, c.ws.SetReadDeadline(
		time.Now().Add(brokertest.Timeout),
	))
	reply, err := c.read()
	require.NoError(t, err)
	require.Equal(t, MsgOk, reply.Type)

	seen := make(map[string]struct{})
	for len(seen) < numSlates {
		msg, err := c.read()
		require.NoError(t, err)
		require.Equal(t, MsgSlate, msg.Type)

		require.NotContains(t, seen, msg.ID)
		seen[msg.ID] = struct{}{}
	}

	for i := 0; i < numSlates; i++ {
		require.NoError(t, <-posted)
	}

	// Nothing is pushed a second time.
	require.NoError(t, c.ws.SetReadDeadline(
		time.Now().Add(50*time.Millisecond),
	))
	_, err = c.read()
	require.Error(t, err)
	require.Equal(t, numSlates, relay.pending(bob))
}
