package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/txproof"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestProcessIncomingSlateRounds checks the round decision over generated
// slates: an incomplete slate gains exactly one contribution and isn't
// finalized, a complete slate is finalized exactly once.
func TestProcessIncomingSlateRounds(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.Uint16Range(1, 8).Draw(rt, "num_participants")
		have := rapid.IntRange(0, int(n)).Draw(rt, "contributions")
		s := sendSlate(n, have)
		orig := s.Clone()

		w := newMockWallet(1)
		pub := &mockPublisher{}
		c := newTestController("prop", w, pub, nil)

		next, finalized, err := c.ProcessIncomingSlate(
			context.Background(), testAddress(), s,
		)
		require.NoError(rt, err)

		// The input is never modified.
		require.Equal(rt, orig, s)

		if have < int(n) {
			require.False(rt, finalized)
			require.Len(rt, next.ParticipantData, have+1)
			require.Zero(rt, w.finalizeCalls(s.ID))
		} else {
			require.True(rt, finalized)
			require.Equal(rt, 1, w.finalizeCalls(s.ID))
			require.Equal(rt, 0, w.received)
		}

		// ProcessIncomingSlate never publishes.
		require.Empty(rt, pub.sent())
	})
}

// TestHandleSlateFinalizeNoPublish checks that a complete slate is finalized
// exactly once and never published.
func TestHandleSlateFinalizeNoPublish(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.Uint16Range(1, 8).Draw(rt, "num_participants")
		s := sendSlate(n, int(n))

		w := newMockWallet(1)
		pub := &mockPublisher{}
		sink := &recordingSink{}
		c := newTestController("final", w, pub, sink)

		err := c.HandleSlate(
			context.Background(), testAddress(), s,
			fn.None[*txproof.TxProof](),
		)
		require.NoError(rt, err)
		require.Equal(rt, 1, w.finalizeCalls(s.ID))
		require.Empty(rt, pub.sent())
		require.Equal(rt, []EventKind{
			EventSlateReceivedBack, EventFinalized,
		}, sink.kinds())
	})
}

// TestTwoPartySend walks a two party transaction from creation to
// finalization between two controllers.
func TestTwoPartySend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	addrX, addrY := testAddress(), testAddress()

	walletX, walletY := newMockWallet(0), newMockWallet(1)
	pubX, pubY := &mockPublisher{}, &mockPublisher{}
	sinkX, sinkY := &recordingSink{}, &recordingSink{}
	ctrlX := newTestController("x", walletX, pubX, sinkX)
	ctrlY := newTestController("y", walletY, pubY, sinkY)

	// X created the slate and added its own contribution.
	s := sendSlate(2, 1)

	// Y receives it, contributes and sends it back to X.
	err := ctrlY.HandleSlate(ctx, addrX, s, fn.None[*txproof.TxProof]())
	require.NoError(t, err)

	sent := pubY.sent()
	require.Len(t, sent, 1)
	require.Equal(t, addrX.String(), sent[0].to.String())
	require.Len(t, sent[0].slate.ParticipantData, 2)
	require.Equal(t, []EventKind{
		EventSlateReceived, EventRoundCompleted, EventSlateSent,
	}, sinkY.kinds())

	// X receives it back and finalizes without publishing.
	err = ctrlX.HandleSlate(
		ctx, addrY, sent[0].slate, fn.None[*txproof.TxProof](),
	)
	require.NoError(t, err)
	require.Equal(t, 1, walletX.finalizeCalls(s.ID))
	require.Empty(t, pubX.sent())
	require.Equal(t, []EventKind{
		EventSlateReceivedBack, EventFinalized,
	}, sinkX.kinds())

	// A redelivery of the final round must not finalize twice, and is
	// reported.
	err = ctrlX.HandleSlate(
		ctx, addrY, sent[0].slate, fn.None[*txproof.TxProof](),
	)
	require.ErrorIs(t, err, ErrCapability)
	require.ErrorIs(t, err, errAlreadyFinalized)
	require.Equal(t, 1, walletX.finalizeCalls(s.ID))
	require.Empty(t, pubX.sent())
	require.Equal(t, EventProcessingFailed, sinkX.kinds()[3])
}

// TestInvoiceUnsupported checks that a slate without inputs is rejected,
// untouched and unpublished.
func TestInvoiceUnsupported(t *testing.T) {
	t.Parallel()

	s := sendSlate(2, 1)
	s.Tx.Body.Inputs = nil
	orig := s.Clone()

	w := newMockWallet(1)
	pub := &mockPublisher{}
	sink := &recordingSink{}
	c := newTestController("invoice", w, pub, sink)

	err := c.HandleSlate(
		context.Background(), testAddress(), s,
		fn.None[*txproof.TxProof](),
	)
	require.ErrorIs(t, err, ErrUnsupportedOperation)
	require.ErrorIs(t, err, ErrInvoiceUnsupported)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindUnsupportedOperation, kind)

	require.Equal(t, orig, s)
	require.Zero(t, w.received)
	require.Empty(t, pub.sent())
	require.Equal(t, []EventKind{
		EventSlateReceived, EventProcessingFailed,
	}, sink.kinds())
}

// TestPublishFailure checks that a failing publisher surfaces a transport
// error after the bounded retry, without panicking.
func TestPublishFailure(t *testing.T) {
	t.Parallel()

	pubErr := errors.New("connection refused")
	pub := &mockPublisher{failures: 100, err: pubErr}
	w := newMockWallet(1)
	sink := &recordingSink{}
	c := newTestController("fail", w, pub, sink)

	s := sendSlate(2, 1)
	err := c.HandleSlate(
		context.Background(), testAddress(), s,
		fn.None[*txproof.TxProof](),
	)
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, pubErr)
	require.Equal(t, DefaultPublishAttempts, pub.attempts)
	require.Empty(t, pub.sent())
	require.Zero(t, w.finalizeCalls(s.ID))
	require.Equal(t, []EventKind{
		EventSlateReceived, EventRoundCompleted, EventPublishFailed,
	}, sink.kinds())
}

// TestPublishRetrySucceeds checks that a transient publish failure is
// retried.
func TestPublishRetrySucceeds(t *testing.T) {
	t.Parallel()

	pub := &mockPublisher{failures: 2, err: errors.New("timeout")}
	c := newTestController("retry", newMockWallet(1), pub, nil)

	err := c.HandleSlate(
		context.Background(), testAddress(), sendSlate(2, 1),
		fn.None[*txproof.TxProof](),
	)
	require.NoError(t, err)
	require.Equal(t, 3, pub.attempts)
	require.Len(t, pub.sent(), 1)
}

// TestPublishPermanentNoRetry checks that a permanent failure isn't
// retried.
func TestPublishPermanentNoRetry(t *testing.T) {
	t.Parallel()

	pub := &mockPublisher{
		failures: 100, err: Permanent(errors.New("unauthorized")),
	}
	c := newTestController("perm", newMockWallet(1), pub, nil)

	err := c.HandleSlate(
		context.Background(), testAddress(), sendSlate(2, 1),
		fn.None[*txproof.TxProof](),
	)
	require.ErrorIs(t, err, ErrTransport)
	require.True(t, IsPermanent(err))
	require.Equal(t, 1, pub.attempts)
}

// TestProtocolViolations checks that slates breaking the participant
// invariants are rejected before reaching the wallet.
func TestProtocolViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		slate *slate.Slate
	}{
		{"no participants", sendSlate(0, 0)},
		{"too many contributions", sendSlate(2, 3)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := newMockWallet(1)
			c := newTestController(
				"violation", w, &mockPublisher{}, nil,
			)

			_, _, err := c.ProcessIncomingSlate(
				context.Background(), testAddress(), test.slate,
			)
			require.ErrorIs(t, err, ErrProtocolViolation)
			require.Zero(t, w.received)
			require.Zero(t, w.finalizeCalls(test.slate.ID))
		})
	}
}

// TestCapabilityErrorDiscardsSlate checks that a receive failure leaves the
// slate unchanged and reports a capability error.
func TestCapabilityErrorDiscardsSlate(t *testing.T) {
	t.Parallel()

	w := newMockWallet(1)
	w.receiveErr = errors.New("insufficient funds")
	pub := &mockPublisher{}
	c := newTestController("cap", w, pub, nil)

	s := sendSlate(3, 1)
	orig := s.Clone()

	next, finalized, err := c.ProcessIncomingSlate(
		context.Background(), testAddress(), s,
	)
	require.ErrorIs(t, err, ErrCapability)
	require.Nil(t, next)
	require.False(t, finalized)
	require.Equal(t, orig, s)
	require.Empty(t, pub.sent())
}

// badReceiver violates the receive contract by not adding a contribution.
type badReceiver struct {
	*mockWallet
}

func (b badReceiver) ReceiveTx(_ context.Context, s *slate.Slate,
	_ fn.Option[string], _ fn.Option[string]) (*slate.Slate, error) {

	return s, nil
}

// TestReceiverContract checks that a receiver that doesn't add exactly one
// contribution is reported.
func TestReceiverContract(t *testing.T) {
	t.Parallel()

	w := newMockWallet(1)
	c, err := NewController(&ControllerConfig{
		Name:      "contract",
		Receiver:  badReceiver{w},
		Finalizer: w,
		Publisher: &mockPublisher{},
	})
	require.NoError(t, err)

	_, _, err = c.ProcessIncomingSlate(
		context.Background(), testAddress(), sendSlate(2, 1),
	)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.ErrorIs(t, err, ErrReceiverContract)
}

// TestVerifyProofs checks that attached proofs are verified against the
// sender and slate.
func TestVerifyProofs(t *testing.T) {
	t.Parallel()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	signer := &keychain.PrivKeyDigestSigner{PrivKey: privKey}

	from := testAddress()
	to := testAddress()
	s := sendSlate(2, 1)

	// The proof is signed by a key that doesn't own the sender address.
	proof, err := txproof.New(signer, from, to, s)
	require.NoError(t, err)

	w := newMockWallet(1)
	pub := &mockPublisher{}
	c, err := NewController(&ControllerConfig{
		Name:         "proofs",
		Receiver:     w,
		Finalizer:    w,
		Publisher:    pub,
		VerifyProofs: true,
	})
	require.NoError(t, err)

	err = c.HandleSlate(context.Background(), from, s, fn.Some(proof))
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.ErrorIs(t, err, txproof.ErrAddressMismatch)
	require.Empty(t, pub.sent())

	// The same proof is fine when it comes from the address of the
	// signing key.
	own := addressOf(privKey)
	proof, err = txproof.New(signer, own, to, s)
	require.NoError(t, err)

	err = c.HandleSlate(context.Background(), own, s, fn.Some(proof))
	require.NoError(t, err)
	require.Len(t, pub.sent(), 1)

	// A proof for a different slate is rejected.
	err = c.HandleSlate(
		context.Background(), own, sendSlate(2, 1), fn.Some(proof),
	)
	require.ErrorIs(t, err, ErrProofMismatch)
}

// TestNewControllerRequiresCapabilities checks the constructor validation.
func TestNewControllerRequiresCapabilities(t *testing.T) {
	t.Parallel()

	w := newMockWallet(1)

	_, err := NewController(&ControllerConfig{
		Finalizer: w, Publisher: &mockPublisher{},
	})
	require.Error(t, err)

	_, err = NewController(&ControllerConfig{
		Receiver: w, Publisher: &mockPublisher{},
	})
	require.Error(t, err)

	_, err = NewController(&ControllerConfig{Receiver: w, Finalizer: w})
	require.Error(t, err)
}
