package txproof

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/slate"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T) *keychain.PrivKeyDigestSigner {
	t.Helper()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return &keychain.PrivKeyDigestSigner{PrivKey: privKey}
}

// TestProofRoundTrip checks that a signed proof survives encoding and verifies
// back to the same slate.
func TestProofRoundTrip(t *testing.T) {
	t.Parallel()

	sender := newSigner(t)
	receiver := newSigner(t)

	from := address.NewRelayAddress(sender.PubKey(), "", 0)
	to := address.NewRelayAddress(receiver.PubKey(), "", 0)

	s := slate.New(2, 5_000_000_000)
	s.Tx.Body.Inputs = []slate.Input{{Commit: slate.Commitment{0x08}}}

	proof, err := New(sender, from, to, s)
	require.NoError(t, err)

	b, err := proof.Encode()
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, proof, decoded)

	got, err := decoded.Verify()
	require.NoError(t, err)
	require.Equal(t, s, got)
}

// TestProofTampered checks that altering any signed field breaks the proof.
func TestProofTampered(t *testing.T) {
	t.Parallel()

	sender := newSigner(t)
	from := address.NewRelayAddress(sender.PubKey(), "", 0)
	to := address.NewPeerAddress(newSigner(t).PubKey(), "127.0.0.1", 1)

	proof, err := New(sender, from, to, slate.New(2, 1))
	require.NoError(t, err)

	tampered := *proof
	tampered.Receiver = address.NewRelayAddress(
		newSigner(t).PubKey(), "", 0,
	).String()
	_, err = tampered.Verify()
	require.ErrorIs(t, err, ErrInvalidSignature)

	tampered = *proof
	tampered.Message = append(slate.HexBytes{}, proof.Message...)
	tampered.Message[len(tampered.Message)-2] ^= 0x01
	_, err = tampered.Verify()
	require.ErrorIs(t, err, ErrInvalidSignature)

	tampered = *proof
	tampered.Signature = slate.HexBytes{0x30, 0x00}
	_, err = tampered.Verify()
	require.ErrorIs(t, err, ErrInvalidSignature)
}

// TestProofAddressMismatch checks that a proof signed by a key other than the
// sender address key is rejected.
func TestProofAddressMismatch(t *testing.T) {
	t.Parallel()

	sender := newSigner(t)
	impostor := newSigner(t)
	from := address.NewRelayAddress(sender.PubKey(), "", 0)
	to := address.NewRelayAddress(newSigner(t).PubKey(), "", 0)

	proof, err := New(impostor, from, to, slate.New(2, 1))
	require.NoError(t, err)

	_, err = proof.Verify()
	require.ErrorIs(t, err, ErrAddressMismatch)
}

// TestProofFileSender checks that a file address sender carries no key
// binding.
func TestProofFileSender(t *testing.T) {
	t.Parallel()

	signer := newSigner(t)
	from, err := address.NewFileAddress("/tmp/outbox")
	require.NoError(t, err)
	to, err := address.NewFileAddress("/tmp/inbox")
	require.NoError(t, err)

	proof, err := New(signer, from, to, slate.New(2, 1))
	require.NoError(t, err)

	_, err = proof.Verify()
	require.NoError(t, err)
}
