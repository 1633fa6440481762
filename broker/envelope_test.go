package broker

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/txproof"
	"github.com/stretchr/testify/require"
)

// TestEnvelopeRoundTrip checks envelopes with and without a proof.
func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	signer := &keychain.PrivKeyDigestSigner{PrivKey: privKey}

	from := addressOf(privKey)
	s := sendSlate(2, 1)

	proof, err := txproof.New(signer, from, testAddress(), s)
	require.NoError(t, err)

	for _, p := range []fn.Option[*txproof.TxProof]{
		fn.None[*txproof.TxProof](), fn.Some(proof),
	} {
		env := &Envelope{From: from, Slate: s, Proof: p}

		b, err := env.Encode()
		require.NoError(t, err)

		decoded, err := DecodeEnvelope(b)
		require.NoError(t, err)
		require.Equal(t, from.String(), decoded.From.String())
		require.Equal(t, s, decoded.Slate)
		require.Equal(t, p.IsSome(), decoded.Proof.IsSome())
		decoded.Proof.WhenSome(func(got *txproof.TxProof) {
			require.Equal(t, proof, got)
		})
	}
}

// TestEnvelopeErrors checks malformed envelopes.
func TestEnvelopeErrors(t *testing.T) {
	t.Parallel()

	_, err := (&Envelope{From: testAddress()}).Encode()
	require.ErrorIs(t, err, ErrMissingSlate)

	_, err = DecodeEnvelope([]byte(`{"from":"x"}`))
	require.ErrorIs(t, err, ErrMissingSlate)

	_, err = DecodeEnvelope([]byte(`{"from":"mailto://x","slate":{}}`))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`not json`))
	require.Error(t, err)
}
