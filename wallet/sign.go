package wallet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/slatewire/slatewire/slate"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrInvalidPartialSig is returned when a participant's partial
	// signature doesn't verify against its public excess.
	ErrInvalidPartialSig = errors.New("invalid partial signature")

	// ErrInvalidMessageSig is returned when a participant's message
	// signature doesn't verify.
	ErrInvalidMessageSig = errors.New("invalid message signature")

	// ErrExcessAtInfinity is returned when the public excesses of a slate
	// sum to the point at infinity.
	ErrExcessAtInfinity = errors.New("total excess is the point at " +
		"infinity")
)

// commitment returns the compressed encoding of a public key.
func commitment(pub *btcec.PublicKey) slate.Commitment {
	var c slate.Commitment
	copy(c[:], pub.SerializeCompressed())

	return c
}

// signDigest creates a schnorr signature over the digest.
func signDigest(priv *btcec.PrivateKey, digest [32]byte) (*slate.Signature,
	error) {

	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, err
	}

	var s slate.Signature
	copy(s[:], sig.Serialize())

	return &s, nil
}

// verifyDigest checks a schnorr signature over the digest by the key encoded
// in commit.
func verifyDigest(commit slate.Commitment, sig *slate.Signature,
	digest [32]byte) error {

	if sig == nil {
		return errors.New("missing signature")
	}

	pub, err := btcec.ParsePubKey(commit[:])
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return err
	}

	if !parsed.Verify(digest[:], pub) {
		return errors.New("signature mismatch")
	}

	return nil
}

// messageDigest is the digest a participant signs its message with.
func messageDigest(msg string) [32]byte {
	return blake2b.Sum256([]byte(msg))
}

// verifyParticipant checks the signatures of one participant contribution.
func verifyParticipant(s *slate.Slate, p *slate.ParticipantData) error {
	err := verifyDigest(p.PublicBlindExcess, p.PartSig, s.MessageDigest())
	if err != nil {
		return fmt.Errorf("participant %d: %w: %v", p.ID,
			ErrInvalidPartialSig, err)
	}

	if p.Message == "" {
		return nil
	}

	err = verifyDigest(
		p.PublicBlindExcess, p.MessageSig, messageDigest(p.Message),
	)
	if err != nil {
		return fmt.Errorf("participant %d: %w: %v", p.ID,
			ErrInvalidMessageSig, err)
	}

	return nil
}

// sumCommitments adds up the points encoded in the commitments.
func sumCommitments(commits []slate.Commitment) (slate.Commitment, error) {
	var sum btcec.JacobianPoint
	for _, c := range commits {
		pub, err := btcec.ParsePubKey(c[:])
		if err != nil {
			return slate.Commitment{}, err
		}

		var (
			point  btcec.JacobianPoint
			result btcec.JacobianPoint
		)
		pub.AsJacobian(&point)
		btcec.AddNonConst(&sum, &point, &result)
		sum = result
	}

	if (sum.X.IsZero() && sum.Y.IsZero()) || sum.Z.IsZero() {
		return slate.Commitment{}, ErrExcessAtInfinity
	}
	sum.ToAffine()

	return commitment(btcec.NewPublicKey(&sum.X, &sum.Y)), nil
}

// kernelDigest is the digest the kernel excess signature commits to.
func kernelDigest(s *slate.Slate, excess slate.Commitment) [32]byte {
	msg := s.MessageDigest()

	var b [32 + 33 + 16]byte
	copy(b[:32], msg[:])
	copy(b[32:65], excess[:])
	binary.BigEndian.PutUint64(b[65:73], s.Fee)
	binary.BigEndian.PutUint64(b[73:81], s.LockHeight)

	return blake2b.Sum256(b[:])
}

// txHash is the double SHA256 of the serialized transaction.
func txHash(tx *slate.Transaction) (chainhash.Hash, error) {
	b, err := tx.Serialize()
	if err != nil {
		return chainhash.Hash{}, err
	}

	return chainhash.DoubleHashH(b), nil
}
