package txproof

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/slate"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrInvalidSignature is returned when the proof signature doesn't
	// verify under the proof key.
	ErrInvalidSignature = errors.New("invalid payment proof signature")

	// ErrAddressMismatch is returned when the proof key doesn't belong to
	// the sender address.
	ErrAddressMismatch = errors.New("payment proof key doesn't match " +
		"sender address")
)

// TxProof binds a slate to the addresses that exchanged it. The sender signs
// the pair of addresses together with the serialized slate, so the receiver
// can later prove which slate it got from whom.
type TxProof struct {
	// Sender is the canonical address of the party that signed the proof.
	Sender string `json:"sender"`

	// Receiver is the canonical address the slate was sent to.
	Receiver string `json:"receiver"`

	// Message is the JSON encoded slate.
	Message slate.HexBytes `json:"message"`

	// Key is the compressed public key of the sender.
	Key slate.HexBytes `json:"key"`

	// Signature is the DER encoded ECDSA signature over Digest.
	Signature slate.HexBytes `json:"signature"`
}

// New signs a proof for s sent from one address to another.
func New(signer keychain.SingleKeyDigestSigner, from, to address.Address,
	s *slate.Slate) (*TxProof, error) {

	msg, err := slate.MarshalJSON(s)
	if err != nil {
		return nil, err
	}

	p := &TxProof{
		Sender:   from.String(),
		Receiver: to.String(),
		Message:  msg,
		Key:      signer.PubKey().SerializeCompressed(),
	}

	sig, err := signer.SignDigest(p.Digest())
	if err != nil {
		return nil, fmt.Errorf("unable to sign proof: %w", err)
	}
	p.Signature = sig.Serialize()

	return p, nil
}

// Digest returns the digest the sender signs.
func (p *TxProof) Digest() [32]byte {
	var b bytes.Buffer
	b.WriteString(p.Sender)
	b.WriteByte(0)
	b.WriteString(p.Receiver)
	b.WriteByte(0)
	b.Write(p.Message)

	return blake2b.Sum256(b.Bytes())
}

// Verify checks the proof and returns the slate it carries. When the sender
// is a relay or peer address, the proof key must be the key of that address.
func (p *TxProof) Verify() (*slate.Slate, error) {
	pubKey, err := btcec.ParsePubKey(p.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	sig, err := ecdsa.ParseDERSignature(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	digest := p.Digest()
	if !sig.Verify(digest[:], pubKey) {
		return nil, ErrInvalidSignature
	}

	sender, err := address.Parse(p.Sender)
	if err != nil {
		return nil, err
	}
	if _, err := address.Parse(p.Receiver); err != nil {
		return nil, err
	}

	type keyed interface {
		PublicKey() *btcec.PublicKey
	}
	if k, ok := sender.(keyed); ok && !k.PublicKey().IsEqual(pubKey) {
		return nil, ErrAddressMismatch
	}

	return slate.UnmarshalJSON(p.Message)
}

// Encode returns the JSON encoding of the proof.
func (p *TxProof) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses a JSON encoded proof.
func Decode(b []byte) (*TxProof, error) {
	var p TxProof
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}

	return &p, nil
}
