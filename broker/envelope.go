package broker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/txproof"
)

// ErrMissingSlate is returned when a decoded envelope carries no slate.
var ErrMissingSlate = errors.New("envelope carries no slate")

// Envelope is a slate as it travels over a transport, together with the
// address of its sender and an optional payment proof.
type Envelope struct {
	// From is the address replies must be sent to.
	From address.Address

	// Slate is the transported slate.
	Slate *slate.Slate

	// Proof is the optional payment proof.
	Proof fn.Option[*txproof.TxProof]
}

type jsonEnvelope struct {
	From  string           `json:"from"`
	Slate *slate.Slate     `json:"slate"`
	Proof *txproof.TxProof `json:"proof,omitempty"`
}

// Encode returns the JSON encoding of the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Slate == nil {
		return nil, ErrMissingSlate
	}

	j := jsonEnvelope{
		From:  e.From.String(),
		Slate: e.Slate,
	}
	e.Proof.WhenSome(func(p *txproof.TxProof) {
		j.Proof = p
	})

	return json.Marshal(&j)
}

// DecodeEnvelope parses a JSON encoded envelope.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var j jsonEnvelope
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("unable to decode envelope: %w", err)
	}

	if j.Slate == nil {
		return nil, ErrMissingSlate
	}

	from, err := address.Parse(j.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}

	proof := fn.None[*txproof.TxProof]()
	if j.Proof != nil {
		proof = fn.Some(j.Proof)
	}

	return &Envelope{
		From:  from,
		Slate: j.Slate,
		Proof: proof,
	}, nil
}
