package slate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	// CurrentVersion is the slate version produced by this wallet.
	CurrentVersion uint16 = 3

	// MinCompatVersion is the oldest slate version that is still accepted
	// from a counterparty.
	MinCompatVersion uint16 = 2

	// NanoPerCoin is the number of base units in one displayed coin.
	NanoPerCoin = 1_000_000_000
)

var (
	// ErrNoParticipants is returned when a slate declares fewer than one
	// participant.
	ErrNoParticipants = errors.New("slate must have at least one " +
		"participant")

	// ErrTooManyContributions is returned when a slate carries more
	// participant contributions than it declares participants.
	ErrTooManyContributions = errors.New("slate has more participant " +
		"contributions than participants")
)

// Slate is a transaction proposal that is passed between the parties of a
// transaction. Every party appends its contribution to ParticipantData until
// all NumParticipants have contributed, at which point the slate can be
// finalized.
type Slate struct {
	// Version is the slate format version.
	Version uint16 `json:"version"`

	// ID is stable across every round of one transaction.
	ID uuid.UUID `json:"id"`

	// NumParticipants is the total number of parties that must
	// contribute before the transaction can be finalized. It is fixed at
	// creation.
	NumParticipants uint16 `json:"num_participants"`

	// Amount is the value being transferred, in base units.
	Amount uint64 `json:"amount"`

	// Fee is the fee paid by the transaction, in base units.
	Fee uint64 `json:"fee"`

	// Height is the chain height at which the slate was created.
	Height uint64 `json:"height"`

	// LockHeight is the height before which the kernel can't be mined.
	LockHeight uint64 `json:"lock_height"`

	// Tx is the transaction body that is being built.
	Tx Transaction `json:"tx"`

	// ParticipantData holds one entry per contributing party, in the
	// order in which they contributed.
	ParticipantData []ParticipantData `json:"participant_data"`
}

// New returns an empty slate with a fresh identifier.
func New(numParticipants uint16, amount uint64) *Slate {
	return &Slate{
		Version:         CurrentVersion,
		ID:              uuid.New(),
		NumParticipants: numParticipants,
		Amount:          amount,
	}
}

// Transaction is the body of a transaction that is being built.
type Transaction struct {
	// Offset is the kernel offset.
	Offset BlindingFactor `json:"offset"`

	// Body holds the inputs, outputs and kernels.
	Body TxBody `json:"body"`
}

// TxBody holds the inputs, outputs and kernels of a transaction.
type TxBody struct {
	Inputs  []Input  `json:"inputs"`
	Outputs []Output `json:"outputs"`
	Kernels []Kernel `json:"kernels"`
}

// Input spends a previous output, identified by its commitment.
type Input struct {
	Features uint8      `json:"features"`
	Commit   Commitment `json:"commit"`
}

// Output creates a new output.
type Output struct {
	Features uint8      `json:"features"`
	Commit   Commitment `json:"commit"`
	Proof    HexBytes   `json:"proof,omitempty"`
}

// Kernel carries the excess and signature that prove the transaction
// balances.
type Kernel struct {
	Features   uint8      `json:"features"`
	Fee        uint64     `json:"fee"`
	LockHeight uint64     `json:"lock_height"`
	Excess     Commitment `json:"excess"`
	ExcessSig  Signature  `json:"excess_sig"`
}

// ParticipantData is one party's contribution to a slate.
type ParticipantData struct {
	// ID is the index of the participant within the slate.
	ID uint64 `json:"id"`

	// PublicBlindExcess is the participant's public blinding excess.
	PublicBlindExcess Commitment `json:"public_blind_excess"`

	// PublicNonce is the participant's public signing nonce.
	PublicNonce Commitment `json:"public_nonce"`

	// PartSig is the participant's partial signature, set once the
	// participant has signed.
	PartSig *Signature `json:"part_sig,omitempty"`

	// Message is an optional free form note attached by the participant.
	Message string `json:"message,omitempty"`

	// MessageSig signs Message, if present.
	MessageSig *Signature `json:"message_sig,omitempty"`
}

// IsInvoice returns true if the slate carries no inputs. Such a slate is a
// payment request: the party receiving it is expected to pay rather than be
// paid.
func (s *Slate) IsInvoice() bool {
	return len(s.Tx.Body.Inputs) == 0
}

// IsComplete returns true once every participant has contributed.
func (s *Slate) IsComplete() bool {
	return len(s.ParticipantData) == int(s.NumParticipants)
}

// Validate checks the participant invariants of the slate.
func (s *Slate) Validate() error {
	if s.NumParticipants < 1 {
		return ErrNoParticipants
	}

	if len(s.ParticipantData) > int(s.NumParticipants) {
		return fmt.Errorf("%w: %d contributions for %d participants",
			ErrTooManyContributions, len(s.ParticipantData),
			s.NumParticipants)
	}

	return nil
}

// Clone returns a deep copy of the slate.
func (s *Slate) Clone() *Slate {
	c := *s

	c.Tx.Body.Inputs = append([]Input(nil), s.Tx.Body.Inputs...)
	c.Tx.Body.Kernels = append([]Kernel(nil), s.Tx.Body.Kernels...)

	c.Tx.Body.Outputs = nil
	for _, out := range s.Tx.Body.Outputs {
		out.Proof = out.Proof.Clone()
		c.Tx.Body.Outputs = append(c.Tx.Body.Outputs, out)
	}

	c.ParticipantData = nil
	for _, p := range s.ParticipantData {
		if p.PartSig != nil {
			sig := *p.PartSig
			p.PartSig = &sig
		}
		if p.MessageSig != nil {
			sig := *p.MessageSig
			p.MessageSig = &sig
		}
		c.ParticipantData = append(c.ParticipantData, p)
	}

	return &c
}

// MessageDigest returns the digest every participant signs. It commits to the
// fields that are fixed at creation so it stays the same across rounds.
func (s *Slate) MessageDigest() [32]byte {
	var b [16 + 2 + 8*4]byte
	copy(b[:16], s.ID[:])
	binary.BigEndian.PutUint16(b[16:18], s.NumParticipants)
	binary.BigEndian.PutUint64(b[18:26], s.Amount)
	binary.BigEndian.PutUint64(b[26:34], s.Fee)
	binary.BigEndian.PutUint64(b[34:42], s.Height)
	binary.BigEndian.PutUint64(b[42:50], s.LockHeight)

	return blake2b.Sum256(b[:])
}

// AmountString renders the amount in whole coins, trimming trailing zeros.
func (s *Slate) AmountString() string {
	return FormatAmount(s.Amount)
}

// FormatAmount renders an amount of base units as a decimal coin string.
func FormatAmount(amount uint64) string {
	whole := amount / NanoPerCoin
	frac := amount % NanoPerCoin
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%09d", frac), "0")

	return fmt.Sprintf("%d.%s", whole, fracStr)
}

// String returns a short description of the slate for logging.
func (s *Slate) String() string {
	return fmt.Sprintf("slate(id=%v, amount=%v, participants=%d/%d)",
		s.ID, s.AmountString(), len(s.ParticipantData),
		s.NumParticipants)
}
