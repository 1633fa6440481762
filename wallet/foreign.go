package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/slate"
)

var (
	// ErrAlreadyReceived is returned when a slate is received again after
	// its exchange moved on or with different contents.
	ErrAlreadyReceived = errors.New("slate already received")

	// ErrIncompatibleVersion is returned for slates of a version this
	// wallet can't handle.
	ErrIncompatibleVersion = errors.New("incompatible slate version")

	// ErrSlateComplete is returned when a slate has no contribution slot
	// left.
	ErrSlateComplete = errors.New("slate already has every contribution")

	// ErrZeroAmount is returned for slates that move nothing.
	ErrZeroAmount = errors.New("slate amount is zero")
)

// Foreign is the wallet API exposed to other wallets: it adds this wallet's
// contribution to slates it is paid with.
type Foreign struct {
	c *Container
}

// A compile time check to ensure Foreign implements the broker.Receiver
// interface.
var _ broker.Receiver = (*Foreign)(nil)

// NewForeign creates the foreign API of the wallet in c.
func NewForeign(c *Container) *Foreign {
	return &Foreign{c: c}
}

// checkVersion rejects slates outside the supported version range.
func checkVersion(s *slate.Slate) error {
	if s.Version < slate.MinCompatVersion ||
		s.Version > slate.CurrentVersion {

		return broker.NewError(
			broker.KindProtocolViolation, s.ID,
			fmt.Errorf("%w: %d", ErrIncompatibleVersion, s.Version),
		)
	}

	return nil
}

// ReceiveTx adds an output paying the slate amount to this wallet and signs
// for it. The address hint is kept as the counterparty of the logged
// transaction and the message hint is attached to the contribution.
//
// NOTE: This is part of the broker.Receiver interface.
func (f *Foreign) ReceiveTx(ctx context.Context, s *slate.Slate,
	addressHint fn.Option[string],
	messageHint fn.Option[string]) (*slate.Slate, error) {

	if err := checkVersion(s); err != nil {
		return nil, err
	}
	if s.IsComplete() {
		return nil, broker.NewError(
			broker.KindProtocolViolation, s.ID, ErrSlateComplete,
		)
	}
	if s.Amount == 0 {
		return nil, ErrZeroAmount
	}

	for i := range s.ParticipantData {
		err := verifyParticipant(s, &s.ParticipantData[i])
		if err != nil {
			return nil, broker.NewError(
				broker.KindProtocolViolation, s.ID, err,
			)
		}
	}

	var (
		next   *slate.Slate
		resent bool
	)
	err := f.c.WithLock(func(b *Backend) error {
		var err error
		next, resent, err = b.receive(s, addressHint, messageHint)
		return err
	})
	if err != nil {
		return nil, err
	}

	if resent {
		log.Infof("Slate %v received again from %v, returning the "+
			"earlier contribution", s.ID,
			addressHint.UnwrapOr("unknown sender"))

		return next, nil
	}

	log.Infof("Received %v coins in slate %v from %v", s.AmountString(),
		s.ID, addressHint.UnwrapOr("unknown sender"))

	return next, nil
}

// storedContribution returns the slate we handed out when s was first
// received, if s is a redelivery of that same slate. A redelivery carries the
// same amount and the same contributions we saw then.
func storedContribution(rec *TxRecord, s *slate.Slate) (*slate.Slate, bool) {
	if rec.Direction != DirectionReceived || rec.Status != TxPending ||
		rec.Slate == nil {

		return nil, false
	}

	stored := rec.Slate
	if len(stored.ParticipantData) != len(s.ParticipantData)+1 ||
		stored.Amount != s.Amount || stored.Fee != s.Fee {

		return nil, false
	}

	for i := range s.ParticipantData {
		if s.ParticipantData[i].PublicBlindExcess !=
			stored.ParticipantData[i].PublicBlindExcess {

			return nil, false
		}
	}

	return stored.Clone(), true
}

// receive adds our contribution to s. A redelivered slate gets the slate we
// contributed to the first time, and resent is true.
func (b *Backend) receive(s *slate.Slate, addressHint,
	messageHint fn.Option[string]) (*slate.Slate, bool, error) {

	var (
		next   = s.Clone()
		resent bool
	)
	err := b.log.update(func(tx kvdb.RwTx) error {
		rec, err := fetchTx(tx, s.ID)
		switch {
		case err == nil:
			stored, ok := storedContribution(rec, s)
			if !ok {
				return ErrAlreadyReceived
			}
			next, resent = stored, true

			return nil

		case !errors.Is(err, ErrTxNotFound):
			return err
		}

		blind, blindPriv, err := b.nextKey(tx, keychain.KeyFamilyBlind)
		if err != nil {
			return err
		}
		nonce, _, err := b.nextKey(tx, keychain.KeyFamilyNonce)
		if err != nil {
			return err
		}

		commit := commitment(blind.PubKey)
		next.Tx.Body.Outputs = append(
			next.Tx.Body.Outputs, slate.Output{Commit: commit},
		)

		p := slate.ParticipantData{
			ID:                uint64(len(next.ParticipantData)),
			PublicBlindExcess: commit,
			PublicNonce:       commitment(nonce.PubKey),
		}
		p.PartSig, err = signDigest(blindPriv, next.MessageDigest())
		if err != nil {
			return err
		}

		var msgErr error
		messageHint.WhenSome(func(msg string) {
			p.Message = msg
			p.MessageSig, msgErr = signDigest(
				blindPriv, messageDigest(msg),
			)
		})
		if msgErr != nil {
			return msgErr
		}
		next.ParticipantData = append(next.ParticipantData, p)

		err = putOutput(tx, &OutputRecord{
			Commit:   commit,
			Value:    s.Amount,
			KeyIndex: blind.Index,
			Status:   OutputUnconfirmed,
			SlateID:  s.ID,
		})
		if err != nil {
			return err
		}

		return putTx(tx, &TxRecord{
			SlateID:      s.ID,
			Direction:    DirectionReceived,
			Status:       TxPending,
			Amount:       s.Amount,
			Fee:          s.Fee,
			Counterparty: addressHint.UnwrapOr(""),
			ExcessIndex:  blind.Index,
			NonceIndex:   nonce.Index,
			Outputs:      []slate.Commitment{commit},
			Created:      b.clock.Now(),
			Slate:        next,
		})
	})
	if err != nil {
		return nil, false, err
	}

	return next, resent, nil
}
