package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/slate"
)

// BaseFee is the fee paid per unit of transaction weight.
const BaseFee = 1_000_000

var (
	// ErrUnknownSlate is returned when finalizing a slate this wallet
	// didn't send.
	ErrUnknownSlate = errors.New("slate wasn't sent by this wallet")

	// ErrAlreadyFinalized is returned when a slate is finalized twice.
	ErrAlreadyFinalized = errors.New("slate already finalized")

	// ErrTxCancelled is returned when finalizing a cancelled slate.
	ErrTxCancelled = errors.New("transaction was cancelled")

	// ErrTxNotPending is returned when cancelling or confirming a
	// transaction in the wrong state.
	ErrTxNotPending = errors.New("transaction isn't pending")

	// ErrIncompleteSlate is returned when finalizing a slate that still
	// lacks contributions.
	ErrIncompleteSlate = errors.New("slate lacks contributions")

	// ErrContributionChanged is returned when our own contribution in a
	// returned slate isn't the one we made.
	ErrContributionChanged = errors.New("own contribution was altered")

	// ErrTooFewParticipants is returned when a send names fewer than two
	// participants.
	ErrTooFewParticipants = errors.New("a transaction needs at least " +
		"two participants")
)

// InsufficientFundsError is returned when the spendable outputs can't cover
// a send.
type InsufficientFundsError struct {
	Needed    uint64
	Available uint64
}

// Error returns a human readable string describing the error.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %v, have %v",
		slate.FormatAmount(e.Needed), slate.FormatAmount(e.Available))
}

// TxFee returns the fee of a transaction with the given shape.
func TxFee(inputs, outputs, kernels int) uint64 {
	weight := outputs*4 + kernels - inputs
	if weight < 1 {
		weight = 1
	}

	return uint64(weight) * BaseFee
}

// Balance sums the outputs of the wallet by state.
type Balance struct {
	// Spendable is the value of unspent outputs.
	Spendable uint64

	// Locked is the value of outputs reserved by pending sends.
	Locked uint64

	// Unconfirmed is the value of outputs waiting for confirmation.
	Unconfirmed uint64
}

// Owner is the wallet API of its owner: it starts sends, finalizes returned
// slates and manages the transaction log.
type Owner struct {
	c *Container
}

// A compile time check to ensure Owner implements the broker.Finalizer
// interface.
var _ broker.Finalizer = (*Owner)(nil)

// NewOwner creates the owner API of the wallet in c.
func NewOwner(c *Container) *Owner {
	return &Owner{c: c}
}

// ImportOutput adds a spendable output of the given value, derived from the
// next blinding key.
func (o *Owner) ImportOutput(value uint64) (*OutputRecord, error) {
	if value == 0 {
		return nil, ErrZeroAmount
	}

	var rec *OutputRecord
	err := o.c.WithLock(func(b *Backend) error {
		return b.log.update(func(tx kvdb.RwTx) error {
			desc, _, err := b.nextKey(tx, keychain.KeyFamilyBlind)
			if err != nil {
				return err
			}

			rec = &OutputRecord{
				Commit:   commitment(desc.PubKey),
				Value:    value,
				KeyIndex: desc.Index,
				Status:   OutputUnspent,
			}

			return putOutput(tx, rec)
		})
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Balance returns the balance of the wallet.
func (o *Owner) Balance() (*Balance, error) {
	var outputs []*OutputRecord
	err := o.c.WithLock(func(b *Backend) error {
		var err error
		outputs, err = b.log.Outputs()
		return err
	})
	if err != nil {
		return nil, err
	}

	var bal Balance
	for _, out := range outputs {
		switch out.Status {
		case OutputUnspent:
			bal.Spendable += out.Value
		case OutputLocked:
			bal.Locked += out.Value
		case OutputUnconfirmed:
			bal.Unconfirmed += out.Value
		}
	}

	return &bal, nil
}

// Txs returns the transaction log.
func (o *Owner) Txs() ([]*TxRecord, error) {
	var txs []*TxRecord
	err := o.c.WithLock(func(b *Backend) error {
		var err error
		txs, err = b.log.Txs()
		return err
	})

	return txs, err
}

// selectCoins picks the smallest unspent outputs that pay amount to each of
// the receivers plus the fee. It returns the inputs, the fee and the change.
func selectCoins(unspent []*OutputRecord, amount uint64,
	receivers int) ([]*OutputRecord, uint64, uint64, error) {

	if amount > math.MaxUint64/uint64(receivers) {
		return nil, 0, 0, fmt.Errorf("amount %v overflows", amount)
	}
	total := amount * uint64(receivers)

	sort.Slice(unspent, func(i, j int) bool {
		return unspent[i].Value < unspent[j].Value
	})

	var (
		selected []*OutputRecord
		sum      uint64
	)
	for _, out := range unspent {
		selected = append(selected, out)
		sum += out.Value

		// An exact match needs no change output.
		fee := TxFee(len(selected), receivers, 1)
		if sum == total+fee {
			return selected, fee, 0, nil
		}

		fee = TxFee(len(selected), receivers+1, 1)
		if sum > total+fee {
			return selected, fee, sum - total - fee, nil
		}
	}

	return nil, 0, 0, &InsufficientFundsError{
		Needed:    total + TxFee(len(selected), receivers+1, 1),
		Available: sum,
	}
}

// InitSendTx starts a send of amount to each of the numParticipants-1
// receivers. It locks the inputs, creates the change output and returns the
// slate carrying the sender's contribution.
func (o *Owner) InitSendTx(ctx context.Context, amount uint64,
	numParticipants uint16, message string) (*slate.Slate, error) {

	switch {
	case amount == 0:
		return nil, ErrZeroAmount

	case numParticipants < 2:
		return nil, ErrTooFewParticipants
	}

	var s *slate.Slate
	err := o.c.WithLock(func(b *Backend) error {
		height, err := b.height(ctx)
		if err != nil {
			return fmt.Errorf("unable to fetch chain height: %w",
				err)
		}

		s, err = b.initSend(amount, numParticipants, height, message)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Started send of %v coins in slate %v (fee %v)",
		s.AmountString(), s.ID, slate.FormatAmount(s.Fee))

	return s, nil
}

func (b *Backend) initSend(amount uint64, numParticipants uint16,
	height uint64, message string) (*slate.Slate, error) {

	s := slate.New(numParticipants, amount)
	s.Height = height
	if _, err := rand.Read(s.Tx.Offset[:]); err != nil {
		return nil, err
	}

	err := b.log.update(func(tx kvdb.RwTx) error {
		var unspent []*OutputRecord
		err := forEachOutput(tx, func(out *OutputRecord) error {
			if out.Status == OutputUnspent {
				unspent = append(unspent, out)
			}
			return nil
		})
		if err != nil {
			return err
		}

		inputs, fee, change, err := selectCoins(
			unspent, amount, int(numParticipants)-1,
		)
		if err != nil {
			return err
		}
		s.Fee = fee

		rec := &TxRecord{
			SlateID:   s.ID,
			Direction: DirectionSent,
			Status:    TxPending,
			Amount:    amount,
			Fee:       fee,
			Created:   b.clock.Now(),
		}

		for _, in := range inputs {
			in.Status = OutputLocked
			in.SlateID = s.ID
			if err := putOutput(tx, in); err != nil {
				return err
			}

			s.Tx.Body.Inputs = append(
				s.Tx.Body.Inputs, slate.Input{Commit: in.Commit},
			)
			rec.Inputs = append(rec.Inputs, in.Commit)
		}

		if change > 0 {
			desc, _, err := b.nextKey(tx, keychain.KeyFamilyBlind)
			if err != nil {
				return err
			}

			commit := commitment(desc.PubKey)
			err = putOutput(tx, &OutputRecord{
				Commit:   commit,
				Value:    change,
				KeyIndex: desc.Index,
				Status:   OutputUnconfirmed,
				SlateID:  s.ID,
			})
			if err != nil {
				return err
			}

			s.Tx.Body.Outputs = append(
				s.Tx.Body.Outputs, slate.Output{Commit: commit},
			)
			rec.Outputs = append(rec.Outputs, commit)
		}

		excess, excessPriv, err := b.nextKey(tx, keychain.KeyFamilyBlind)
		if err != nil {
			return err
		}
		nonce, _, err := b.nextKey(tx, keychain.KeyFamilyNonce)
		if err != nil {
			return err
		}
		rec.ExcessIndex = excess.Index
		rec.NonceIndex = nonce.Index

		p := slate.ParticipantData{
			ID:                0,
			PublicBlindExcess: commitment(excess.PubKey),
			PublicNonce:       commitment(nonce.PubKey),
		}
		p.PartSig, err = signDigest(excessPriv, s.MessageDigest())
		if err != nil {
			return err
		}
		if message != "" {
			p.Message = message
			p.MessageSig, err = signDigest(
				excessPriv, messageDigest(message),
			)
			if err != nil {
				return err
			}
		}
		s.ParticipantData = []slate.ParticipantData{p}
		rec.Slate = s

		return putTx(tx, rec)
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// FinalizeTx checks every contribution of a slate this wallet sent, builds
// the kernel and hands the transaction to the node. A slate can only be
// finalized once.
//
// NOTE: This is part of the broker.Finalizer interface.
func (o *Owner) FinalizeTx(ctx context.Context,
	s *slate.Slate) (*slate.Slate, error) {

	if err := checkVersion(s); err != nil {
		return nil, err
	}
	if !s.IsComplete() {
		return nil, broker.NewError(
			broker.KindProtocolViolation, s.ID,
			fmt.Errorf("%w: %d of %d", ErrIncompleteSlate,
				len(s.ParticipantData), s.NumParticipants),
		)
	}

	var final *slate.Slate
	err := o.c.WithLock(func(b *Backend) error {
		var err error
		final, err = b.finalize(ctx, s)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Finalized slate %v sending %v coins", s.ID,
		s.AmountString())

	return final, nil
}

func (b *Backend) finalize(ctx context.Context,
	s *slate.Slate) (*slate.Slate, error) {

	rec, err := b.log.FetchTx(s.ID)
	switch {
	case errors.Is(err, ErrTxNotFound):
		return nil, ErrUnknownSlate

	case err != nil:
		return nil, err

	case rec.Direction != DirectionSent:
		return nil, ErrUnknownSlate

	case rec.Status == TxFinalized || rec.Status == TxConfirmed:
		return nil, ErrAlreadyFinalized

	case rec.Status == TxCancelled:
		return nil, ErrTxCancelled
	}

	excessPriv, err := b.privKey(keychain.KeyFamilyBlind, rec.ExcessIndex)
	if err != nil {
		return nil, err
	}

	violation := func(err error) error {
		return broker.NewError(broker.KindProtocolViolation, s.ID, err)
	}

	own := commitment(excessPriv.PubKey())
	excesses := make([]slate.Commitment, 0, len(s.ParticipantData))
	for i := range s.ParticipantData {
		p := &s.ParticipantData[i]
		if p.ID == 0 && p.PublicBlindExcess != own {
			return nil, violation(ErrContributionChanged)
		}
		if err := verifyParticipant(s, p); err != nil {
			return nil, violation(err)
		}
		excesses = append(excesses, p.PublicBlindExcess)
	}
	if s.Amount != rec.Amount || s.Fee != rec.Fee {
		return nil, violation(ErrContributionChanged)
	}

	excess, err := sumCommitments(excesses)
	if err != nil {
		return nil, violation(err)
	}

	final := s.Clone()
	kernel := slate.Kernel{
		Fee:        final.Fee,
		LockHeight: final.LockHeight,
		Excess:     excess,
	}
	sig, err := signDigest(excessPriv, kernelDigest(final, excess))
	if err != nil {
		return nil, err
	}
	kernel.ExcessSig = *sig
	final.Tx.Body.Kernels = []slate.Kernel{kernel}

	hash, err := txHash(&final.Tx)
	if err != nil {
		return nil, err
	}

	if b.node.IsSome() {
		err := b.node.UnsafeFromSome().PostTx(ctx, &final.Tx)
		if err != nil {
			return nil, fmt.Errorf("unable to post transaction "+
				"%v: %w", hash, err)
		}
	}

	err = b.log.update(func(tx kvdb.RwTx) error {
		err := setOutputStatus(tx, rec.Inputs, OutputSpent)
		if err != nil {
			return err
		}

		rec.Status = TxFinalized
		rec.TxHash = hash

		return putTx(tx, rec)
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Slate %v finalized as transaction %v", s.ID, hash)

	return final, nil
}

// FetchTx returns the record of the exchange of slate id.
func (o *Owner) FetchTx(id uuid.UUID) (*TxRecord, error) {
	var rec *TxRecord
	err := o.c.WithLock(func(b *Backend) error {
		var err error
		rec, err = b.log.FetchTx(id)
		return err
	})

	return rec, err
}

// SetCounterparty records the address a sent slate was posted to, so it can
// be posted there again.
func (o *Owner) SetCounterparty(id uuid.UUID, addr string) error {
	return o.c.WithLock(func(b *Backend) error {
		return b.log.update(func(tx kvdb.RwTx) error {
			rec, err := fetchTx(tx, id)
			if err != nil {
				return err
			}
			rec.Counterparty = addr

			return putTx(tx, rec)
		})
	})
}

// CancelTx abandons a pending transaction. The inputs of a send become
// spendable again and the outputs it would have created are forgotten.
func (o *Owner) CancelTx(id uuid.UUID) error {
	return o.c.WithLock(func(b *Backend) error {
		return b.log.update(func(tx kvdb.RwTx) error {
			rec, err := fetchTx(tx, id)
			if err != nil {
				return err
			}
			if rec.Status != TxPending {
				return fmt.Errorf("%w: %v", ErrTxNotPending,
					rec.Status)
			}

			err = setOutputStatus(tx, rec.Inputs, OutputUnspent)
			if err != nil {
				return err
			}
			for _, commit := range rec.Outputs {
				if err := deleteOutput(tx, commit); err != nil {
					return err
				}
			}

			rec.Status = TxCancelled
			log.Infof("Cancelled %v transaction %v", rec.Direction,
				id)

			return putTx(tx, rec)
		})
	})
}

// ConfirmTx marks a transaction as confirmed on chain, making the outputs it
// created spendable. Sends must be finalized first.
func (o *Owner) ConfirmTx(id uuid.UUID) error {
	return o.c.WithLock(func(b *Backend) error {
		return b.log.update(func(tx kvdb.RwTx) error {
			rec, err := fetchTx(tx, id)
			if err != nil {
				return err
			}

			switch {
			case rec.Direction == DirectionSent &&
				rec.Status == TxFinalized:

			case rec.Direction == DirectionReceived &&
				rec.Status == TxPending:

			default:
				return fmt.Errorf("%w: %v %v", ErrTxNotPending,
					rec.Direction, rec.Status)
			}

			err = setOutputStatus(tx, rec.Outputs, OutputUnspent)
			if err != nil {
				return err
			}
			rec.Status = TxConfirmed

			return putTx(tx, rec)
		})
	})
}
