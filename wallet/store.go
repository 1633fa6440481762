package wallet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Import to register backend.
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/slate"
)

var (
	// outputBucket maps an output commitment to its OutputRecord.
	outputBucket = []byte("outputs")

	// txBucket maps a slate ID to its TxRecord.
	txBucket = []byte("txs")

	// metaBucket holds the next key index of every key family.
	metaBucket = []byte("meta")

	// ErrOutputNotFound is returned when an output isn't in the log.
	ErrOutputNotFound = errors.New("output not found")

	// ErrTxNotFound is returned when no transaction is logged for a
	// slate ID.
	ErrTxNotFound = errors.New("transaction not found")
)

// OutputStatus is the life cycle state of a wallet output.
type OutputStatus uint8

const (
	// OutputUnconfirmed is an output created by a transaction that isn't
	// confirmed yet.
	OutputUnconfirmed OutputStatus = 0

	// OutputUnspent is a confirmed output that can be spent.
	OutputUnspent OutputStatus = 1

	// OutputLocked is an output selected as input of a pending send.
	OutputLocked OutputStatus = 2

	// OutputSpent is an output spent by a finalized transaction.
	OutputSpent OutputStatus = 3
)

// String returns a human readable status.
func (s OutputStatus) String() string {
	switch s {
	case OutputUnconfirmed:
		return "unconfirmed"
	case OutputUnspent:
		return "unspent"
	case OutputLocked:
		return "locked"
	case OutputSpent:
		return "spent"
	default:
		return fmt.Sprintf("OutputStatus(%d)", uint8(s))
	}
}

// OutputRecord is an output owned by the wallet.
type OutputRecord struct {
	// Commit identifies the output.
	Commit slate.Commitment

	// Value is the amount held by the output.
	Value uint64

	// KeyIndex locates the blinding key in KeyFamilyBlind.
	KeyIndex uint32

	// Status is the current state of the output.
	Status OutputStatus

	// SlateID is the slate that created or locked the output, if any.
	SlateID uuid.UUID
}

// Direction tells whether a transaction pays or is paid by the wallet.
type Direction uint8

const (
	// DirectionSent is a transaction this wallet initiated.
	DirectionSent Direction = 0

	// DirectionReceived is a transaction this wallet contributed to as
	// a receiver.
	DirectionReceived Direction = 1
)

// String returns a human readable direction.
func (d Direction) String() string {
	if d == DirectionSent {
		return "sent"
	}

	return "received"
}

// TxStatus is the life cycle state of a logged transaction.
type TxStatus uint8

const (
	// TxPending is waiting for the other participants.
	TxPending TxStatus = 0

	// TxFinalized was completed and handed to the node.
	TxFinalized TxStatus = 1

	// TxCancelled was abandoned and its inputs released.
	TxCancelled TxStatus = 2

	// TxConfirmed was seen on chain.
	TxConfirmed TxStatus = 3
)

// String returns a human readable status.
func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxFinalized:
		return "finalized"
	case TxCancelled:
		return "cancelled"
	case TxConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("TxStatus(%d)", uint8(s))
	}
}

// TxRecord is the wallet's view of one slate exchange.
type TxRecord struct {
	// SlateID identifies the exchange.
	SlateID uuid.UUID

	// Direction tells whether we sent or received.
	Direction Direction

	// Status is the current state.
	Status TxStatus

	// Amount is the amount moved to the receivers.
	Amount uint64

	// Fee is the transaction fee, paid by the sender.
	Fee uint64

	// Counterparty is the address the slate came from or went to. It
	// may be empty.
	Counterparty string

	// ExcessIndex and NonceIndex locate the keys of our contribution.
	ExcessIndex uint32
	NonceIndex  uint32

	// Inputs are our outputs spent by the transaction.
	Inputs []slate.Commitment

	// Outputs are the outputs the transaction creates for us.
	Outputs []slate.Commitment

	// TxHash is the hash of the finalized transaction.
	TxHash [32]byte

	// Created is when the record was first written.
	Created time.Time

	// Slate is the last slate this wallet handed out in the exchange:
	// the initial slate of a send, or the slate carrying our
	// contribution for a receive. It is nil for records written before
	// slates were kept.
	Slate *slate.Slate
}

const (
	outputValueType    tlv.Type = 0
	outputKeyIndexType tlv.Type = 2
	outputStatusType   tlv.Type = 4
	outputSlateType    tlv.Type = 6

	txDirectionType  tlv.Type = 0
	txStatusType     tlv.Type = 2
	txAmountType     tlv.Type = 4
	txFeeType        tlv.Type = 6
	txPartyType      tlv.Type = 8
	txExcessIdxType  tlv.Type = 10
	txNonceIdxType   tlv.Type = 12
	txInputsType     tlv.Type = 14
	txOutputsType    tlv.Type = 16
	txHashType       tlv.Type = 18
	txCreatedType    tlv.Type = 20
	txSlateType      tlv.Type = 22
	commitmentLength          = len(slate.Commitment{})
)

func serializeOutput(w io.Writer, o *OutputRecord) error {
	slateID := o.SlateID[:]
	status := uint8(o.Status)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(outputValueType, &o.Value),
		tlv.MakePrimitiveRecord(outputKeyIndexType, &o.KeyIndex),
		tlv.MakePrimitiveRecord(outputStatusType, &status),
		tlv.MakePrimitiveRecord(outputSlateType, &slateID),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func deserializeOutput(commit slate.Commitment, r io.Reader) (*OutputRecord,
	error) {

	o := &OutputRecord{Commit: commit}

	var (
		status  uint8
		slateID []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(outputValueType, &o.Value),
		tlv.MakePrimitiveRecord(outputKeyIndexType, &o.KeyIndex),
		tlv.MakePrimitiveRecord(outputStatusType, &status),
		tlv.MakePrimitiveRecord(outputSlateType, &slateID),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	o.Status = OutputStatus(status)
	if len(slateID) > 0 {
		o.SlateID, err = uuid.FromBytes(slateID)
		if err != nil {
			return nil, err
		}
	}

	return o, nil
}

func packCommits(commits []slate.Commitment) []byte {
	b := make([]byte, 0, len(commits)*commitmentLength)
	for _, c := range commits {
		b = append(b, c[:]...)
	}

	return b
}

func unpackCommits(b []byte) ([]slate.Commitment, error) {
	if len(b)%commitmentLength != 0 {
		return nil, fmt.Errorf("commitment list of %d bytes", len(b))
	}

	var commits []slate.Commitment
	for len(b) > 0 {
		var c slate.Commitment
		copy(c[:], b)
		commits = append(commits, c)
		b = b[commitmentLength:]
	}

	return commits, nil
}

func serializeTx(w io.Writer, t *TxRecord) error {
	var (
		direction = uint8(t.Direction)
		status    = uint8(t.Status)
		party     = []byte(t.Counterparty)
		inputs    = packCommits(t.Inputs)
		outputs   = packCommits(t.Outputs)
		created   = uint64(t.Created.Unix())
		slateRaw  []byte
	)
	if t.Slate != nil {
		var err error
		slateRaw, err = t.Slate.Serialize()
		if err != nil {
			return err
		}
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(txDirectionType, &direction),
		tlv.MakePrimitiveRecord(txStatusType, &status),
		tlv.MakePrimitiveRecord(txAmountType, &t.Amount),
		tlv.MakePrimitiveRecord(txFeeType, &t.Fee),
		tlv.MakePrimitiveRecord(txPartyType, &party),
		tlv.MakePrimitiveRecord(txExcessIdxType, &t.ExcessIndex),
		tlv.MakePrimitiveRecord(txNonceIdxType, &t.NonceIndex),
		tlv.MakePrimitiveRecord(txInputsType, &inputs),
		tlv.MakePrimitiveRecord(txOutputsType, &outputs),
		tlv.MakePrimitiveRecord(txHashType, &t.TxHash),
		tlv.MakePrimitiveRecord(txCreatedType, &created),
		tlv.MakePrimitiveRecord(txSlateType, &slateRaw),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func deserializeTx(id uuid.UUID, r io.Reader) (*TxRecord, error) {
	t := &TxRecord{SlateID: id}

	var (
		direction, status uint8
		party             []byte
		inputs, outputs   []byte
		created           uint64
		slateRaw          []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(txDirectionType, &direction),
		tlv.MakePrimitiveRecord(txStatusType, &status),
		tlv.MakePrimitiveRecord(txAmountType, &t.Amount),
		tlv.MakePrimitiveRecord(txFeeType, &t.Fee),
		tlv.MakePrimitiveRecord(txPartyType, &party),
		tlv.MakePrimitiveRecord(txExcessIdxType, &t.ExcessIndex),
		tlv.MakePrimitiveRecord(txNonceIdxType, &t.NonceIndex),
		tlv.MakePrimitiveRecord(txInputsType, &inputs),
		tlv.MakePrimitiveRecord(txOutputsType, &outputs),
		tlv.MakePrimitiveRecord(txHashType, &t.TxHash),
		tlv.MakePrimitiveRecord(txCreatedType, &created),
		tlv.MakePrimitiveRecord(txSlateType, &slateRaw),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	t.Direction = Direction(direction)
	t.Status = TxStatus(status)
	t.Counterparty = string(party)
	t.Created = time.Unix(int64(created), 0)

	if t.Inputs, err = unpackCommits(inputs); err != nil {
		return nil, err
	}
	if t.Outputs, err = unpackCommits(outputs); err != nil {
		return nil, err
	}
	if len(slateRaw) > 0 {
		if t.Slate, err = slate.Deserialize(slateRaw); err != nil {
			return nil, fmt.Errorf("stored slate: %w", err)
		}
	}

	return t, nil
}

// SlateLog persists the outputs and transactions of a wallet.
type SlateLog struct {
	db kvdb.Backend
}

// OpenSlateLog opens or creates a bolt backed slate log at path.
func OpenSlateLog(path string) (*SlateLog, error) {
	db, err := kvdb.Create(
		kvdb.BoltBackendName, path, true, kvdb.DefaultDBTimeout, false,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open slate log %v: %w", path,
			err)
	}

	l, err := NewSlateLog(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return l, nil
}

// NewSlateLog creates a slate log on top of an open backend, creating the
// buckets it needs.
func NewSlateLog(db kvdb.Backend) (*SlateLog, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		for _, b := range [][]byte{outputBucket, txBucket, metaBucket} {
			if _, err := tx.CreateTopLevelBucket(b); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &SlateLog{db: db}, nil
}

// Close closes the backend.
func (l *SlateLog) Close() error {
	return l.db.Close()
}

// update runs f in a read-write transaction.
func (l *SlateLog) update(f func(tx kvdb.RwTx) error) error {
	return kvdb.Update(l.db, f, func() {})
}

// view runs f in a read-only transaction.
func (l *SlateLog) view(f func(tx kvdb.RTx) error, reset func()) error {
	return kvdb.View(l.db, f, reset)
}

func putOutput(tx kvdb.RwTx, o *OutputRecord) error {
	bucket := tx.ReadWriteBucket(outputBucket)
	if bucket == nil {
		return kvdb.ErrBucketNotFound
	}

	var b bytes.Buffer
	if err := serializeOutput(&b, o); err != nil {
		return err
	}

	return bucket.Put(o.Commit[:], b.Bytes())
}

func deleteOutput(tx kvdb.RwTx, commit slate.Commitment) error {
	bucket := tx.ReadWriteBucket(outputBucket)
	if bucket == nil {
		return kvdb.ErrBucketNotFound
	}

	return bucket.Delete(commit[:])
}

func fetchOutput(tx kvdb.RTx, commit slate.Commitment) (*OutputRecord,
	error) {

	bucket := tx.ReadBucket(outputBucket)
	if bucket == nil {
		return nil, kvdb.ErrBucketNotFound
	}

	v := bucket.Get(commit[:])
	if v == nil {
		return nil, ErrOutputNotFound
	}

	return deserializeOutput(commit, bytes.NewReader(v))
}

func forEachOutput(tx kvdb.RTx, f func(*OutputRecord) error) error {
	bucket := tx.ReadBucket(outputBucket)
	if bucket == nil {
		return kvdb.ErrBucketNotFound
	}

	return bucket.ForEach(func(k, v []byte) error {
		var commit slate.Commitment
		copy(commit[:], k)

		o, err := deserializeOutput(commit, bytes.NewReader(v))
		if err != nil {
			return err
		}

		return f(o)
	})
}

// setOutputStatus changes the status of each listed output.
func setOutputStatus(tx kvdb.RwTx, commits []slate.Commitment,
	status OutputStatus) error {

	for _, commit := range commits {
		o, err := fetchOutput(tx, commit)
		if err != nil {
			return fmt.Errorf("output %v: %w", commit, err)
		}

		o.Status = status
		if err := putOutput(tx, o); err != nil {
			return err
		}
	}

	return nil
}

func putTx(tx kvdb.RwTx, t *TxRecord) error {
	bucket := tx.ReadWriteBucket(txBucket)
	if bucket == nil {
		return kvdb.ErrBucketNotFound
	}

	var b bytes.Buffer
	if err := serializeTx(&b, t); err != nil {
		return err
	}

	return bucket.Put(t.SlateID[:], b.Bytes())
}

func fetchTx(tx kvdb.RTx, id uuid.UUID) (*TxRecord, error) {
	bucket := tx.ReadBucket(txBucket)
	if bucket == nil {
		return nil, kvdb.ErrBucketNotFound
	}

	v := bucket.Get(id[:])
	if v == nil {
		return nil, ErrTxNotFound
	}

	return deserializeTx(id, bytes.NewReader(v))
}

func indexKey(fam keychain.KeyFamily) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(fam))

	return k[:]
}

// fetchNextIndex returns the persisted next key index of the family.
func fetchNextIndex(tx kvdb.RTx, fam keychain.KeyFamily) (uint32, error) {
	bucket := tx.ReadBucket(metaBucket)
	if bucket == nil {
		return 0, kvdb.ErrBucketNotFound
	}

	v := bucket.Get(indexKey(fam))
	if v == nil {
		return 0, nil
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("next index of family %d has %d bytes",
			fam, len(v))
	}

	return binary.BigEndian.Uint32(v), nil
}

func putNextIndex(tx kvdb.RwTx, fam keychain.KeyFamily, index uint32) error {
	bucket := tx.ReadWriteBucket(metaBucket)
	if bucket == nil {
		return kvdb.ErrBucketNotFound
	}

	var v [4]byte
	binary.BigEndian.PutUint32(v[:], index)

	return bucket.Put(indexKey(fam), v[:])
}

// Outputs returns every output in the log.
func (l *SlateLog) Outputs() ([]*OutputRecord, error) {
	var outputs []*OutputRecord
	err := l.view(func(tx kvdb.RTx) error {
		return forEachOutput(tx, func(o *OutputRecord) error {
			outputs = append(outputs, o)
			return nil
		})
	}, func() {
		outputs = nil
	})
	if err != nil {
		return nil, err
	}

	return outputs, nil
}

// FetchTx returns the transaction logged for the slate ID.
func (l *SlateLog) FetchTx(id uuid.UUID) (*TxRecord, error) {
	var t *TxRecord
	err := l.view(func(tx kvdb.RTx) error {
		var err error
		t, err = fetchTx(tx, id)
		return err
	}, func() {
		t = nil
	})
	if err != nil {
		return nil, err
	}

	return t, nil
}

// Txs returns every logged transaction.
func (l *SlateLog) Txs() ([]*TxRecord, error) {
	var txs []*TxRecord
	err := l.view(func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(txBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.ForEach(func(k, v []byte) error {
			id, err := uuid.FromBytes(k)
			if err != nil {
				return err
			}

			t, err := deserializeTx(id, bytes.NewReader(v))
			if err != nil {
				return err
			}
			txs = append(txs, t)

			return nil
		})
	}, func() {
		txs = nil
	})
	if err != nil {
		return nil, err
	}

	return txs, nil
}
