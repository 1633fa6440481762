package wallet

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/slate"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*SlateLog, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "slates.db")
	l, err := OpenSlateLog(path)
	require.NoError(t, err)

	return l, path
}

// TestRecordEncoding checks that records survive the TLV encoding.
func TestRecordEncoding(t *testing.T) {
	t.Parallel()

	out := &OutputRecord{
		Commit:   slate.Commitment{0x02, 1, 2, 3},
		Value:    42,
		KeyIndex: 7,
		Status:   OutputLocked,
		SlateID:  uuid.New(),
	}
	var b bytes.Buffer
	require.NoError(t, serializeOutput(&b, out))
	decoded, err := deserializeOutput(out.Commit, &b)
	require.NoError(t, err)
	require.Equal(t, out, decoded)

	tx := &TxRecord{
		SlateID:      uuid.New(),
		Direction:    DirectionReceived,
		Status:       TxFinalized,
		Amount:       5,
		Fee:          1,
		Counterparty: "file:///tmp/inbox",
		ExcessIndex:  3,
		NonceIndex:   4,
		Inputs:       []slate.Commitment{{0x03, 9}, {0x02, 8}},
		Outputs:      []slate.Commitment{{0x02, 7}},
		TxHash:       [32]byte{1, 2, 3},
		Created:      time.Unix(1_700_000_000, 0),
		Slate:        slate.New(2, 5),
	}
	b.Reset()
	require.NoError(t, serializeTx(&b, tx))
	decodedTx, err := deserializeTx(tx.SlateID, &b)
	require.NoError(t, err)
	require.Equal(t, tx, decodedTx)

	_, err = unpackCommits(make([]byte, commitmentLength+1))
	require.Error(t, err)
}

// TestSlateLogPersists checks that outputs, transactions and key indices
// survive a reopen.
func TestSlateLogPersists(t *testing.T) {
	t.Parallel()

	l, path := openTestLog(t)

	out := &OutputRecord{Commit: slate.Commitment{0x02, 1}, Value: 10}
	rec := &TxRecord{SlateID: uuid.New(), Amount: 10, Created: time.Unix(1, 0)}
	err := l.update(func(tx kvdb.RwTx) error {
		if err := putOutput(tx, out); err != nil {
			return err
		}
		if err := putTx(tx, rec); err != nil {
			return err
		}

		return putNextIndex(tx, keychain.KeyFamilyBlind, 12)
	})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = OpenSlateLog(path)
	require.NoError(t, err)
	defer l.Close()

	outputs, err := l.Outputs()
	require.NoError(t, err)
	require.Equal(t, []*OutputRecord{out}, outputs)

	fetched, err := l.FetchTx(rec.SlateID)
	require.NoError(t, err)
	require.Equal(t, rec, fetched)

	_, err = l.FetchTx(uuid.New())
	require.ErrorIs(t, err, ErrTxNotFound)

	err = l.view(func(tx kvdb.RTx) error {
		index, err := fetchNextIndex(tx, keychain.KeyFamilyBlind)
		require.NoError(t, err)
		require.EqualValues(t, 12, index)

		index, err = fetchNextIndex(tx, keychain.KeyFamilyNonce)
		require.NoError(t, err)
		require.Zero(t, index)

		_, err = fetchOutput(tx, slate.Commitment{0x03})
		require.ErrorIs(t, err, ErrOutputNotFound)

		return nil
	}, func() {})
	require.NoError(t, err)
}

// TestSetOutputStatusMissing checks that a status change of an unknown output
// fails the whole transaction.
func TestSetOutputStatusMissing(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)
	defer l.Close()

	known := &OutputRecord{Commit: slate.Commitment{0x02, 1}, Value: 10}
	require.NoError(t, l.update(func(tx kvdb.RwTx) error {
		return putOutput(tx, known)
	}))

	err := l.update(func(tx kvdb.RwTx) error {
		return setOutputStatus(tx, []slate.Commitment{
			known.Commit, {0x02, 2},
		}, OutputSpent)
	})
	require.ErrorIs(t, err, ErrOutputNotFound)

	outputs, err := l.Outputs()
	require.NoError(t, err)
	require.Equal(t, OutputUnconfirmed, outputs[0].Status)
}
