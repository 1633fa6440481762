package swrpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/broker/file"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/wallet"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const coin = slate.NanoPerCoin

type testHarness struct {
	owner  *wallet.Owner
	inbox  *address.FileAddress
	client *Client
}

// newTestHarness starts a control server for a fresh wallet that has a file
// listener, and connects a client to it.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	dir := t.TempDir()
	seed, err := keychain.LoadOrCreateSeed(filepath.Join(dir, "seed.bin"))
	require.NoError(t, err)
	slateLog, err := wallet.OpenSlateLog(filepath.Join(dir, "wallet.db"))
	require.NoError(t, err)

	backend, err := wallet.NewBackend(&wallet.Config{
		Keys:  keychain.NewSeedKeyRing(seed),
		Log:   slateLog,
		Node:  fn.None[wallet.NodeClient](),
		Clock: clock.NewDefaultClock(),
	})
	require.NoError(t, err)
	container := wallet.NewContainer(backend)
	t.Cleanup(func() {
		_ = container.Close()
	})

	inbox, err := address.NewFileAddress(t.TempDir())
	require.NoError(t, err)

	owner := wallet.NewOwner(container)
	srv := NewServer(&Config{
		Owner: owner,
		Publishers: map[address.Type]broker.Publisher{
			address.File: file.NewPublisher(inbox),
		},
	})
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Stop)

	client, err := NewClient(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return &testHarness{owner: owner, inbox: inbox, client: client}
}

func requireCode(t *testing.T, want codes.Code, err error) {
	t.Helper()

	require.Error(t, err)
	require.Equal(t, want, status.Code(err), err.Error())
}

// TestSendAndRepost sends through the service, posts the slate again and
// checks the wallet state the service reports.
func TestSendAndRepost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestHarness(t)

	out, err := h.client.ImportOutput(
		ctx, &ImportOutputRequest{Amount: 3 * coin},
	)
	require.NoError(t, err)
	require.EqualValues(t, 3*coin, out.Value)

	receiver, err := address.NewFileAddress(t.TempDir())
	require.NoError(t, err)

	sent, err := h.client.Send(ctx, &SendRequest{
		Address:      receiver.String(),
		Amount:       coin,
		Participants: 2,
	})
	require.NoError(t, err)
	require.Equal(t, receiver.String(), sent.To)

	entries, err := os.ReadDir(receiver.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	posted := filepath.Join(receiver.Dir(), entries[0].Name())

	bal, err := h.client.Balance(ctx)
	require.NoError(t, err)
	require.Zero(t, bal.Spendable)
	require.EqualValues(t, 3*coin, bal.Locked)

	txs, err := h.client.ListTxs(ctx)
	require.NoError(t, err)
	require.Len(t, txs.Transactions, 1)
	tx := txs.Transactions[0]
	require.Equal(t, sent.SlateID, tx.SlateID)
	require.Equal(t, wallet.TxPending.String(), tx.Status)
	require.Equal(t, receiver.String(), tx.Counterparty)

	// The slate is lost on its way and posted again.
	require.NoError(t, os.Remove(posted))
	reposted, err := h.client.Repost(
		ctx, &RepostRequest{SlateID: sent.SlateID},
	)
	require.NoError(t, err)
	require.Equal(t, receiver.String(), reposted.To)

	b, err := os.ReadFile(posted)
	require.NoError(t, err)
	env, err := broker.DecodeEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, sent.SlateID, env.Slate.ID.String())
	require.Len(t, env.Slate.ParticipantData, 1)
	require.True(t, address.Equal(h.inbox, env.From))

	require.NoError(t, h.client.CancelTx(ctx, sent.SlateID))

	bal, err = h.client.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3*coin, bal.Spendable)

	// An abandoned exchange isn't posted again.
	_, err = h.client.Repost(ctx, &RepostRequest{SlateID: sent.SlateID})
	requireCode(t, codes.FailedPrecondition, err)
}

// TestSendFailures checks that a send is refused without a listener for the
// receiver's transport, and cancelled if its slate can't be posted.
func TestSendFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestHarness(t)

	_, err := h.client.ImportOutput(
		ctx, &ImportOutputRequest{Amount: 2 * coin},
	)
	require.NoError(t, err)

	_, err = h.client.Send(ctx, &SendRequest{
		Address:      "not an address",
		Amount:       coin,
		Participants: 2,
	})
	requireCode(t, codes.InvalidArgument, err)

	// The relay address has no listener in this daemon.
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	relayAddr := address.NewRelayAddress(
		priv.PubKey(), "relay.example.com", address.DefaultRelayPort,
	)
	_, err = h.client.Send(ctx, &SendRequest{
		Address:      relayAddr.String(),
		Amount:       coin,
		Participants: 2,
	})
	requireCode(t, codes.FailedPrecondition, err)

	// The receiver's inbox doesn't exist, so the post fails.
	missing, err := address.NewFileAddress(
		filepath.Join(t.TempDir(), "gone"),
	)
	require.NoError(t, err)
	_, err = h.client.Send(ctx, &SendRequest{
		Address:      missing.String(),
		Amount:       coin,
		Participants: 2,
	})
	requireCode(t, codes.Unavailable, err)

	txs, err := h.client.ListTxs(ctx)
	require.NoError(t, err)
	require.Len(t, txs.Transactions, 1)
	require.Equal(t, wallet.TxCancelled.String(),
		txs.Transactions[0].Status)

	bal, err := h.client.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2*coin, bal.Spendable)

	_, err = h.client.Send(ctx, &SendRequest{
		Address:      missing.String(),
		Amount:       5 * coin,
		Participants: 2,
	})
	requireCode(t, codes.FailedPrecondition, err)
}

// TestTxUpdates checks the status changes the operator makes.
func TestTxUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestHarness(t)

	requireCode(t, codes.InvalidArgument, h.client.CancelTx(ctx, "nope"))

	unknown := "8c1a7cb1-6e6c-4f3b-9f5a-3f7c1b8f0a11"
	requireCode(t, codes.NotFound, h.client.CancelTx(ctx, unknown))
	requireCode(t, codes.NotFound, h.client.ConfirmTx(ctx, unknown))

	_, err := h.client.Repost(ctx, &RepostRequest{SlateID: unknown})
	requireCode(t, codes.NotFound, err)

	_, err = h.client.ImportOutput(ctx, &ImportOutputRequest{})
	requireCode(t, codes.InvalidArgument, err)
}
