package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/broker/brokertest"
	"github.com/slatewire/slatewire/slate"
	"github.com/stretchr/testify/require"
)

func fileAddr(t *testing.T, dir string) *address.FileAddress {
	t.Helper()

	addr, err := address.NewFileAddress(dir)
	require.NoError(t, err)

	return addr
}

func testSlate() *slate.Slate {
	s := slate.New(2, 1_000_000_000)
	s.Tx.Body.Inputs = []slate.Input{{Commit: slate.Commitment{0x09}}}
	s.ParticipantData = []slate.ParticipantData{{ID: 0}}

	return s
}

func newTestSubscriber(t *testing.T, inbox string) (*Subscriber,
	*ticker.Force) {

	t.Helper()

	force := ticker.NewForce(time.Hour)
	sub := NewSubscriber(&Config{
		Name:   "file-test",
		Inbox:  inbox,
		Ticker: force,
		Retry:  brokertest.FastRetry(),
	})
	t.Cleanup(sub.Stop)

	return sub, force
}

func tick(t *testing.T, force *ticker.Force) {
	t.Helper()

	select {
	case force.Force <- time.Now():
	case <-time.After(brokertest.Timeout):
		t.Fatal("poll loop not ticking")
	}
}

// TestPublishSubscribe posts a slate into an inbox and checks that it is
// delivered once and moved to the processed directory.
func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	inboxA, inboxB := t.TempDir(), t.TempDir()
	pub := NewPublisher(fileAddr(t, inboxA))

	s := testSlate()
	err := pub.PostSlate(context.Background(), s, fileAddr(t, inboxB))
	require.NoError(t, err)

	// No temporary file is left behind.
	entries, err := os.ReadDir(inboxB)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, FileName(s), entries[0].Name())

	h := brokertest.NewHandler()
	sub, force := newTestSubscriber(t, inboxB)
	require.NoError(t, sub.Start(h))
	require.True(t, sub.IsRunning())
	h.ExpectEvent(t, brokertest.EventOpen)

	d := h.ExpectSlate(t)
	require.Equal(t, s, d.Slate)
	require.Equal(t, fileAddr(t, inboxA).String(), d.From.String())

	// Wait for the next tick so the move after delivery has happened.
	tick(t, force)
	tick(t, force)

	_, err = os.Stat(filepath.Join(inboxB, ProcessedDir, FileName(s)))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(inboxB, FileName(s)))
	require.True(t, os.IsNotExist(err))

	h.ExpectNoSlate(t, 50*time.Millisecond)

	sub.Stop()
	require.True(t, h.ExpectClose(t).IsNormal())
	require.False(t, sub.IsRunning())
}

// TestPublishWrongAddress checks that only file addresses are accepted.
func TestPublishWrongAddress(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pub := NewPublisher(fileAddr(t, t.TempDir()))
	peer := address.NewPeerAddress(priv.PubKey(), "127.0.0.1", 9735)

	err = pub.PostSlate(context.Background(), testSlate(), peer)
	require.True(t, broker.IsPermanent(err))
}

// TestMissingInbox checks that a subscriber without an inbox fails to start
// and reports an abnormal close.
func TestMissingInbox(t *testing.T) {
	t.Parallel()

	h := brokertest.NewHandler()
	sub, _ := newTestSubscriber(
		t, filepath.Join(t.TempDir(), "does-not-exist"),
	)

	require.Error(t, sub.Start(h))
	require.False(t, sub.IsRunning())
	require.False(t, h.ExpectClose(t).IsNormal())
}

// TestInboxDropped removes the inbox of a running subscriber and checks that
// it is reported dropped, and reestablished before any further slate once
// the inbox is back.
func TestInboxDropped(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	inbox := filepath.Join(root, "inbox")
	require.NoError(t, os.Mkdir(inbox, 0700))

	h := brokertest.NewHandler()
	sub, force := newTestSubscriber(t, inbox)
	require.NoError(t, sub.Start(h))
	h.ExpectEvent(t, brokertest.EventOpen)

	moved := filepath.Join(root, "moved")
	require.NoError(t, os.Rename(inbox, moved))

	tick(t, force)
	h.ExpectEvent(t, brokertest.EventDropped)
	require.False(t, sub.IsRunning())

	// Further failures don't report a second drop.
	tick(t, force)

	// A slate arrives while the inbox is back but not yet scanned.
	require.NoError(t, os.Rename(moved, inbox))
	s := testSlate()
	pub := NewPublisher(fileAddr(t, root))
	require.NoError(t, pub.PostSlate(
		context.Background(), s, fileAddr(t, inbox),
	))

	tick(t, force)
	h.ExpectEvent(t, brokertest.EventReestablished)
	h.ExpectEvent(t, brokertest.EventSlate)
	require.Equal(t, s.ID, h.ExpectSlate(t).Slate.ID)
	require.True(t, sub.IsRunning())
}

// TestRejectedEnvelope checks that an undecodable envelope is moved aside
// without reaching the handler.
func TestRejectedEnvelope(t *testing.T) {
	t.Parallel()

	inbox := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(inbox, "garbage.0.slate"), []byte("{"), 0600,
	))

	h := brokertest.NewHandler()
	sub, force := newTestSubscriber(t, inbox)
	require.NoError(t, sub.Start(h))

	tick(t, force)
	tick(t, force)

	_, err := os.Stat(filepath.Join(inbox, RejectedDir, "garbage.0.slate"))
	require.NoError(t, err)
	require.Empty(t, h.Slates)
}

// TestProcessedDirRemoved removes the processed directory of a running
// subscriber and checks that the envelope is delivered exactly once while the
// inbox is reported dropped until the directory is back.
func TestProcessedDirRemoved(t *testing.T) {
	t.Parallel()

	root, inbox := t.TempDir(), t.TempDir()

	h := brokertest.NewHandler()
	sub, force := newTestSubscriber(t, inbox)
	require.NoError(t, sub.Start(h))
	h.ExpectEvent(t, brokertest.EventOpen)

	// Let the first scan of the empty inbox finish.
	tick(t, force)

	require.NoError(t, os.RemoveAll(filepath.Join(inbox, ProcessedDir)))

	s := testSlate()
	pub := NewPublisher(fileAddr(t, root))
	require.NoError(t, pub.PostSlate(
		context.Background(), s, fileAddr(t, inbox),
	))

	tick(t, force)
	h.ExpectEvent(t, brokertest.EventSlate)
	require.Equal(t, s.ID, h.ExpectSlate(t).Slate.ID)
	h.ExpectEvent(t, brokertest.EventDropped)

	tick(t, force)
	h.ExpectEvent(t, brokertest.EventReestablished)

	// Wait for the scan that moved the envelope to finish.
	tick(t, force)
	require.True(t, sub.IsRunning())

	_, err := os.Stat(filepath.Join(inbox, ProcessedDir, FileName(s)))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(inbox, FileName(s)))
	require.True(t, os.IsNotExist(err))

	h.ExpectNoSlate(t, 50*time.Millisecond)
}
