package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/txproof"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type transportCmd struct {
	push        *slate.Slate
	drop        bool
	reestablish bool
	done        chan struct{}
}

// memTransport is an in-memory Subscriber. Messages it can't deliver stay
// queued until the listener is running again, and are only removed once the
// handler returned.
type memTransport struct {
	lc   *Lifecycle
	from address.Address

	cmds chan transportCmd
	quit chan struct{}
	wg   sync.WaitGroup

	pending []*slate.Slate
}

var _ Subscriber = (*memTransport)(nil)

func newMemTransport(name string) *memTransport {
	return &memTransport{
		lc:   NewLifecycle(name),
		from: testAddress(),
		cmds: make(chan transportCmd),
		quit: make(chan struct{}),
	}
}

func (m *memTransport) Start(h SubscriptionHandler) error {
	if err := m.lc.Starting(h); err != nil {
		return err
	}
	if err := m.lc.Opened(); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.loop()

	return nil
}

func (m *memTransport) Stop() {
	if !m.lc.IsActive() {
		return
	}

	close(m.quit)
	m.wg.Wait()
	m.lc.Closed(NormalClose())
}

func (m *memTransport) IsRunning() bool {
	return m.lc.IsRunning()
}

func (m *memTransport) loop() {
	defer m.wg.Done()

	for {
		select {
		case cmd := <-m.cmds:
			switch {
			case cmd.push != nil:
				m.pending = append(m.pending, cmd.push)
				m.flush()

			case cmd.drop:
				m.lc.Dropped()

			case cmd.reestablish:
				m.lc.Reestablished()
				m.flush()
			}
			close(cmd.done)

		case <-m.quit:
			return
		}
	}
}

func (m *memTransport) flush() {
	for len(m.pending) > 0 {
		err := m.lc.Deliver(
			m.from, m.pending[0], fn.None[*txproof.TxProof](),
		)
		if err != nil {
			return
		}
		m.pending = m.pending[1:]
	}
}

func (m *memTransport) send(t *testing.T, cmd transportCmd) {
	t.Helper()

	cmd.done = make(chan struct{})
	select {
	case m.cmds <- cmd:
	case <-time.After(testTimeout):
		t.Fatal("transport loop not responding")
	}
	<-cmd.done
}

// TestDroppedReestablishedOrdering drops a running listener, pushes a slate
// while it is down and checks that the slate is delivered exactly once after
// the listener is reestablished.
func TestDroppedReestablishedOrdering(t *testing.T) {
	t.Parallel()

	h := newRecordingHandler()
	tr := newMemTransport("mem")

	require.False(t, tr.IsRunning())
	require.NoError(t, tr.Start(h))
	require.True(t, tr.IsRunning())

	first := sendSlate(2, 1)
	tr.send(t, transportCmd{push: first})
	require.Equal(t, first.ID, (<-h.slates).ID)

	tr.send(t, transportCmd{drop: true})
	require.False(t, tr.IsRunning())
	require.Equal(t, StateDropped, tr.lc.State())

	// A second drop is swallowed.
	tr.send(t, transportCmd{drop: true})

	second := sendSlate(2, 1)
	tr.send(t, transportCmd{push: second})
	select {
	case s := <-h.slates:
		t.Fatalf("slate %v delivered while dropped", s.ID)
	default:
	}

	tr.send(t, transportCmd{reestablish: true})
	require.True(t, tr.IsRunning())
	require.Equal(t, second.ID, (<-h.slates).ID)

	tr.Stop()
	reason := <-h.closed
	require.True(t, reason.IsNormal())
	require.False(t, tr.IsRunning())

	// Stopping again doesn't close twice.
	tr.Stop()

	require.Equal(t, []string{
		"open", "slate", "dropped", "reestablished", "slate", "close",
	}, h.names())
}

// TestLifecycleTransitions checks the transitions that aren't allowed.
func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	h := newRecordingHandler()
	lc := NewLifecycle("test")

	require.Error(t, lc.Starting(nil))
	require.ErrorIs(t, lc.Opened(), ErrInvalidTransition)
	require.False(t, lc.Dropped())
	require.False(t, lc.Reestablished())

	err := lc.Deliver(testAddress(), sendSlate(2, 1),
		fn.None[*txproof.TxProof]())
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, lc.Starting(h))
	require.ErrorIs(t, lc.Starting(h), ErrAlreadyStarted)
	require.Equal(t, StateStarting, lc.State())
	require.False(t, lc.IsRunning())
	require.True(t, lc.IsActive())

	// Slates aren't delivered before the listener opened.
	err = lc.Deliver(testAddress(), sendSlate(2, 1),
		fn.None[*txproof.TxProof]())
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, lc.Opened())
	require.False(t, lc.Reestablished())
	require.True(t, lc.Dropped())

	cause := errors.New("auth failed")
	lc.Closed(AbnormalClose(cause))
	lc.Closed(NormalClose())

	reason := <-h.closed
	require.False(t, reason.IsNormal())
	require.ErrorIs(t, reason.Err(), cause)

	require.Equal(t, []string{"open", "dropped", "close"}, h.names())

	// The lifecycle can be started again once stopped.
	require.NoError(t, lc.Starting(newRecordingHandler()))
}

// TestCloseReason checks both variants of a close reason.
func TestCloseReason(t *testing.T) {
	t.Parallel()

	require.True(t, NormalClose().IsNormal())
	require.True(t, CloseReason{}.IsNormal())
	require.Equal(t, "normal", NormalClose().String())

	abnormal := AbnormalClose(errors.New("boom"))
	require.False(t, abnormal.IsNormal())
	require.Equal(t, "abnormal: boom", abnormal.String())

	require.False(t, AbnormalClose(nil).IsNormal())
}
