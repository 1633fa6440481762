package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/txproof"
)

var errAlreadyFinalized = errors.New("already finalized")

// mockWallet implements Receiver and Finalizer. It appends a contribution on
// receive and refuses to finalize the same slate twice.
type mockWallet struct {
	mu sync.Mutex

	id uint64

	receiveErr error
	finalErr   error

	received  int
	finalized map[uuid.UUID]int
}

func newMockWallet(id uint64) *mockWallet {
	return &mockWallet{
		id:        id,
		finalized: make(map[uuid.UUID]int),
	}
}

func (m *mockWallet) ReceiveTx(_ context.Context, s *slate.Slate,
	_ fn.Option[string], _ fn.Option[string]) (*slate.Slate, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	m.received++

	next := s.Clone()
	next.ParticipantData = append(next.ParticipantData,
		slate.ParticipantData{
			ID: uint64(len(s.ParticipantData)),
		},
	)

	return next, nil
}

func (m *mockWallet) FinalizeTx(_ context.Context,
	s *slate.Slate) (*slate.Slate, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalErr != nil {
		return nil, m.finalErr
	}
	if m.finalized[s.ID] > 0 {
		return nil, errAlreadyFinalized
	}
	m.finalized[s.ID]++

	final := s.Clone()
	final.Tx.Body.Kernels = []slate.Kernel{{Fee: s.Fee}}

	return final, nil
}

func (m *mockWallet) finalizeCalls(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.finalized[id]
}

type post struct {
	slate *slate.Slate
	to    address.Address
}

// mockPublisher records posts. The first failures posts fail with err.
type mockPublisher struct {
	mu sync.Mutex

	failures int
	err      error
	attempts int
	posts    []post
}

func (m *mockPublisher) PostSlate(_ context.Context, s *slate.Slate,
	to address.Address) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.failures > 0 {
		m.failures--
		return m.err
	}

	m.posts = append(m.posts, post{slate: s.Clone(), to: to})

	return nil
}

func (m *mockPublisher) sent() []post {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]post(nil), m.posts...)
}

// recordingSink collects events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *recordingSink) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}

	return kinds
}

func testAddress() address.Address {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}

	return address.NewRelayAddress(priv.PubKey(), "", 0)
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MinBackoff:           time.Millisecond,
		MaxBackoff:           2 * time.Millisecond,
		MaxPermanentFailures: 1,
	}
}

func newTestController(name string, w *mockWallet, p Publisher,
	sink EventSink) *Controller {

	c, err := NewController(&ControllerConfig{
		Name:         name,
		Receiver:     w,
		Finalizer:    w,
		Publisher:    p,
		Sink:         sink,
		PublishRetry: fastRetry(),
	})
	if err != nil {
		panic(err)
	}

	return c
}

// sendSlate returns a slate created by one party of an n-party transaction
// that carries its first contribution.
func sendSlate(n uint16, contributions int) *slate.Slate {
	s := slate.New(n, 2_000_000_000)
	s.Tx.Body.Inputs = []slate.Input{{Commit: slate.Commitment{0x08}}}
	for i := 0; i < contributions; i++ {
		s.ParticipantData = append(s.ParticipantData,
			slate.ParticipantData{ID: uint64(i)},
		)
	}

	return s
}

// handlerCall is one recorded SubscriptionHandler callback.
type handlerCall struct {
	name  string
	slate *slate.Slate
	err   error
}

// recordingHandler records every callback in order.
type recordingHandler struct {
	mu    sync.Mutex
	calls []handlerCall

	slates chan *slate.Slate
	closed chan CloseReason
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		slates: make(chan *slate.Slate, 16),
		closed: make(chan CloseReason, 1),
	}
}

func (r *recordingHandler) record(c handlerCall) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, c)
}

func (r *recordingHandler) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		names = append(names, c.name)
	}

	return names
}

func (r *recordingHandler) OnOpen() {
	r.record(handlerCall{name: "open"})
}

func (r *recordingHandler) OnSlate(_ address.Address, s *slate.Slate,
	_ fn.Option[*txproof.TxProof]) {

	r.record(handlerCall{name: "slate", slate: s})
	r.slates <- s
}

func (r *recordingHandler) OnClose(reason CloseReason) {
	r.record(handlerCall{name: "close", err: reason.Err()})
	r.closed <- reason
}

func (r *recordingHandler) OnDropped() {
	r.record(handlerCall{name: "dropped"})
}

func (r *recordingHandler) OnReestablished() {
	r.record(handlerCall{name: "reestablished"})
}

func addressOf(privKey *btcec.PrivateKey) address.Address {
	return address.NewRelayAddress(privKey.PubKey(), "", 0)
}
