package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/txproof"
)

const (
	// DefaultPublishAttempts is the number of times a processed slate is
	// offered to the publisher before the failure is reported.
	DefaultPublishAttempts = 3

	// DefaultPublishTimeout bounds a single publish attempt.
	DefaultPublishTimeout = 30 * time.Second
)

var (
	// ErrReceiverContract is returned when the receive logic returns a
	// slate that didn't grow by exactly one contribution.
	ErrReceiverContract = errors.New("receiver must add exactly one " +
		"participant contribution")

	// ErrProofMismatch is returned when the payment proof attached to a
	// slate doesn't belong to that slate or its sender.
	ErrProofMismatch = errors.New("payment proof doesn't match slate")
)

// Receiver adds this wallet's contribution to a slate that still needs
// contributions.
type Receiver interface {
	// ReceiveTx returns a new slate with one more participant
	// contribution. The passed slate must not be modified.
	ReceiveTx(ctx context.Context, s *slate.Slate,
		addressHint fn.Option[string],
		messageHint fn.Option[string]) (*slate.Slate, error)
}

// Finalizer completes a slate that carries every contribution.
type Finalizer interface {
	// FinalizeTx validates the full participant set, completes the
	// transaction and returns its final form. Finalizing a slate that
	// was already finalized must fail without side effects.
	FinalizeTx(ctx context.Context, s *slate.Slate) (*slate.Slate, error)
}

// ControllerConfig holds the collaborators of a Controller.
type ControllerConfig struct {
	// Name identifies the listener the controller serves.
	Name string

	// Receiver adds contributions to incomplete slates.
	Receiver Receiver

	// Finalizer completes slates.
	Finalizer Finalizer

	// Publisher sends slates back to their sender.
	Publisher Publisher

	// Sink receives every event. It may be nil.
	Sink EventSink

	// Clock is used for event timestamps and retry waits. Defaults to
	// the system clock.
	Clock clock.Clock

	// PublishRetry spaces publish attempts.
	PublishRetry RetryPolicy

	// PublishAttempts is the number of publish attempts. Defaults to
	// DefaultPublishAttempts.
	PublishAttempts int

	// PublishTimeout bounds each publish attempt. Defaults to
	// DefaultPublishTimeout.
	PublishTimeout time.Duration

	// VerifyProofs enables verification of attached payment proofs.
	VerifyProofs bool
}

// Controller is the SubscriptionHandler that drives the slate exchange
// protocol for one listener. On every inbound slate it decides whether the
// slate needs this wallet's contribution or is ready to be finalized, and
// sends incomplete slates back to their sender.
//
// The controller keeps no state between slates. Access to shared wallet state
// is synchronized by the Receiver and Finalizer.
type Controller struct {
	cfg ControllerConfig
}

// A compile time check to ensure Controller implements the
// SubscriptionHandler interface.
var _ SubscriptionHandler = (*Controller)(nil)

// NewController creates a controller from the config.
func NewController(cfg *ControllerConfig) (*Controller, error) {
	switch {
	case cfg.Receiver == nil:
		return nil, fmt.Errorf("controller %v: receiver required",
			cfg.Name)

	case cfg.Finalizer == nil:
		return nil, fmt.Errorf("controller %v: finalizer required",
			cfg.Name)

	case cfg.Publisher == nil:
		return nil, fmt.Errorf("controller %v: publisher required",
			cfg.Name)
	}

	c := *cfg
	if c.Sink == nil {
		c.Sink = discardSink{}
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = DefaultPublishAttempts
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.PublishRetry == (RetryPolicy{}) {
		c.PublishRetry = DefaultRetryPolicy()
	}

	return &Controller{cfg: c}, nil
}

// Name returns the name of the listener the controller serves.
func (c *Controller) Name() string {
	return c.cfg.Name
}

// ProcessIncomingSlate applies one round of the protocol to s, which arrived
// from the given address. If the slate still needs contributions, the
// returned slate carries this wallet's contribution and finalized is false.
// If every participant has contributed, the slate is finalized and finalized
// is true. The passed slate is never modified. On error no slate is returned.
func (c *Controller) ProcessIncomingSlate(ctx context.Context,
	from address.Address, s *slate.Slate) (*slate.Slate, bool, error) {

	if err := s.Validate(); err != nil {
		return nil, false, NewError(KindProtocolViolation, s.ID, err)
	}

	contributions := len(s.ParticipantData)

	// Every participant has contributed, so all that's left is to
	// finalize.
	if contributions == int(s.NumParticipants) {
		final, err := c.cfg.Finalizer.FinalizeTx(ctx, s.Clone())
		if err != nil {
			return nil, false, classify(KindCapability, s.ID, err)
		}
		if final == nil {
			final = s.Clone()
		}

		return final, true, nil
	}

	// A slate without inputs asks us to pay rather than be paid.
	if s.IsInvoice() {
		return nil, false, NewError(
			KindUnsupportedOperation, s.ID, ErrInvoiceUnsupported,
		)
	}

	var addrHint fn.Option[string]
	if from != nil {
		addrHint = fn.Some(from.String())
	}

	next, err := c.cfg.Receiver.ReceiveTx(
		ctx, s.Clone(), addrHint, fn.None[string](),
	)
	if err != nil {
		return nil, false, classify(KindCapability, s.ID, err)
	}

	if next == nil || next.ID != s.ID ||
		len(next.ParticipantData) != contributions+1 {

		return nil, false, NewError(
			KindProtocolViolation, s.ID, ErrReceiverContract,
		)
	}

	return next, false, nil
}

// HandleSlate processes an inbound slate and, if it isn't finalized yet,
// publishes it back to its sender. Every outcome is reported to the event
// sink. The returned error is nil or a *Error.
func (c *Controller) HandleSlate(ctx context.Context, from address.Address,
	s *slate.Slate, proof fn.Option[*txproof.TxProof]) error {

	display := from.Stripped()

	kind := EventSlateReceived
	if int(s.NumParticipants) <= len(s.ParticipantData) {
		kind = EventSlateReceivedBack
		log.Infof("Slate %v received back from %v for %v coins",
			s.ID, display, s.AmountString())
	} else {
		log.Infof("Slate %v received from %v for %v coins", s.ID,
			display, s.AmountString())
	}
	log.Tracef("Slate %v contents: %v", s.ID, spewSlate(s))
	c.notify(kind, s, display, nil)

	if err := c.checkProof(from, s, proof); err != nil {
		return c.fail(s, display, err)
	}

	next, finalized, err := c.ProcessIncomingSlate(ctx, from, s)
	if err != nil {
		return c.fail(s, display, err)
	}

	if finalized {
		log.Infof("Slate %v finalized", s.ID)
		c.notify(EventFinalized, next, display, nil)

		return nil
	}

	c.notify(EventRoundCompleted, next, display, nil)

	if err := c.publish(ctx, next, from); err != nil {
		log.Errorf("Unable to send slate %v back to %v: %v", s.ID,
			display, err)
		c.notify(EventPublishFailed, next, display, err)

		return err
	}

	log.Infof("Slate %v sent back to %v", s.ID, display)
	c.notify(EventSlateSent, next, display, nil)

	return nil
}

// publish offers the slate to the publisher up to PublishAttempts times.
// Permanent failures aren't retried.
func (c *Controller) publish(ctx context.Context, s *slate.Slate,
	to address.Address) error {

	var err error
	for attempt := 0; attempt < c.cfg.PublishAttempts; attempt++ {
		if attempt > 0 {
			log.Debugf("Retrying publish of slate %v to %v "+
				"(attempt %d): %v", s.ID, to.Stripped(),
				attempt+1, err)

			if !c.cfg.PublishRetry.Wait(ctx, c.cfg.Clock, attempt-1) {
				break
			}
		}

		err = c.postOnce(ctx, s, to)
		if err == nil {
			return nil
		}

		if IsPermanent(err) {
			break
		}
	}

	return NewError(KindTransport, s.ID, err)
}

func (c *Controller) postOnce(ctx context.Context, s *slate.Slate,
	to address.Address) error {

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	return c.cfg.Publisher.PostSlate(ctx, s, to)
}

// checkProof verifies an attached payment proof against the slate and its
// sender.
func (c *Controller) checkProof(from address.Address, s *slate.Slate,
	proof fn.Option[*txproof.TxProof]) error {

	if !c.cfg.VerifyProofs {
		return nil
	}

	return fn.MapOptionZ(proof, func(p *txproof.TxProof) error {
		proven, err := p.Verify()
		if err != nil {
			return NewError(KindProtocolViolation, s.ID, err)
		}

		if proven.ID != s.ID || p.Sender != from.String() {
			return NewError(
				KindProtocolViolation, s.ID, ErrProofMismatch,
			)
		}

		return nil
	})
}

func (c *Controller) fail(s *slate.Slate, display string, err error) error {
	log.Errorf("Unable to process slate %v from %v: %v", s.ID, display,
		err)
	c.notify(EventProcessingFailed, s, display, err)

	return err
}

func (c *Controller) notify(kind EventKind, s *slate.Slate, display string,
	err error) {

	c.cfg.Sink.Notify(Event{
		Kind:      kind,
		Listener:  c.cfg.Name,
		SlateID:   s.ID,
		Address:   display,
		Amount:    s.Amount,
		Err:       err,
		Timestamp: c.cfg.Clock.Now(),
	})
}

func (c *Controller) notifyListener(kind EventKind, err error) {
	c.cfg.Sink.Notify(Event{
		Kind:      kind,
		Listener:  c.cfg.Name,
		Err:       err,
		Timestamp: c.cfg.Clock.Now(),
	})
}

// OnOpen reports that the listener connected.
//
// NOTE: This is part of the SubscriptionHandler interface.
func (c *Controller) OnOpen() {
	c.notifyListener(EventListenerOpened, nil)
}

// OnSlate processes an inbound slate. Failures are logged and reported to the
// event sink, and never stop the listener.
//
// NOTE: This is part of the SubscriptionHandler interface.
func (c *Controller) OnSlate(from address.Address, s *slate.Slate,
	proof fn.Option[*txproof.TxProof]) {

	_ = c.HandleSlate(context.Background(), from, s, proof)
}

// OnClose reports that the listener terminated.
//
// NOTE: This is part of the SubscriptionHandler interface.
func (c *Controller) OnClose(reason CloseReason) {
	c.notifyListener(EventListenerClosed, reason.Err())
}

// OnDropped reports that the listener lost its connection.
//
// NOTE: This is part of the SubscriptionHandler interface.
func (c *Controller) OnDropped() {
	c.notifyListener(EventListenerDropped, nil)
}

// OnReestablished reports that the listener reconnected.
//
// NOTE: This is part of the SubscriptionHandler interface.
func (c *Controller) OnReestablished() {
	c.notifyListener(EventListenerReestablished, nil)
}

// classify wraps err with the kind, unless it already carries one.
func classify(kind ErrorKind, id uuid.UUID, err error) error {
	if _, ok := KindOf(err); ok {
		return err
	}

	return NewError(kind, id, err)
}
