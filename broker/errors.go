package broker

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind classifies the failures of slate processing.
type ErrorKind uint8

const (
	// KindProtocolViolation is a slate that breaks the participant
	// invariants. Processing of that slate stops, the listener continues.
	KindProtocolViolation ErrorKind = iota

	// KindUnsupportedOperation is a slate that asks for a protocol
	// variant that isn't implemented, such as an invoice.
	KindUnsupportedOperation

	// KindTransport is a failure to send or receive over the network.
	KindTransport

	// KindCapability is a failure reported by the receive or finalize
	// logic of the wallet.
	KindCapability
)

var (
	// ErrProtocolViolation matches every error of kind
	// KindProtocolViolation.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnsupportedOperation matches every error of kind
	// KindUnsupportedOperation.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrTransport matches every error of kind KindTransport.
	ErrTransport = errors.New("transport error")

	// ErrCapability matches every error of kind KindCapability.
	ErrCapability = errors.New("capability error")

	// ErrInvoiceUnsupported is the cause reported for slates without
	// inputs.
	ErrInvoiceUnsupported = errors.New("invoice slates are not supported")
)

// String returns the name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindUnsupportedOperation:
		return "UnsupportedOperation"
	case KindTransport:
		return "TransportError"
	case KindCapability:
		return "CapabilityError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindProtocolViolation:
		return ErrProtocolViolation
	case KindUnsupportedOperation:
		return ErrUnsupportedOperation
	case KindTransport:
		return ErrTransport
	case KindCapability:
		return ErrCapability
	default:
		return nil
	}
}

// Error is a classified failure to process one slate.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// SlateID is the slate being processed.
	SlateID uuid.UUID

	// Err is the underlying cause.
	Err error
}

// NewError returns an error of the kind for the slate.
func NewError(kind ErrorKind, slateID uuid.UUID, err error) *Error {
	return &Error{
		Kind:    kind,
		SlateID: slateID,
		Err:     err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%v processing slate %v: %v", e.Kind, e.SlateID,
		e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the kind, so that
// errors.Is(err, ErrTransport) holds for every transport error.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the kind of a classified error anywhere in the chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return 0, false
}

// permanentError marks a transport failure that retrying can't fix.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return p.err.Error()
}

func (p *permanentError) Unwrap() error {
	return p.err
}

// Permanent marks err as a failure that must not be retried, such as an
// authentication failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent returns true if err was marked by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
