package swcfg

import (
	"fmt"
	"time"

	"github.com/slatewire/slatewire/broker"
)

// Broker configures the controllers and the reconnect policy of the
// listeners.
//
//nolint:lll
type Broker struct {
	PublishAttempts int           `long:"publishattempts" description:"Number of times a processed slate is offered to the publisher."`
	PublishTimeout  time.Duration `long:"publishtimeout" description:"Timeout of a single publish attempt."`
	VerifyProofs    bool          `long:"verifyproofs" description:"Verify payment proofs attached to inbound slates."`

	Retry broker.RetryPolicy `group:"retry" namespace:"retry"`
}

// DefaultBroker returns the default broker config.
func DefaultBroker() *Broker {
	return &Broker{
		PublishAttempts: broker.DefaultPublishAttempts,
		PublishTimeout:  broker.DefaultPublishTimeout,
		VerifyProofs:    true,
		Retry:           broker.DefaultRetryPolicy(),
	}
}

// Validate checks the broker config.
//
// NOTE: This is part of the Validator interface.
func (b *Broker) Validate() error {
	switch {
	case b.PublishAttempts < 1:
		return fmt.Errorf("broker.publishattempts must be at least 1")

	case b.PublishTimeout <= 0:
		return fmt.Errorf("broker.publishtimeout must be positive")

	case b.Retry.MinBackoff <= 0 || b.Retry.MaxBackoff < b.Retry.MinBackoff:
		return fmt.Errorf("broker.retry backoff must satisfy 0 < " +
			"minbackoff <= maxbackoff")

	case b.Retry.MaxPermanentFailures < 1:
		return fmt.Errorf("broker.retry.maxpermanentfailures must be " +
			"at least 1")
	}

	return nil
}
