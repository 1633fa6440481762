package broker

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultMinBackoff is the first delay before a retry.
	DefaultMinBackoff = time.Second

	// DefaultMaxBackoff caps the delay between retries.
	DefaultMaxBackoff = time.Minute

	// DefaultMaxPermanentFailures is the number of consecutive permanent
	// failures a listener tolerates before it gives up.
	DefaultMaxPermanentFailures = 3
)

// RetryPolicy decides how long to wait between attempts and when to stop.
// Transient failures are retried forever with a truncated exponential
// backoff. Failures marked Permanent are retried at most
// MaxPermanentFailures times in a row.
type RetryPolicy struct {
	// MinBackoff is the delay before the first retry.
	MinBackoff time.Duration `long:"minbackoff" description:"Delay before the first retry"`

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `long:"maxbackoff" description:"Maximum delay between retries"`

	// MaxPermanentFailures is the number of consecutive permanent
	// failures after which the caller gives up.
	MaxPermanentFailures int `long:"maxpermanentfailures" description:"Consecutive permanent failures before a listener gives up"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MinBackoff:           DefaultMinBackoff,
		MaxBackoff:           DefaultMaxBackoff,
		MaxPermanentFailures: DefaultMaxPermanentFailures,
	}
}

// Backoff returns the delay before retry number attempt, counting from zero.
func (r RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := r.MinBackoff
	if backoff <= 0 {
		backoff = DefaultMinBackoff
	}
	maxBackoff := r.MaxBackoff
	if maxBackoff < backoff {
		maxBackoff = backoff
	}

	for i := 0; i < attempt && backoff < maxBackoff; i++ {
		backoff = NextBackoff(backoff, maxBackoff)
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	return backoff
}

// GiveUp returns true once the number of consecutive permanent failures
// reaches the limit. Transient failures never give up.
func (r RetryPolicy) GiveUp(err error, permanentFailures int) bool {
	if !IsPermanent(err) {
		return false
	}

	return permanentFailures >= r.MaxPermanentFailures
}

// Wait blocks for the backoff of the attempt or until ctx is done. It returns
// false if ctx was done first.
func (r RetryPolicy) Wait(ctx context.Context, clk clock.Clock,
	attempt int) bool {

	select {
	case <-clk.TickAfter(r.Backoff(attempt)):
		return true

	case <-ctx.Done():
		return false
	}
}

// NextBackoff uses a truncated exponential backoff to compute the next
// backoff from the current one. The returned duration is randomized in either
// direction by 1/20 so listeners of many wallets don't reconnect in lockstep.
func NextBackoff(currBackoff, maxBackoff time.Duration) time.Duration {
	// Double the current backoff, truncating if it exceeds our maximum.
	nextBackoff := 2 * currBackoff
	if nextBackoff > maxBackoff {
		nextBackoff = maxBackoff
	}

	margin := nextBackoff / 10
	if margin <= 0 {
		return nextBackoff
	}

	wiggle, err := rand.Int(rand.Reader, big.NewInt(int64(margin)))
	if err != nil {
		return nextBackoff
	}

	return nextBackoff + (time.Duration(wiggle.Int64()) - margin/2)
}
