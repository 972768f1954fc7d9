package call

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often the controller retries signaling operations.
// It is handed to every Inviter and Session the Manager creates.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries for one publish or subscribe.
	// Values below 1 mean a single attempt.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// OfferResendInterval and MaxOfferResends make a Caller re-publish its
	// local description while no answer has arrived. Zero disables resends.
	OfferResendInterval time.Duration
	MaxOfferResends     int
}

// DefaultRetryPolicy retries transport operations three times and re-sends an
// unanswered offer every three seconds for half a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		InitialInterval:     250 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		OfferResendInterval: 3 * time.Second,
		MaxOfferResends:     10,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, the attempts are used up or ctx ends.
// It returns the last error of op.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op(ctx)
	}, p.backOff(ctx))
}

func (p RetryPolicy) resendEnabled() bool {
	return p.OfferResendInterval > 0 && p.MaxOfferResends > 0
}
