// Package retry wraps cenkalti/backoff with the bounded exponential policy
// used for every inter-node step of a rebuild.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// Policy bounds an exponential retry loop.
type Policy struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	MaxRetries uint64        `mapstructure:"max_retries"`
}

// Default is used when a component is configured with a zero Policy.
var Default = Policy{Initial: 50 * time.Millisecond, Max: 2 * time.Second, MaxRetries: 8}

func (p Policy) orDefault() Policy {
	if p.Initial <= 0 {
		p.Initial = Default.Initial
	}
	if p.Max <= 0 {
		p.Max = Default.Max
	}
	return p
}

// BackOff builds a fresh backoff bound to ctx.
func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	p = p.orDefault()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

// Do runs op until it succeeds, returns a backoff.Permanent error, the
// retries are exhausted or ctx is done. Retries are logged at V(1).
func Do(ctx context.Context, p Policy, log logr.Logger, what string, op func() error) error {
	return backoff.RetryNotify(op, p.BackOff(ctx), func(err error, wait time.Duration) {
		log.V(1).Info("retrying", "op", what, "err", err.Error(), "wait", wait)
	})
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
