package replication

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/cloudcrr/cloudcrr/crr/gateway"
	"github.com/cloudcrr/cloudcrr/crr/util"
)

// RetryParams bounds one retry cycle around a gateway interaction.
type RetryParams struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxRetries          uint64
	Timeout             time.Duration
}

func DefaultRetryParams() RetryParams {
	return RetryParams{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.3,
		MaxRetries:          5,
		Timeout:             300 * time.Second,
	}
}

func RetryParamsFromConfig(config util.Configuration, prefix string) RetryParams {
	p := DefaultRetryParams()
	if v := config.GetInt(prefix + "max_retries"); v > 0 {
		p.MaxRetries = uint64(v)
	}
	if v := config.GetInt(prefix + "timeout_seconds"); v > 0 {
		p.Timeout = time.Duration(v) * time.Second
	}
	return p
}

// Operation is one retryable unit of work. Classify decides whether an
// attempt's error is retryable; OnRetry runs before the next attempt and
// may rebind gateway state, e.g. advance to the next destination host.
type Operation struct {
	Describe string
	Attempt  func() error
	Classify func(err error) bool
	OnRetry  func(err error)
}

// Retry runs op with exponential backoff until success, a terminal error,
// maxRetries, or the timeout, whichever comes first.
func (p RetryParams) Retry(ctx context.Context, op Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = p.Timeout

	classify := op.Classify
	if classify == nil {
		classify = gateway.IsRetryable
	}

	attempt := func() error {
		err := op.Attempt()
		if err == nil {
			return nil
		}
		if !classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		glog.V(1).Infof("retrying %s in %v: %v", op.Describe, wait, err)
		if op.OnRetry != nil {
			op.OnRetry(err)
		}
	}

	return backoff.RetryNotify(attempt,
		backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx), notify)
}
