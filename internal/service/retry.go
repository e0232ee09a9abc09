package service

import (
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
)

// RetryPolicy decides whether a failed job is retried automatically and
// how long it waits first.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: queue.DefaultBackoffBase, Cap: queue.DefaultBackoffCap}
}

// Backoff returns min(Cap, Base * 2^retryCount): 2m, 4m, 5m for the defaults.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	return queue.ExponentialBackoff(p.Base, p.Cap)(retryCount)
}

// ShouldAutoRetry reports whether the processor should reschedule job after err.
// Stops and fatal data errors are never retried automatically.
func (p RetryPolicy) ShouldAutoRetry(job *model.Job, err error) bool {
	if err == nil || job == nil {
		return false
	}
	if appErrors.IsStopped(err) || appErrors.IsFatalData(err) {
		return false
	}
	return job.Status == model.JobStatusFailed && job.RetryCount < job.MaxRetries
}

// RetryPolicyFrom builds the policy from dispatch config.
func RetryPolicyFrom(cfg config.DispatchConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = cfg.MaxRetries
	if cfg.BackoffCap > 0 {
		p.Cap = cfg.BackoffCap
	}
	return p
}
