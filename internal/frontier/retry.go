package frontier

import (
	"errors"
	"time"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// Retry defaults.
const (
	DefaultRetryCount    = 3
	DefaultMaxRetryCount = 10
	DefaultRetryDelay    = 10 * time.Second
	DefaultMinRetryDelay = time.Second
)

// RetryPolicy decides whether a failed fetch is attempted again.
type RetryPolicy struct {
	// Count applies to plain I/O failures and to retryable failures that
	// carry no suggestion.
	Count    int
	MaxCount int
	Delay    time.Duration
	MinDelay time.Duration
}

// DefaultRetryPolicy returns the stock policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Count:    DefaultRetryCount,
		MaxCount: DefaultMaxRetryCount,
		Delay:    DefaultRetryDelay,
		MinDelay: DefaultMinRetryDelay,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxCount <= 0 {
		p.MaxCount = DefaultMaxRetryCount
	}
	if p.Count <= 0 {
		p.Count = DefaultRetryCount
	}
	if p.Count > p.MaxCount {
		p.Count = p.MaxCount
	}
	if p.MinDelay <= 0 {
		p.MinDelay = DefaultMinRetryDelay
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryDelay
	}
	if p.Delay < p.MinDelay {
		p.Delay = p.MinDelay
	}
	return p
}

// Retries returns how many retries err allows and the pause before each.
// Zero means the failure is final.
func (p RetryPolicy) Retries(err error) (int, time.Duration) {
	p = p.withDefaults()
	switch crawler.KindOf(err) {
	case crawler.KindIO:
		return p.Count, p.Delay
	case crawler.KindRetryable:
		count, delay := p.Count, p.Delay
		var fe *crawler.FetchError
		if errors.As(err, &fe) {
			if fe.RetryCount > 0 {
				count = fe.RetryCount
			}
			if fe.RetryDelay > 0 {
				delay = fe.RetryDelay
			}
		}
		if count > p.MaxCount {
			count = p.MaxCount
		}
		if delay < p.MinDelay {
			delay = p.MinDelay
		}
		return count, delay
	default:
		return 0, 0
	}
}

// ShouldRetry reports whether another attempt is due after failures
// consecutive failures ending with err, and how long to wait first.
func (p RetryPolicy) ShouldRetry(err error, failures int) (bool, time.Duration) {
	count, delay := p.Retries(err)
	if failures > count {
		return false, 0
	}
	return true, delay
}
