package async

import "time"

// RetryPolicy computes the delay before a failed job becomes claimable again
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy starts at 30s and caps at one hour
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 30 * time.Second,
		MaxDelay:  time.Hour,
	}
}

// Delay returns BaseDelay * 2^retryCount, capped at MaxDelay.
// retryCount is the number of retries already consumed before this one.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}

	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
