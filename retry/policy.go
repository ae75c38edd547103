// Package retry owns the passage of deliveries through the state machine over time.
package retry

import (
	"time"

	"github.com/marcelsud/webhook-redrive/webhook"
)

// Policy holds the global backoff parameters
// The strategy kind comes from each delivery
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultPolicy returns the default backoff parameters.
func DefaultPolicy() Policy {
	return Policy{
		Base: 1 * time.Second,
		Max:  1 * time.Hour,
	}
}

// Delay returns the wait before the attempt following attempt n (n >= 1)
//
//	exponential: base * 2^(n-1)
//	linear:      base * n
//	fixed:       base
//
// Exponential and linear delays are capped at Max.
func (p Policy) Delay(strategy webhook.RetryStrategy, n int) time.Duration {
	if n < 1 {
		n = 1
	}

	switch strategy {
	case webhook.Fixed:
		return p.Base
	case webhook.Linear:
		return p.cap(p.Base * time.Duration(n))
	default:
		delay := p.Base
		for i := 1; i < n; i++ {
			delay *= 2
			if p.Max > 0 && delay >= p.Max {
				return p.Max
			}
		}
		return p.cap(delay)
	}
}

func (p Policy) cap(d time.Duration) time.Duration {
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
