package webhook

import "fmt"

/* RetryStrategy selects the backoff function applied between delivery attempts
 * The strategy is copied onto each Delivery when it is created and never changes afterwards
 */
type RetryStrategy int

const (
	Exponential RetryStrategy = iota + 1
	Linear
	Fixed
)

// String returns the string representation of the retry strategy
func (s RetryStrategy) String() string {
	switch s {
	case Exponential:
		return "exponential"
	case Linear:
		return "linear"
	case Fixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// NewRetryStrategy creates a RetryStrategy from a string
func NewRetryStrategy(s string) RetryStrategy {
	switch s {
	case "exponential":
		return Exponential
	case "linear":
		return Linear
	case "fixed":
		return Fixed
	default:
		return Exponential // default to exponential, the gentlest on struggling endpoints
	}
}

// ParseRetryStrategy is the strict variant of NewRetryStrategy used for API input
func ParseRetryStrategy(s string) (RetryStrategy, error) {
	strategy := NewRetryStrategy(s)
	if s != "" && strategy.String() != s {
		return 0, fmt.Errorf("unsupported retry strategy: %q", s)
	}
	return strategy, nil
}

// Validate checks if the retry strategy is valid
func (s RetryStrategy) Validate() error {
	if s < Exponential || s > Fixed {
		return fmt.Errorf("invalid retry strategy: %d", s)
	}
	return nil
}
