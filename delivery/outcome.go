package delivery

/* Outcome classifies the result of exactly one HTTP call
 * Every attempt has exactly one outcome
 */
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeClientError
	OutcomeServerError
	OutcomeTimeout
	OutcomeNetworkError
)

// String returns the string representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeClientError:
		return "client_error"
	case OutcomeServerError:
		return "server_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNetworkError:
		return "network_error"
	default:
		return ""
	}
}

// NewOutcome creates an Outcome from a string, zero when unknown or empty
func NewOutcome(str string) Outcome {
	switch str {
	case "success":
		return OutcomeSuccess
	case "client_error":
		return OutcomeClientError
	case "server_error":
		return OutcomeServerError
	case "timeout":
		return OutcomeTimeout
	case "network_error":
		return OutcomeNetworkError
	default:
		return 0
	}
}

// ClassifyStatusCode maps an HTTP response status to an outcome
// Anything that is neither 2xx nor 5xx, redirects included, is a client error
func ClassifyStatusCode(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code >= 500:
		return OutcomeServerError
	default:
		return OutcomeClientError
	}
}

// Failures lists the outcomes that count as failed attempts
func Failures() []Outcome {
	return []Outcome{OutcomeClientError, OutcomeServerError, OutcomeTimeout, OutcomeNetworkError}
}
