package appstore

import "fmt"

// App Store verifyReceipt status codes.
const (
	StatusOK                  = 0
	StatusUnreadableJSON      = 21000
	StatusMalformedData       = 21002
	StatusNotAuthenticated    = 21003
	StatusSecretMismatch      = 21004
	StatusServerUnavailable   = 21005
	StatusSubscriptionExpired = 21006
	StatusSandboxReceipt      = 21007
	StatusProductionReceipt   = 21008
	StatusInternalError       = 21009
	StatusNotAuthorized       = 21010
)

// Outcome is how a status code is handled.
type Outcome int

// Status outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeFatal
	OutcomeTransient
	OutcomeNoPurchases
	OutcomeRetrySandbox
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFatal:
		return "fatal"
	case OutcomeTransient:
		return "transient"
	case OutcomeNoPurchases:
		return "no_purchases"
	case OutcomeRetrySandbox:
		return "retry_sandbox"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps a status returned by env's endpoint to its outcome.
func Classify(status int, env Environment) Outcome {
	switch {
	case status == StatusOK:
		return OutcomeSuccess
	case status == StatusUnreadableJSON,
		status == StatusMalformedData,
		status == StatusNotAuthenticated,
		status == StatusSecretMismatch,
		status == StatusSubscriptionExpired,
		status == StatusProductionReceipt:
		return OutcomeFatal
	case status == StatusServerUnavailable, status == StatusInternalError:
		return OutcomeTransient
	case status == StatusSandboxReceipt:
		if env == Production {
			return OutcomeRetrySandbox
		}
		return OutcomeFatal
	case status == StatusNotAuthorized:
		return OutcomeNoPurchases
	case status >= 21100 && status <= 21199:
		return OutcomeTransient
	default:
		return OutcomeTransient
	}
}

func statusMessage(status int) string {
	switch {
	case status == StatusUnreadableJSON:
		return "unable to read payload"
	case status == StatusMalformedData:
		return "malformed receipt-data"
	case status == StatusNotAuthenticated:
		return "receipt is from an unknown source"
	case status == StatusSecretMismatch:
		return "the shared secret does not match the one on file"
	case status == StatusServerUnavailable:
		return "receipt server unavailable"
	case status == StatusSubscriptionExpired:
		return "inactive subscription"
	case status == StatusSandboxReceipt:
		return "sandbox receipt rejected by the sandbox"
	case status == StatusProductionReceipt:
		return "production receipt sent to the sandbox"
	case status == StatusInternalError:
		return "internal apple error"
	case status == StatusNotAuthorized:
		return "the receipt could not be authorized"
	case status >= 21100 && status <= 21199:
		return "internal data access error"
	default:
		return fmt.Sprintf("unknown status code %d", status)
	}
}
