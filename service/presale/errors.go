package presale

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid purchase input")
	ErrNoEndpointAvailable = errors.New("no RPC endpoint available")
	ErrZeroQuantity        = errors.New("token quantity must be greater than zero")
	ErrSubmissionExhausted = errors.New("transaction submission exhausted all fee tiers")
	ErrTransactionReverted = errors.New("transaction reverted on chain")
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
)

// Code returns the taxonomy name for err, or "internal" if it is not one of
// the orchestrator's errors.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNoEndpointAvailable):
		return "no_endpoint_available"
	case errors.Is(err, ErrZeroQuantity):
		return "zero_quantity"
	case errors.Is(err, ErrSubmissionExhausted):
		return "submission_exhausted"
	case errors.Is(err, ErrTransactionReverted):
		return "transaction_reverted"
	case errors.Is(err, ErrConfirmationTimeout):
		return "confirmation_timeout"
	default:
		return "internal"
	}
}
