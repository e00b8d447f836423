package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Is matches any PaymentError with the same code, so sentinel PaymentErrors
// work with errors.Is.
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	return ok && t.Code == e.Code
}

// Error codes.
const (
	ErrCodeMalformedPayload   = "malformed_payload"
	ErrCodeInvalidConfig      = "invalid_config"
	ErrCodeAssetNotConfigured = "asset_not_configured"
	ErrCodeInvalidPrice       = "invalid_price"
)

// Verification reason codes, in the order the checks run.
const (
	ReasonInvalidSpender         = "invalid_spender"
	ReasonInvalidRecipient       = "invalid_recipient"
	ReasonInvalidAsset           = "invalid_asset"
	ReasonDeadlineExpired        = "deadline_expired"
	ReasonNotYetValid            = "not_yet_valid"
	ReasonInsufficientAuthorized = "insufficient_authorized_amount"
	ReasonInvalidSignature       = "invalid_signature"
	ReasonAllowanceRequired      = "permit_allowance_required"
	ReasonInsufficientBalance    = "insufficient_balance"

	ReasonInvalidPayload          = "invalid_payload"
	ReasonInvalidNetwork          = "invalid_network"
	ReasonInvalidScheme           = "invalid_scheme"
	ReasonNoMatchingRequirements  = "no_matching_requirements"
	ReasonUnsupportedNetwork      = "unsupported_network"
	ReasonVerificationUnavailable = "verification_unavailable"
)

// Settlement reason codes.
const (
	ReasonSettlementExceeds       = "settlement_exceeds_authorization"
	ReasonInvalidSettlementAmount = "invalid_settlement_amount"
	ReasonTamperedPayload         = "tampered_payload"
	ReasonTransactionReverted     = "transaction_reverted"
	ReasonSettlementFailed        = "settlement_failed"
)

var (
	// ErrMalformedPayload is matched by every decoding failure.
	ErrMalformedPayload = &PaymentError{Code: ErrCodeMalformedPayload, Message: "malformed payment payload"}

	// ErrFacilitatorUnavailable marks transport faults to a facilitator
	// (exhausted retries, open circuit). Orchestration maps it to 503.
	ErrFacilitatorUnavailable = errors.New("payment facilitator unavailable")
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func malformed(format string, args ...interface{}) *PaymentError {
	return &PaymentError{Code: ErrCodeMalformedPayload, Message: fmt.Sprintf(format, args...)}
}

// IsPaymentError checks if an error is a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
