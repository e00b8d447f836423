package facilitator

import (
	"encoding/json"
	"fmt"

	x402 "github.com/becomeliminal/x402-upto"
)

// Facilitator HTTP endpoints.
const (
	PathVerify      = "/verify"
	PathSettle      = "/settle"
	PathVerifyExact = "/verify-exact"
	PathSettleExact = "/settle-exact"
	PathSupported   = "/supported"
	PathHealth      = "/health"
)

// VerifyRequest is the body of POST /verify and /verify-exact.
type VerifyRequest struct {
	Payload      *x402.PaymentPayload      `json:"payload"`
	Requirements *x402.PaymentRequirements `json:"requirements"`
}

// SettleRequest is the body of POST /settle and /settle-exact. The exact
// endpoint ignores SettlementAmount.
type SettleRequest struct {
	Payload          *x402.PaymentPayload      `json:"payload"`
	Requirements     *x402.PaymentRequirements `json:"requirements"`
	SettlementAmount string                    `json:"settlementAmount,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusError is a non-2xx facilitator response. 5xx errors match
// x402.ErrFacilitatorUnavailable.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("facilitator returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code >= 500 {
		return x402.ErrFacilitatorUnavailable
	}
	return nil
}

// parseVerifyRequest decodes and shape-checks a verify body for scheme.
func parseVerifyRequest(body []byte, scheme x402.Scheme) (*VerifyRequest, error) {
	var req VerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeMalformedPayload, "invalid JSON body", err)
	}
	if err := checkPair(req.Payload, req.Requirements, scheme); err != nil {
		return nil, err
	}
	return &req, nil
}

// parseSettleRequest decodes and shape-checks a settle body for scheme. The
// upto scheme requires a settlement amount.
func parseSettleRequest(body []byte, scheme x402.Scheme) (*SettleRequest, error) {
	var req SettleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeMalformedPayload, "invalid JSON body", err)
	}
	if err := checkPair(req.Payload, req.Requirements, scheme); err != nil {
		return nil, err
	}
	if scheme == x402.SchemeUpto && req.SettlementAmount == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeMalformedPayload, "settlementAmount is required", nil)
	}
	return &req, nil
}

func checkPair(payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, scheme x402.Scheme) error {
	if payload == nil {
		return x402.NewPaymentError(x402.ErrCodeMalformedPayload, "payload is required", nil)
	}
	if requirements == nil {
		return x402.NewPaymentError(x402.ErrCodeMalformedPayload, "requirements is required", nil)
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	if err := requirements.Validate(); err != nil {
		return err
	}
	if requirements.Scheme != scheme {
		return x402.NewPaymentError(x402.ErrCodeMalformedPayload,
			fmt.Sprintf("requirements scheme %q does not match endpoint scheme %q", requirements.Scheme, scheme), nil)
	}
	return nil
}
