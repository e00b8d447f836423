package x402

import (
	"context"
	"time"
)

// ProtocolVersion is the x402 version written into challenges and payloads.
const ProtocolVersion = 2

// Scheme identifies how a payment authorization is settled.
type Scheme string

const (
	// SchemeUpto is the metered scheme: settlement may be for any amount up to
	// the authorized amount, decided after the resource has executed.
	SchemeUpto Scheme = "upto"

	// SchemeExact is the fixed scheme: settlement is always the full authorized amount.
	SchemeExact Scheme = "exact"
)

// Valid reports whether s is a known scheme.
func (s Scheme) Valid() bool {
	return s == SchemeUpto || s == SchemeExact
}

// PaymentRequirements describes what payment is accepted for a resource.
// Uses CAIP-2 network identifiers (e.g., "eip155:8453").
type PaymentRequirements struct {
	Scheme            Scheme            `json:"scheme"`
	Network           string            `json:"network"`   // CAIP-2: "eip155:8453"
	Asset             string            `json:"asset"`     // token contract address
	MaxAmount         string            `json:"maxAmount"` // atomic units
	PayTo             string            `json:"payTo"`     // recipient address
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// TokenPermissions is the token and amount a payer permits to be pulled.
type TokenPermissions struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// Witness is the payee-binding data covered by the payer's signature.
type Witness struct {
	To         string `json:"to"`
	ValidAfter string `json:"validAfter"` // unix seconds
	Extra      string `json:"extra"`      // 0x-prefixed hex bytes
}

// Authorization is the payer-signed permit. All integers are decimal strings.
type Authorization struct {
	From      string           `json:"from"`
	Permitted TokenPermissions `json:"permitted"`
	Spender   string           `json:"spender"`
	Nonce     string           `json:"nonce"`    // 256-bit random, single use
	Deadline  string           `json:"deadline"` // unix seconds
	Witness   Witness          `json:"witness"`
}

// SignedPayload is an authorization plus the payer's typed-data signature over it.
type SignedPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// ResourceInfo describes the resource being paid for.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentPayload is the envelope carried in the PAYMENT-SIGNATURE header: the
// signed payload together with the requirements the client accepted.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Resource    *ResourceInfo       `json:"resource,omitempty"`
	Accepted    PaymentRequirements `json:"accepted"`
	Payload     SignedPayload       `json:"payload"`
}

// PaymentRequired is the 402 challenge, sent as body and PAYMENT-REQUIRED header.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    ResourceInfo          `json:"resource"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// InvalidPaymentBody is returned when a presented payment is rejected. It carries
// the rejection reason next to a fresh challenge so the client can react.
type InvalidPaymentBody struct {
	PaymentRequired
	Reason string `json:"reason"`
}

// ErrorBody is the body of protocol errors (malformed payloads, server misconfiguration).
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// VerifyResult is the outcome of verification: valid with a payer, or invalid with a reason.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// Valid builds a successful VerifyResult.
func Valid(payer string) *VerifyResult {
	return &VerifyResult{IsValid: true, Payer: payer}
}

// Invalid builds a rejected VerifyResult.
func Invalid(reason string) *VerifyResult {
	return &VerifyResult{IsValid: false, InvalidReason: reason}
}

// SettleResult is the outcome of settlement: settled with a transaction and
// amount, or failed with a reason. A failed result may still carry a
// transaction reference (reverted transactions).
type SettleResult struct {
	Success       bool   `json:"success"`
	ErrorReason   string `json:"errorReason,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	Transaction   string `json:"transaction,omitempty"`
	Network       string `json:"network,omitempty"` // CAIP-2
	Payer         string `json:"payer,omitempty"`
	SettledAmount string `json:"settledAmount,omitempty"`
}

// Settled builds a successful SettleResult.
func Settled(tx, amount string) *SettleResult {
	return &SettleResult{Success: true, Transaction: tx, SettledAmount: amount}
}

// Failed builds a failed SettleResult.
func Failed(reason, message string) *SettleResult {
	return &SettleResult{Success: false, ErrorReason: reason, ErrorMessage: message}
}

// SupportedKind represents a supported scheme+network pair.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      Scheme `json:"scheme"`
	Network     string `json:"network"` // CAIP-2
}

// SupportedResponse is returned by the facilitator's supported endpoint.
type SupportedResponse struct {
	Kinds   []SupportedKind   `json:"kinds"`
	Signers map[string]string `json:"signers"` // CAIP-2 network -> facilitator address
}

// PaymentResponse is sent in the PAYMENT-RESPONSE header.
type PaymentResponse struct {
	Success       bool   `json:"success"`
	Transaction   string `json:"transaction,omitempty"`
	Network       string `json:"network,omitempty"` // CAIP-2
	Payer         string `json:"payer,omitempty"`
	SettledAmount string `json:"settledAmount,omitempty"`
	Pending       bool   `json:"pending,omitempty"`
}

// SettlementIntent is written before a settlement is attempted so an
// interrupted settlement can be reconciled later. Intents are never mutated.
type SettlementIntent struct {
	ID               string              `json:"id"`
	Payload          PaymentPayload      `json:"payload"`
	Requirements     PaymentRequirements `json:"requirements"`
	SettlementAmount string              `json:"settlementAmount"`
	Scheme           Scheme              `json:"scheme"`
	CreatedAt        time.Time           `json:"createdAt"`
}

// IntentStore durably records settlement intents.
type IntentStore interface {
	Record(ctx context.Context, intent *SettlementIntent) error
}

// Facilitator verifies and settles payments. The local EVM engine and the
// remote facilitator client both implement it.
type Facilitator interface {
	// Verify checks a payment without any ledger write.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResult, error)

	// Settle executes the payment. For the upto scheme amount is the metered
	// amount; the exact scheme always settles the full authorized amount and
	// ignores it.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements, amount string) (*SettleResult, error)

	// Supported returns the supported scheme+network pairs.
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// PaymentContext contains payment information that can be extracted in handlers.
type PaymentContext struct {
	Verified     bool
	PayerAddress string
	MaxAmount    string
	Asset        string
	Scheme       Scheme
	Network      string // CAIP-2
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context.
	PaymentContextKey contextKey = "x402-payment"
)

// LegacyPayment represents a parsed V1 X-PAYMENT header.
type LegacyPayment struct {
	X402Version int           `json:"x402Version"`
	Scheme      Scheme        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     SignedPayload `json:"payload"`
}
