package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

var (
	decimalInteger = regexp.MustCompile(`^[0-9]+$`)
	hexAddress     = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	hexBytes       = regexp.MustCompile(`^0x([0-9a-fA-F]{2})*$`)
)

// EncodePaymentPayload encodes a PaymentPayload to base64 JSON for the PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	return encodeHeader(payload)
}

// DecodePaymentPayload decodes a PAYMENT-SIGNATURE (or X-PAYMENT) header value.
// Only the shape is checked; business rules belong to verification. Every
// failure matches ErrMalformedPayload.
func DecodePaymentPayload(header string) (*PaymentPayload, error) {
	payloadBytes, err := decodeBase64(header)
	if err != nil {
		return nil, err
	}

	var head struct {
		X402Version int             `json:"x402Version"`
		Accepted    json.RawMessage `json:"accepted"`
		Scheme      Scheme          `json:"scheme"`
	}
	if err := json.Unmarshal(payloadBytes, &head); err != nil {
		return nil, malformed("failed to parse JSON: %v", err)
	}

	if head.Accepted == nil && head.Scheme != "" {
		return decodeLegacyPayment(payloadBytes)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, malformed("failed to parse JSON: %v", err)
	}

	if err := payload.Validate(); err != nil {
		return nil, err
	}

	return &payload, nil
}

// Validate checks the shape of a decoded payload. It does not check the
// signature or any business rule.
func (p *PaymentPayload) Validate() error {
	if p.X402Version < 1 {
		return malformed("x402Version is required")
	}
	if err := p.Accepted.Validate(); err != nil {
		return err
	}
	return validateSignedPayloadShape(&p.Payload)
}

// Validate checks the shape of payment requirements.
func (r *PaymentRequirements) Validate() error {
	return validateRequirementsShape(r)
}

// decodeLegacyPayment decodes a V1 envelope. The accepted requirements carry
// only scheme and network; the orchestrator completes them from the matched route.
func decodeLegacyPayment(payloadBytes []byte) (*PaymentPayload, error) {
	var legacy LegacyPayment
	if err := json.Unmarshal(payloadBytes, &legacy); err != nil {
		return nil, malformed("failed to parse legacy JSON: %v", err)
	}

	if legacy.X402Version == 0 {
		return nil, malformed("x402Version is required")
	}
	if legacy.Scheme == "" {
		return nil, malformed("scheme is required")
	}
	if legacy.Network == "" {
		return nil, malformed("network is required")
	}
	if err := validateSignedPayloadShape(&legacy.Payload); err != nil {
		return nil, err
	}

	return &PaymentPayload{
		X402Version: legacy.X402Version,
		Accepted: PaymentRequirements{
			Scheme:  legacy.Scheme,
			Network: legacy.Network,
		},
		Payload: legacy.Payload,
	}, nil
}

// EncodePaymentRequired encodes a challenge for the PAYMENT-REQUIRED header.
func EncodePaymentRequired(challenge *PaymentRequired) (string, error) {
	return encodeHeader(challenge)
}

// DecodePaymentRequired decodes a PAYMENT-REQUIRED header value.
func DecodePaymentRequired(header string) (*PaymentRequired, error) {
	jsonBytes, err := decodeBase64(header)
	if err != nil {
		return nil, err
	}

	var challenge PaymentRequired
	if err := json.Unmarshal(jsonBytes, &challenge); err != nil {
		return nil, malformed("failed to parse JSON: %v", err)
	}
	if len(challenge.Accepts) == 0 {
		return nil, malformed("accepts is required")
	}
	for i := range challenge.Accepts {
		if err := validateRequirementsShape(&challenge.Accepts[i]); err != nil {
			return nil, err
		}
	}

	return &challenge, nil
}

// EncodePaymentResponse encodes a PaymentResponse for the PAYMENT-RESPONSE header.
func EncodePaymentResponse(response *PaymentResponse) (string, error) {
	return encodeHeader(response)
}

// DecodePaymentResponse decodes a PAYMENT-RESPONSE header.
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	responseBytes, err := decodeBase64(header)
	if err != nil {
		return nil, err
	}

	var response PaymentResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, malformed("failed to parse JSON: %v", err)
	}

	return &response, nil
}

// ReadPaymentRequired extracts the challenge from a 402 response, preferring
// the PAYMENT-REQUIRED header and falling back to the body.
func ReadPaymentRequired(resp *http.Response) (*PaymentRequired, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		if challenge, err := DecodePaymentRequired(header); err == nil {
			return challenge, nil
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var challenge PaymentRequired
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, malformed("failed to parse payment requirements: %v", err)
	}
	if len(challenge.Accepts) == 0 {
		return nil, malformed("accepts is required")
	}

	return &challenge, nil
}

func encodeHeader(v interface{}) (string, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

func decodeBase64(header string) ([]byte, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, malformed("empty header value")
	}
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, malformed("failed to decode base64: %v", err)
	}
	return decoded, nil
}

func validateRequirementsShape(r *PaymentRequirements) error {
	if !r.Scheme.Valid() {
		return malformed("unknown scheme %q", r.Scheme)
	}
	if r.Network == "" {
		return malformed("network is required")
	}
	if !hexAddress.MatchString(r.Asset) {
		return malformed("asset must be a hex address")
	}
	if !decimalInteger.MatchString(r.MaxAmount) {
		return malformed("maxAmount must be a decimal integer string")
	}
	if !hexAddress.MatchString(r.PayTo) {
		return malformed("payTo must be a hex address")
	}
	return nil
}

func validateSignedPayloadShape(p *SignedPayload) error {
	if !hexBytes.MatchString(p.Signature) || len(p.Signature) <= 2 {
		return malformed("signature must be non-empty 0x-prefixed hex")
	}

	auth := &p.Authorization
	addresses := []struct{ name, value string }{
		{"authorization.from", auth.From},
		{"authorization.permitted.token", auth.Permitted.Token},
		{"authorization.spender", auth.Spender},
		{"authorization.witness.to", auth.Witness.To},
	}
	for _, a := range addresses {
		if !hexAddress.MatchString(a.value) {
			return malformed("%s must be a hex address", a.name)
		}
	}

	integers := []struct{ name, value string }{
		{"authorization.permitted.amount", auth.Permitted.Amount},
		{"authorization.nonce", auth.Nonce},
		{"authorization.deadline", auth.Deadline},
		{"authorization.witness.validAfter", auth.Witness.ValidAfter},
	}
	for _, n := range integers {
		if !decimalInteger.MatchString(n.value) {
			return malformed("%s must be a decimal integer string", n.name)
		}
	}

	if !hexBytes.MatchString(auth.Witness.Extra) {
		return malformed("authorization.witness.extra must be 0x-prefixed hex")
	}

	return nil
}
