// Package client pays for x402-protected HTTP resources automatically.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoSupportedRequirements means the signer can pay none of the
	// challenge's requirements.
	ErrNoSupportedRequirements = errors.New("no supported payment requirements")

	// ErrBudgetExceeded means every payable requirement asks for more than MaxAmount.
	ErrBudgetExceeded = errors.New("payment exceeds budget")
)

// Signer produces signed payment payloads. *evm.KeySigner implements it.
type Signer interface {
	Supports(requirements *x402.PaymentRequirements) bool
	Sign(ctx context.Context, requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error)
}

// Transport is an http.RoundTripper that answers a 402 challenge by signing
// an authorization and retrying the request once with PAYMENT-SIGNATURE.
type Transport struct {
	// Base performs the requests. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	Signer Signer

	// MaxAmount caps what a single request may authorize, in atomic units.
	// Empty means no cap.
	MaxAmount string

	// Decimals of the paying asset, used only for log output. Defaults to 6.
	Decimals int

	Logger logrus.FieldLogger
}

// NewClient returns an http.Client that pays with signer.
func NewClient(signer Signer, maxAmount string, logger logrus.FieldLogger) *http.Client {
	return &http.Client{Transport: &Transport{Signer: signer, MaxAmount: maxAmount, Logger: logger}}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(x402.HeaderPaymentSignature) != "" {
		return t.base().RoundTrip(req)
	}

	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.base().RoundTrip(withBody(req, body))
	if err != nil || resp.StatusCode != http.StatusPaymentRequired {
		return resp, err
	}

	challenge, err := readChallenge(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment challenge: %w", err)
	}

	requirements, err := t.choose(challenge.Accepts)
	if err != nil {
		return nil, err
	}

	payload, err := t.Signer.Sign(req.Context(), requirements)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment: %w", err)
	}
	if challenge.Resource.URL != "" {
		payload.Resource = &challenge.Resource
	}

	header, err := x402.EncodePaymentPayload(payload)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"url":     req.URL.String(),
		"scheme":  requirements.Scheme,
		"network": requirements.Network,
	}
	if formatted, err := x402.FormatAmount(requirements.MaxAmount, t.decimals()); err == nil {
		fields["max"] = formatted
	}
	t.logger().WithFields(fields).Info("Paying for request")

	paid := withBody(req, body)
	paid.Header.Set(x402.HeaderPaymentSignature, header)

	return t.base().RoundTrip(paid)
}

// choose picks the first requirement the signer supports within budget.
func (t *Transport) choose(accepts []x402.PaymentRequirements) (*x402.PaymentRequirements, error) {
	var budget *decimal.Decimal
	if t.MaxAmount != "" {
		d, err := decimal.NewFromString(t.MaxAmount)
		if err != nil {
			return nil, fmt.Errorf("invalid MaxAmount %q: %w", t.MaxAmount, err)
		}
		budget = &d
	}

	supported := false
	for i := range accepts {
		r := &accepts[i]
		if !t.Signer.Supports(r) {
			continue
		}
		supported = true

		if budget != nil {
			amount, err := decimal.NewFromString(r.MaxAmount)
			if err != nil || amount.GreaterThan(*budget) {
				continue
			}
		}
		return r, nil
	}

	if supported {
		return nil, ErrBudgetExceeded
	}
	return nil, ErrNoSupportedRequirements
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() logrus.FieldLogger {
	if t.Logger != nil {
		return t.Logger
	}
	return logrus.StandardLogger()
}

func (t *Transport) decimals() int {
	if t.Decimals > 0 {
		return t.Decimals
	}
	return x402.DefaultTokenDecimals
}

// snapshotBody reads the request body so it can be sent twice.
func snapshotBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return body, nil
}

func withBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body == nil {
		clone.Body = nil
		clone.ContentLength = 0
		return clone
	}
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	clone.ContentLength = int64(len(body))
	return clone
}

func readChallenge(resp *http.Response) (*x402.PaymentRequired, error) {
	defer resp.Body.Close()
	return x402.ReadPaymentRequired(resp)
}

// Receipt decodes the settlement receipt of a paid response.
func Receipt(resp *http.Response) (*x402.PaymentResponse, error) {
	if header := resp.Header.Get(x402.HeaderPaymentResponse); header != "" {
		return x402.DecodePaymentResponse(header)
	}
	if header := resp.Header.Get(x402.HeaderLegacyPaymentResponse); header != "" {
		return x402.DecodePaymentResponse(header)
	}
	return nil, fmt.Errorf("response carries no payment receipt")
}
