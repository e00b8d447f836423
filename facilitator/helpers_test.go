package facilitator

import (
	"context"

	x402 "github.com/becomeliminal/x402-upto"
)

const (
	testNetwork = "eip155:84532"
	testAsset   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo   = "0x1111111111111111111111111111111111111111"
	testPayer   = "0x2222222222222222222222222222222222222222"
	testSpender = "0x3333333333333333333333333333333333333333"
)

// MockFacilitator is a Func-field implementation of x402.Facilitator.
type MockFacilitator struct {
	VerifyFunc    func(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResult, error)
	SettleFunc    func(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, amount string) (*x402.SettleResult, error)
	SupportedFunc func(ctx context.Context) (*x402.SupportedResponse, error)
}

func (m *MockFacilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResult, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, payload, requirements)
	}
	return x402.Valid(testPayer), nil
}

func (m *MockFacilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, amount string) (*x402.SettleResult, error) {
	if m.SettleFunc != nil {
		return m.SettleFunc(ctx, payload, requirements, amount)
	}
	return x402.Settled("0xabc", amount), nil
}

func (m *MockFacilitator) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	if m.SupportedFunc != nil {
		return m.SupportedFunc(ctx)
	}
	return &x402.SupportedResponse{
		Kinds: []x402.SupportedKind{{X402Version: 2, Scheme: x402.SchemeUpto, Network: testNetwork}},
	}, nil
}

func testRequirements(scheme x402.Scheme) *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            scheme,
		Network:           testNetwork,
		Asset:             testAsset,
		MaxAmount:         "10000",
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 60,
	}
}

func testPayload(scheme x402.Scheme) *x402.PaymentPayload {
	return &x402.PaymentPayload{
		X402Version: 2,
		Accepted:    *testRequirements(scheme),
		Payload: x402.SignedPayload{
			Signature: "0xabcd",
			Authorization: x402.Authorization{
				From:      testPayer,
				Permitted: x402.TokenPermissions{Token: testAsset, Amount: "10000"},
				Spender:   testSpender,
				Nonce:     "12345",
				Deadline:  "1750000300",
				Witness: x402.Witness{
					To:         testPayTo,
					ValidAfter: "1749999940",
					Extra:      "0x",
				},
			},
		},
	}
}
