package evm

import (
	"context"
	"math/big"
	"testing"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/ethereum/go-ethereum/common"
)

type addressedLedger struct {
	*fakeLedger
	address common.Address
}

func (l *addressedLedger) Address() common.Address { return l.address }

func TestNewFacilitator_Validation(t *testing.T) {
	tests := []struct {
		name  string
		chain *Chain
	}{
		{"no ledger", &Chain{Network: testNetwork, Contracts: testContracts}},
		{"bad network", &Chain{Network: "base", Contracts: testContracts, Ledger: newFakeLedger()}},
		{"chain id mismatch", &Chain{Network: testNetwork, ChainID: big.NewInt(1), Contracts: testContracts, Ledger: newFakeLedger()}},
		{"no proxies", &Chain{Network: testNetwork, Ledger: newFakeLedger()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFacilitator(nil, tt.chain); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := NewFacilitator(nil); err == nil {
		t.Error("expected error for no chains")
	}
}

func TestFacilitator_VerifyAndSettle(t *testing.T) {
	signer := newTestSigner(t)
	ledger := newFakeLedger()
	chain := newTestChain(t, ledger)

	f, err := NewFacilitator(nil, chain)
	if err != nil {
		t.Fatalf("NewFacilitator: %v", err)
	}
	f.engines[testNetwork].verifier.now = newTestVerifier(chain).now

	requirements := testRequirements(x402.SchemeUpto, "10000")
	payload := signPayload(t, signer, requirements, nil)

	verified, err := f.Verify(context.Background(), payload, requirements)
	if err != nil || !verified.IsValid {
		t.Fatalf("Verify = %+v, %v", verified, err)
	}

	settled, err := f.Settle(context.Background(), payload, requirements, "2500")
	if err != nil || !settled.Success {
		t.Fatalf("Settle = %+v, %v", settled, err)
	}
	if settled.SettledAmount != "2500" {
		t.Errorf("expected 2500 settled, got %s", settled.SettledAmount)
	}
}

func TestFacilitator_UnsupportedNetwork(t *testing.T) {
	signer := newTestSigner(t)
	f, err := NewFacilitator(nil, newTestChain(t, newFakeLedger()))
	if err != nil {
		t.Fatalf("NewFacilitator: %v", err)
	}

	requirements := testRequirements(x402.SchemeUpto, "10000")
	payload := signPayload(t, signer, requirements, nil)
	requirements.Network = "eip155:1"

	verified, err := f.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.InvalidReason != x402.ReasonUnsupportedNetwork {
		t.Errorf("expected %s, got %s", x402.ReasonUnsupportedNetwork, verified.InvalidReason)
	}

	settled, _ := f.Settle(context.Background(), payload, requirements, "1")
	if settled.Success || settled.ErrorReason != x402.ReasonUnsupportedNetwork {
		t.Errorf("expected %s, got %+v", x402.ReasonUnsupportedNetwork, settled)
	}
}

func TestFacilitator_Supported(t *testing.T) {
	facilitatorAddress := common.HexToAddress("0x00000000000000000000000000000000000000fa")
	base := &Chain{
		Network:   "eip155:8453",
		Contracts: Contracts{UptoProxy: testUptoProxy},
		Ledger:    &addressedLedger{fakeLedger: newFakeLedger(), address: facilitatorAddress},
	}

	f, err := NewFacilitator(nil, newTestChain(t, newFakeLedger()), base)
	if err != nil {
		t.Fatalf("NewFacilitator: %v", err)
	}

	supported, err := f.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported: %v", err)
	}

	want := []x402.SupportedKind{
		{X402Version: 2, Scheme: x402.SchemeUpto, Network: "eip155:8453"},
		{X402Version: 2, Scheme: x402.SchemeUpto, Network: testNetwork},
		{X402Version: 2, Scheme: x402.SchemeExact, Network: testNetwork},
	}
	if len(supported.Kinds) != len(want) {
		t.Fatalf("expected %d kinds, got %+v", len(want), supported.Kinds)
	}
	for i := range want {
		if supported.Kinds[i] != want[i] {
			t.Errorf("kind %d = %+v, want %+v", i, supported.Kinds[i], want[i])
		}
	}

	if supported.Signers["eip155:8453"] != facilitatorAddress.Hex() {
		t.Errorf("expected signer for base, got %v", supported.Signers)
	}
	if _, ok := supported.Signers[testNetwork]; ok {
		t.Error("expected no signer for a ledger without an address")
	}
}
