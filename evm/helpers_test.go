package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testNetwork = "eip155:84532"
	testAsset   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

var (
	testUptoProxy  = common.HexToAddress("0x4020615294c913F045dc10f0a5cdEbd86c280001")
	testExactProxy = common.HexToAddress("0x4020615294c913F045dc10f0a5cdEbd86c280002")
	testContracts  = Contracts{UptoProxy: testUptoProxy, ExactProxy: testExactProxy}
	testNow        = time.Unix(1_750_000_000, 0)
)

type write struct {
	to   common.Address
	data []byte
}

// fakeLedger is an in-memory Ledger.
type fakeLedger struct {
	mu sync.Mutex

	allowance *big.Int
	balance   *big.Int
	readErr   error

	contractWallet bool

	writeErr error
	waitErr  error
	status   uint64
	writes   []write
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		allowance: new(big.Int).Set(maxUint256),
		balance:   big.NewInt(1_000_000_000),
		status:    types.ReceiptStatusSuccessful,
	}
}

func (l *fakeLedger) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if l.readErr != nil {
		return nil, l.readErr
	}
	return l.allowance, nil
}

func (l *fakeLedger) Balance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if l.readErr != nil {
		return nil, l.readErr
	}
	return l.balance, nil
}

func (l *fakeLedger) VerifySignature(ctx context.Context, signer common.Address, hash common.Hash, signature []byte) (bool, error) {
	if !l.contractWallet {
		return false, nil
	}
	return len(signature) > 0, nil
}

func (l *fakeLedger) Write(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return common.Hash{}, l.writeErr
	}
	l.writes = append(l.writes, write{to: to, data: data})
	return crypto.Keccak256Hash(data), nil
}

func (l *fakeLedger) WaitForConfirmation(ctx context.Context, tx common.Hash) (*types.Receipt, error) {
	if l.waitErr != nil {
		return nil, l.waitErr
	}
	return &types.Receipt{TxHash: tx, Status: l.status}, nil
}

func (l *fakeLedger) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

var errRPC = errors.New("rpc unavailable")

func newTestChain(t *testing.T, ledger Ledger) *Chain {
	t.Helper()
	chainID, err := ChainID(testNetwork)
	if err != nil {
		t.Fatalf("ChainID: %v", err)
	}
	return &Chain{Network: testNetwork, ChainID: chainID, Contracts: testContracts, Ledger: ledger}
}

func newTestSigner(t *testing.T) *KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer := NewKeySigner(key, map[string]Contracts{testNetwork: testContracts})
	signer.now = func() time.Time { return testNow }
	return signer
}

func newTestVerifier(chain *Chain) *Verifier {
	v := NewVerifier(chain, nil)
	v.now = func() time.Time { return testNow }
	return v
}

func testRequirements(scheme x402.Scheme, maxAmount string) *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            scheme,
		Network:           testNetwork,
		Asset:             testAsset,
		MaxAmount:         maxAmount,
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 300,
	}
}

// signPayload signs requirements, letting mutate adjust the authorization
// before signing.
func signPayload(t *testing.T, signer *KeySigner, requirements *x402.PaymentRequirements, mutate func(*x402.Authorization)) *x402.PaymentPayload {
	t.Helper()

	spender, _ := testContracts.Spender(requirements.Scheme)
	auth, err := signer.NewAuthorization(requirements, spender)
	if err != nil {
		t.Fatalf("NewAuthorization: %v", err)
	}
	if mutate != nil {
		mutate(auth)
	}

	signature, err := signer.SignAuthorization(requirements.Network, testContracts, auth)
	if err != nil {
		t.Fatalf("SignAuthorization: %v", err)
	}

	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Accepted:    *requirements,
		Payload:     x402.SignedPayload{Signature: signature, Authorization: *auth},
	}
}
