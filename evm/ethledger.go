package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// EthLedgerOptions tunes an EthLedger.
type EthLedgerOptions struct {
	// CallTimeout bounds every RPC round trip. Defaults to 10s.
	CallTimeout time.Duration

	// PollInterval is how often receipts are polled. Defaults to 2s.
	PollInterval time.Duration

	Logger logrus.FieldLogger
}

// EthLedger is a Ledger backed by a JSON-RPC endpoint. Transactions are sent
// from a single facilitator key; writes are serialized so account nonces are
// assigned in order.
type EthLedger struct {
	client       *ethclient.Client
	chainID      *big.Int
	transactor   *bind.TransactOpts
	address      common.Address
	callTimeout  time.Duration
	pollInterval time.Duration
	logger       logrus.FieldLogger

	mu sync.Mutex
}

// DialEthLedger connects to rpcURL and binds key as the settlement account.
func DialEthLedger(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, opts EthLedgerOptions) (*EthLedger, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
	defer cancel()

	client, err := ethclient.DialContext(dialCtx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}

	transactor, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	return &EthLedger{
		client:       client,
		chainID:      chainID,
		transactor:   transactor,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		callTimeout:  opts.CallTimeout,
		pollInterval: opts.PollInterval,
		logger: opts.Logger.WithFields(logrus.Fields{
			"category": "ledger",
			"network":  Network(chainID),
		}),
	}, nil
}

// ChainID returns the chain id reported by the RPC endpoint.
func (l *EthLedger) ChainID() *big.Int {
	return new(big.Int).Set(l.chainID)
}

// Address returns the facilitator account that signs settlement transactions.
func (l *EthLedger) Address() common.Address {
	return l.address
}

// Close releases the RPC connection.
func (l *EthLedger) Close() {
	l.client.Close()
}

func (l *EthLedger) contract(address common.Address, contractABI abi.ABI) *bind.BoundContract {
	return bind.NewBoundContract(address, contractABI, l.client, l.client, l.client)
}

func (l *EthLedger) callUint256(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	var out []interface{}
	if err := l.contract(token, erc20ABI).Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(out))
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Allowance implements Ledger.
func (l *EthLedger) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return l.callUint256(ctx, token, "allowance", owner, spender)
}

// Balance implements Ledger.
func (l *EthLedger) Balance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return l.callUint256(ctx, token, "balanceOf", owner)
}

// VerifySignature implements Ledger.
func (l *EthLedger) VerifySignature(ctx context.Context, signer common.Address, hash common.Hash, signature []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	code, err := l.client.CodeAt(ctx, signer, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get code: %w", err)
	}
	if len(code) == 0 {
		return false, nil
	}

	var out []interface{}
	err = l.contract(signer, erc1271ABI).Call(&bind.CallOpts{Context: ctx}, &out, "isValidSignature", [32]byte(hash), signature)
	if err != nil {
		return false, fmt.Errorf("isValidSignature call failed: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("isValidSignature returned %d values", len(out))
	}

	magic := *abi.ConvertType(out[0], new([4]byte)).(*[4]byte)
	return magic == erc1271MagicValue, nil
}

// Write implements Ledger.
func (l *EthLedger) Write(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	opts := *l.transactor
	opts.Context = ctx

	tx, err := l.contract(to, abi.ABI{}).RawTransact(&opts, data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"to":    to.Hex(),
		"tx":    tx.Hash().Hex(),
		"nonce": tx.Nonce(),
	}).Info("Settlement transaction sent")

	return tx.Hash(), nil
}

// WaitForConfirmation implements Ledger. It polls until the receipt appears
// or ctx ends.
func (l *EthLedger) WaitForConfirmation(ctx context.Context, tx common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.receipt(ctx, tx)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			l.logger.WithError(err).WithField("tx", tx.Hex()).Warn("Receipt retrieval failed")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", tx.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *EthLedger) receipt(ctx context.Context, tx common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	return l.client.TransactionReceipt(ctx, tx)
}
