package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Ledger is the engine's view of one chain. Read methods return an error
// only for infrastructure faults; a missing allowance is a zero value.
type Ledger interface {
	// Allowance returns the ERC-20 allowance owner has granted spender.
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)

	// Balance returns the ERC-20 balance of owner.
	Balance(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// VerifySignature checks signature over hash for signer using the
	// contract wallet's ERC-1271 isValidSignature. It reports false for an
	// externally owned signer.
	VerifySignature(ctx context.Context, signer common.Address, hash common.Hash, signature []byte) (bool, error)

	// Write submits a call to a contract from the facilitator account.
	Write(ctx context.Context, to common.Address, data []byte) (common.Hash, error)

	// WaitForConfirmation blocks until tx is mined and returns its receipt.
	WaitForConfirmation(ctx context.Context, tx common.Hash) (*types.Receipt, error)
}
