package evm

import (
	"context"
	"fmt"
	"sort"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Facilitator is the local verify/settle engine. It dispatches each request
// to the chain named by the requirements' network and implements
// x402.Facilitator, so an Orchestrator can use it in-process.
type Facilitator struct {
	engines map[string]*engine
	logger  logrus.FieldLogger
}

type engine struct {
	chain    *Chain
	verifier *Verifier
	settler  *Settler
}

// addresser is implemented by ledgers that send from a known account.
type addresser interface {
	Address() common.Address
}

// NewFacilitator assembles a verifier and settler per chain.
func NewFacilitator(logger logrus.FieldLogger, chains ...*Chain) (*Facilitator, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("at least one chain is required")
	}

	engines := make(map[string]*engine, len(chains))
	for _, chain := range chains {
		if chain.Ledger == nil {
			return nil, fmt.Errorf("chain %s has no ledger", chain.Network)
		}

		chainID, err := ChainID(chain.Network)
		if err != nil {
			return nil, err
		}
		if chain.ChainID == nil {
			chain.ChainID = chainID
		} else if chain.ChainID.Cmp(chainID) != 0 {
			return nil, fmt.Errorf("chain id %s does not match network %s", chain.ChainID, chain.Network)
		}

		if _, upto := chain.Contracts.Spender(x402.SchemeUpto); !upto {
			if _, exact := chain.Contracts.Spender(x402.SchemeExact); !exact {
				return nil, fmt.Errorf("chain %s has no settlement proxy", chain.Network)
			}
		}

		if _, exists := engines[chain.Network]; exists {
			return nil, fmt.Errorf("duplicate chain %s", chain.Network)
		}

		chainLogger := logger.WithField("network", chain.Network)
		verifier := NewVerifier(chain, chainLogger)
		engines[chain.Network] = &engine{
			chain:    chain,
			verifier: verifier,
			settler:  NewSettler(chain, verifier, chainLogger),
		}
	}

	return &Facilitator{engines: engines, logger: logger.WithField("category", "facilitator")}, nil
}

// Verify implements x402.Facilitator.
func (f *Facilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResult, error) {
	e, ok := f.engines[requirements.Network]
	if !ok {
		return x402.Invalid(x402.ReasonUnsupportedNetwork), nil
	}
	return e.verifier.Verify(ctx, payload, requirements)
}

// Settle implements x402.Facilitator.
func (f *Facilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, amount string) (*x402.SettleResult, error) {
	e, ok := f.engines[requirements.Network]
	if !ok {
		return x402.Failed(x402.ReasonUnsupportedNetwork, "network "+requirements.Network+" is not supported"), nil
	}
	return e.settler.Settle(ctx, payload, requirements, amount)
}

// Supported implements x402.Facilitator. Kinds are listed per network in
// lexical order, upto before exact.
func (f *Facilitator) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	networks := make([]string, 0, len(f.engines))
	for network := range f.engines {
		networks = append(networks, network)
	}
	sort.Strings(networks)

	resp := &x402.SupportedResponse{Kinds: []x402.SupportedKind{}, Signers: map[string]string{}}
	for _, network := range networks {
		e := f.engines[network]
		for _, scheme := range []x402.Scheme{x402.SchemeUpto, x402.SchemeExact} {
			if _, ok := e.chain.Contracts.Spender(scheme); ok {
				resp.Kinds = append(resp.Kinds, x402.SupportedKind{
					X402Version: x402.ProtocolVersion,
					Scheme:      scheme,
					Network:     network,
				})
			}
		}
		if a, ok := e.chain.Ledger.(addresser); ok {
			resp.Signers[network] = a.Address().Hex()
		}
	}

	return resp, nil
}
