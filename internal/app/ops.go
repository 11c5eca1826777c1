package app

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"vaultrails/internal/chain"
	"vaultrails/internal/workflow"
)

// DepositParams are human readable; amounts use the token's decimal scale.
type DepositParams struct {
	Amount       string `json:"amount"`
	MinSharesOut string `json:"minSharesOut"`
	Receiver     string `json:"receiver,omitempty"`
}

type RedeemParams struct {
	Shares      string `json:"shares"`
	MinTokenOut string `json:"minTokenOut"`
	Receiver    string `json:"receiver,omitempty"`
}

func (a *App) Deposit(ctx context.Context, p DepositParams) (*workflow.State, error) {
	amount, err := parseAmount("amount", p.Amount, a.Underlying.Decimals, true)
	if err != nil {
		return nil, err
	}
	minShares, err := parseAmount("minSharesOut", p.MinSharesOut, a.Vault.Decimals, false)
	if err != nil {
		return nil, err
	}
	receiver, err := parseAddress("receiver", p.Receiver)
	if err != nil {
		return nil, err
	}
	return a.Orchestrator.Deposit(ctx, a.Account, workflow.DepositRequest{
		Vault:        a.Vault,
		Underlying:   a.Underlying,
		Amount:       amount,
		MinSharesOut: minShares,
		Receiver:     receiver,
		Holding:      a.Holding,
	})
}

func (a *App) Redeem(ctx context.Context, p RedeemParams) (*workflow.State, error) {
	shares, err := parseAmount("shares", p.Shares, a.Vault.Decimals, true)
	if err != nil {
		return nil, err
	}
	minOut, err := parseAmount("minTokenOut", p.MinTokenOut, a.Underlying.Decimals, false)
	if err != nil {
		return nil, err
	}
	receiver, err := parseAddress("receiver", p.Receiver)
	if err != nil {
		return nil, err
	}
	return a.Orchestrator.Redeem(ctx, a.Account, workflow.RedeemRequest{
		Vault:       a.Vault,
		Underlying:  a.Underlying,
		Shares:      shares,
		MinTokenOut: minOut,
		Receiver:    receiver,
		Holding:     a.Holding,
	})
}

// Balances reports holder's position, defaulting to the signing account.
func (a *App) Balances(ctx context.Context, holder string) (*workflow.State, error) {
	addr, err := parseAddress("holder", holder)
	if err != nil {
		return nil, err
	}
	if addr == (common.Address{}) {
		addr = a.Account.Address()
	}
	return a.Orchestrator.Balances(ctx, workflow.BalancesRequest{
		Holder:     addr,
		Vault:      a.Vault,
		Underlying: a.Underlying,
		Holding:    a.Holding,
	})
}

// Query calls a read-only method on the vault or underlying contract. String
// arguments are converted to the method's declared input types.
func (a *App) Query(ctx context.Context, contract, method string, args []string) (*workflow.State, error) {
	var ref chain.ContractRef
	switch contract {
	case "", "vault":
		ref = a.Vault
	case "underlying":
		ref = a.Underlying
	default:
		return nil, fmt.Errorf("%w: unknown contract %q", ErrInvalidInput, contract)
	}
	m, ok := ref.ABI().Methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no method %q", ErrInvalidInput, ref.Name, method)
	}
	if !m.IsConstant() {
		return nil, fmt.Errorf("%w: %s.%s changes state", ErrInvalidInput, ref.Name, method)
	}

	var typed []any
	if len(args) > 0 {
		if len(args) != len(m.Inputs) {
			return nil, fmt.Errorf("%w: %s takes %d arguments", ErrInvalidInput, method, len(m.Inputs))
		}
		typed = make([]any, len(args))
		for i, raw := range args {
			v, err := convertArg(m.Inputs[i].Type, raw)
			if err != nil {
				return nil, fmt.Errorf("%w: argument %d: %v", ErrInvalidInput, i, err)
			}
			typed[i] = v
		}
	}
	return a.Orchestrator.Query(ctx, workflow.QueryRequest{
		Holder:   a.Account.Address(),
		Contract: ref,
		Method:   method,
		Args:     typed,
	})
}

func convertArg(t abi.Type, raw string) (any, error) {
	switch t.T {
	case abi.UintTy, abi.IntTy:
		v, ok := new(big.Int).SetString(raw, 0)
		if !ok {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return v, nil
	case abi.BoolTy:
		return strconv.ParseBool(raw)
	}
	return raw, nil
}
