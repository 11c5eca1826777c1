package workflow

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"vaultrails/internal/chain"
	"vaultrails/internal/gateway"
)

type QueryRequest struct {
	Holder   common.Address
	Contract chain.ContractRef
	Method   string
	// Args defaults to [Holder] when the method takes a single address.
	Args []any
}

// Query performs a read-only call. It submits nothing and can be repeated freely.
func (o *Orchestrator) Query(ctx context.Context, req QueryRequest) (*State, error) {
	r := o.begin(KindQuery, nil, req.Holder, req.Holder)

	args := req.Args
	if args == nil {
		if m, ok := req.Contract.ABI().Methods[req.Method]; ok && len(m.Inputs) == 1 && m.Inputs[0].Type.T == abi.AddressTy {
			args = []any{req.Holder}
		}
	}
	out, err := gateway.ReadCall(ctx, o.gw, req.Contract, req.Method, args...)
	if err != nil {
		return r.fail(err)
	}
	r.st.Result = out
	return r.done()
}

type BalancesRequest struct {
	Holder     common.Address
	Vault      chain.ContractRef
	Underlying chain.ContractRef
	Holding    common.Address
}

// Balances reports holder's shares and underlying plus the underlying held by the vault.
func (o *Orchestrator) Balances(ctx context.Context, req BalancesRequest) (*State, error) {
	r := o.begin(KindQuery, nil, req.Holder, req.Holder)
	b, err := o.readBalances(ctx, req.Holder, req.Vault, req.Underlying, orDefault(req.Holding, req.Vault.Address))
	if err != nil {
		return r.fail(err)
	}
	r.st.After = b
	return r.done()
}
