package workflow

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"vaultrails/internal/account"
	"vaultrails/internal/chain"
	"vaultrails/internal/codec"
	"vaultrails/internal/contracts"
	"vaultrails/internal/gateway"
	"vaultrails/internal/submitter"
)

type RedeemRequest struct {
	Vault      chain.ContractRef
	Underlying chain.ContractRef
	Shares     chain.Amount
	// MinTokenOut is passed to the vault and checked against the observed balance.
	MinTokenOut chain.Amount
	Receiver    common.Address
	Holding     common.Address
}

// Redeem runs Idle → Redeeming → Verifying → Done. Shares are always burned from the
// account's own balance, never from the vault's internal balance.
func (o *Orchestrator) Redeem(ctx context.Context, acct *account.Account, req RedeemRequest) (*State, error) {
	from := acct.Address()
	receiver := orDefault(req.Receiver, from)
	holding := orDefault(req.Holding, req.Vault.Address)
	r := o.begin(KindRedeem, acct, from, receiver)

	if req.Shares.IsZero() {
		return r.fail(errZeroAmount)
	}

	release, err := acct.Acquire(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer release()
	defer r.resyncAfterLostSubmission(ctx)

	owned, err := gateway.Balance(ctx, o.gw, from, req.Vault)
	if err != nil {
		return r.fail(err)
	}
	if owned.Cmp(req.Shares) < 0 {
		return r.fail(&chain.InsufficientBalanceError{
			Token:  req.Vault.Name,
			Holder: from,
			Have:   owned,
			Need:   req.Shares,
		})
	}

	before, err := o.readBalances(ctx, receiver, req.Vault, req.Underlying, holding)
	if err != nil {
		return r.fail(err)
	}
	r.st.Before = before

	r.enter(StepRedeeming)
	receipt, err := r.transact(ctx, submitter.Call{
		Contract: req.Vault,
		Method:   contracts.MethodRedeem,
		Args:     []any{receiver, req.Shares, req.Underlying.Address, req.MinTokenOut, false},
	})
	if err != nil {
		return r.fail(err)
	}

	r.enter(StepVerifying)
	tokenOut, err := redeemedTokens(req.Vault, req.Underlying.Decimals, receiver, receipt)
	if err != nil {
		return r.fail(err)
	}
	r.st.TokenOut = &tokenOut

	after, err := o.readBalances(ctx, receiver, req.Vault, req.Underlying, holding)
	if err != nil {
		return r.fail(err)
	}
	r.st.After = after

	gained := delta(before.Underlying, after.Underlying)
	if err := atLeast("underlying balance increase >= minTokenOut", gained, req.MinTokenOut); err != nil {
		return r.fail(err)
	}
	if err := atLeast("underlying balance increase >= redeemed amount", gained, tokenOut); err != nil {
		return r.fail(err)
	}
	r.log.Info("redeem verified",
		zap.String("token_out", tokenOut.String()),
		zap.String("underlying", after.Underlying.String()),
	)
	return r.done()
}

func redeemedTokens(vault chain.ContractRef, decimals uint8, receiver common.Address, receipt *chain.Receipt) (chain.Amount, error) {
	events, err := codec.DecodeEvents(vault, receipt)
	if err != nil {
		return chain.Amount{}, err
	}
	receipt.Events = events
	for _, ev := range receipt.EventsNamed(vault.Address, contracts.EventRedeem) {
		if to, ok := ev.Fields["receiver"].(common.Address); ok && to == receiver {
			return codec.EventAmount(ev, "amountTokenOut", decimals)
		}
	}
	return chain.Amount{}, &chain.EncodingError{
		Method: contracts.EventRedeem,
		Err:    fmt.Errorf("no %s event for receiver %s in %s", contracts.EventRedeem, receiver.Hex(), receipt.Hash.Hex()),
	}
}
