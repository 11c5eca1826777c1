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

type DepositRequest struct {
	Vault      chain.ContractRef
	Underlying chain.ContractRef
	Amount     chain.Amount
	// MinSharesOut is passed to the vault as its slippage guard and checked again
	// against the observed share balance.
	MinSharesOut chain.Amount
	// Receiver defaults to the depositing account.
	Receiver common.Address
	// Holding is the transfer target; defaults to the vault address.
	Holding common.Address
}

// Deposit runs Idle → Approving → Transferring → Depositing → Verifying → Done.
// The returned State is always non-nil; err is a *StepError when the run did not
// reach Done.
func (o *Orchestrator) Deposit(ctx context.Context, acct *account.Account, req DepositRequest) (*State, error) {
	from := acct.Address()
	receiver := orDefault(req.Receiver, from)
	holding := orDefault(req.Holding, req.Vault.Address)
	r := o.begin(KindDeposit, acct, from, receiver)

	if req.Amount.IsZero() {
		return r.fail(errZeroAmount)
	}

	release, err := acct.Acquire(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer release()
	defer r.resyncAfterLostSubmission(ctx)

	payer, err := gateway.Balance(ctx, o.gw, from, req.Underlying)
	if err != nil {
		return r.fail(err)
	}
	if payer.Cmp(req.Amount) < 0 {
		return r.fail(&chain.InsufficientBalanceError{
			Token:  req.Underlying.Name,
			Holder: from,
			Have:   payer,
			Need:   req.Amount,
		})
	}

	before, err := o.readBalances(ctx, receiver, req.Vault, req.Underlying, holding)
	if err != nil {
		return r.fail(err)
	}
	r.st.Before = before

	mode := o.opts.FundingMode
	if mode.approves() {
		r.enter(StepApproving)
		if err := r.approve(ctx, req); err != nil {
			return r.fail(err)
		}
	} else {
		r.skip(StepApproving)
	}

	if mode.transfers() {
		r.enter(StepTransferring)
		_, err := r.transact(ctx, submitter.Call{
			Contract: req.Underlying,
			Method:   contracts.MethodTransfer,
			Args:     []any{holding, req.Amount},
		})
		if err != nil {
			return r.fail(err)
		}
	} else {
		r.skip(StepTransferring)
	}

	r.enter(StepDepositing)
	receipt, err := r.transact(ctx, submitter.Call{
		Contract: req.Vault,
		Method:   contracts.MethodDeposit,
		Args:     []any{receiver, req.Underlying.Address, req.Amount, req.MinSharesOut},
	})
	if err != nil {
		return r.fail(err)
	}

	r.enter(StepVerifying)
	minted, err := mintedShares(req.Vault, receiver, receipt)
	if err != nil {
		return r.fail(err)
	}
	r.st.Minted = &minted

	after, err := o.readBalances(ctx, receiver, req.Vault, req.Underlying, holding)
	if err != nil {
		return r.fail(err)
	}
	r.st.After = after

	gained := delta(before.Shares, after.Shares)
	if err := atLeast("minted shares >= minSharesOut", minted, req.MinSharesOut); err != nil {
		return r.fail(err)
	}
	if err := atLeast("share balance increase >= minSharesOut", gained, req.MinSharesOut); err != nil {
		return r.fail(err)
	}
	if err := atLeast("share balance increase >= minted shares", gained, minted); err != nil {
		return r.fail(err)
	}
	r.log.Info("deposit verified",
		zap.String("minted", minted.String()),
		zap.String("shares", after.Shares.String()),
	)
	return r.done()
}

// approve submits an approval only when the current allowance is short, then
// re-reads it so a token that ignored the approval is caught before funds move.
func (r *run) approve(ctx context.Context, req DepositRequest) error {
	owner := r.acct.Address()
	spender := req.Vault.Address
	current, err := gateway.Allowance(ctx, r.o.gw, owner, spender, req.Underlying)
	if err != nil {
		return err
	}
	if current.Cmp(req.Amount) >= 0 {
		r.log.Debug("allowance sufficient, approval skipped", zap.String("allowance", current.String()))
		return nil
	}
	if _, err := r.transact(ctx, submitter.Call{
		Contract: req.Underlying,
		Method:   contracts.MethodApprove,
		Args:     []any{spender, req.Amount},
	}); err != nil {
		return err
	}
	granted, err := gateway.Allowance(ctx, r.o.gw, owner, spender, req.Underlying)
	if err != nil {
		return err
	}
	if granted.Cmp(req.Amount) < 0 {
		return &chain.InsufficientAllowanceError{
			Token:   req.Underlying.Name,
			Owner:   owner,
			Spender: spender,
			Have:    granted,
			Need:    req.Amount,
		}
	}
	return nil
}

func mintedShares(vault chain.ContractRef, receiver common.Address, receipt *chain.Receipt) (chain.Amount, error) {
	events, err := codec.DecodeEvents(vault, receipt)
	if err != nil {
		return chain.Amount{}, err
	}
	receipt.Events = events
	for _, ev := range receipt.EventsNamed(vault.Address, contracts.EventDeposit) {
		if to, ok := ev.Fields["receiver"].(common.Address); ok && to == receiver {
			return codec.EventAmount(ev, "amountSyOut", vault.Decimals)
		}
	}
	return chain.Amount{}, &chain.EncodingError{
		Method: contracts.EventDeposit,
		Err:    fmt.Errorf("no %s event for receiver %s in %s", contracts.EventDeposit, receiver.Hex(), receipt.Hash.Hex()),
	}
}
