// Package workflow composes submissions, confirmation tracking and balance checks into
// the deposit, redeem and query flows. Each flow is a sequential state machine with no
// rollback: a confirmed transaction stays confirmed even if a later step fails.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vaultrails/internal/account"
	"vaultrails/internal/chain"
	"vaultrails/internal/gateway"
	"vaultrails/internal/submitter"
	"vaultrails/internal/tracker"
)

var errZeroAmount = errors.New("amount must be greater than zero")

type Options struct {
	FundingMode FundingMode
	// Confirmations and Deadline override the tracker defaults when non-zero.
	Confirmations uint64
	Deadline      time.Duration
}

type Orchestrator struct {
	gw        gateway.Gateway
	submitter *submitter.Submitter
	tracker   *tracker.Tracker
	opts      Options
	metrics   *Metrics
	log       *zap.Logger
	now       func() time.Time
}

func New(gw gateway.Gateway, sub *submitter.Submitter, trk *tracker.Tracker, opts Options, metrics *Metrics, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.FundingMode == "" {
		opts.FundingMode = FundingApproveAndTransfer
	}
	return &Orchestrator{
		gw:        gw,
		submitter: sub,
		tracker:   trk,
		opts:      opts,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
}

// run carries the mutable state of one invocation.
type run struct {
	o    *Orchestrator
	st   *State
	acct *account.Account
	log  *zap.Logger
}

func (o *Orchestrator) begin(kind Kind, acct *account.Account, holder, receiver common.Address) *run {
	st := &State{
		ID:        uuid.NewString(),
		Kind:      kind,
		Account:   holder,
		Receiver:  receiver,
		Step:      StepIdle,
		StartedAt: o.now(),
	}
	o.metrics.started(kind)
	return &run{
		o:    o,
		st:   st,
		acct: acct,
		log: o.log.With(
			zap.String("workflow", st.ID),
			zap.String("kind", string(kind)),
			zap.Stringer("account", holder),
		),
	}
}

func (r *run) enter(step Step) {
	r.st.Step = step
	r.st.StepIndex++
	r.log.Debug("entering step", zap.String("step", string(step)), zap.Int("index", r.st.StepIndex))
}

func (r *run) skip(step Step) {
	r.st.Skipped = append(r.st.Skipped, step)
}

func (r *run) done() (*State, error) {
	r.st.Step = StepDone
	r.st.Outcome = OutcomeDone
	r.st.FinishedAt = r.o.now()
	r.o.metrics.finished(r.st.Kind, OutcomeDone, r.st.FinishedAt.Sub(r.st.StartedAt).Seconds())
	r.log.Info("workflow done", zap.Int("transactions", len(r.st.Transactions)))
	return r.st, nil
}

// fail terminates the run at its current step. Timeouts are reported as TimedOut
// because the ledger outcome is unknown, everything else as Failed.
func (r *run) fail(err error) (*State, error) {
	kind := chain.KindOf(err)
	outcome := OutcomeFailed
	if kind == chain.KindTimeout || kind == chain.KindCanceled {
		outcome = OutcomeTimedOut
	}
	r.st.FailedStep = r.st.Step
	r.st.Step = StepFailed
	r.st.Outcome = outcome
	r.st.ErrorKind = kind
	r.st.Error = err.Error()
	r.st.FinishedAt = r.o.now()
	r.o.metrics.finished(r.st.Kind, outcome, r.st.FinishedAt.Sub(r.st.StartedAt).Seconds())
	r.log.Warn("workflow stopped",
		zap.String("outcome", string(outcome)),
		zap.String("step", string(r.st.FailedStep)),
		zap.String("error_kind", kind),
		zap.Error(err),
	)
	return r.st, &StepError{Kind: r.st.Kind, Step: r.st.FailedStep, Err: err}
}

// transact submits call and waits for its terminal receipt. The next step never starts
// before this returns, so ledger order matches workflow order.
func (r *run) transact(ctx context.Context, call submitter.Call) (*chain.Receipt, error) {
	handle, err := r.o.submitter.SubmitCall(ctx, r.acct, call)
	if err != nil {
		var subErr *chain.SubmissionError
		if errors.As(err, &subErr) {
			r.st.Transactions = append(r.st.Transactions, TxRecord{
				Step:   r.st.Step,
				Method: call.Method,
				Nonce:  subErr.Nonce,
				Status: TxNotBroadcast,
			})
			r.o.metrics.incSubmission(call.Method, TxNotBroadcast)
		}
		return nil, err
	}

	r.st.Transactions = append(r.st.Transactions, TxRecord{
		Step:   r.st.Step,
		Method: call.Method,
		Hash:   handle.Hash,
		Nonce:  handle.Request.Nonce,
		Status: TxPending,
	})
	rec := &r.st.Transactions[len(r.st.Transactions)-1]

	receipt, err := r.o.tracker.Await(ctx, handle, r.o.opts.Confirmations, r.o.opts.Deadline)
	if receipt != nil {
		rec.Block = receipt.BlockNumber
	}
	switch chain.KindOf(err) {
	case "":
		rec.Status = TxConfirmed
	case chain.KindReverted:
		rec.Status = TxReverted
	case chain.KindTimeout:
		rec.Status = TxTimedOut
	}
	r.o.metrics.incSubmission(call.Method, rec.Status)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

const resyncTimeout = 10 * time.Second

// resyncAfterLostSubmission re-reads the account nonce when the run's last submission
// never got a hash. It runs before the session is released.
func (r *run) resyncAfterLostSubmission(ctx context.Context) {
	n := len(r.st.Transactions)
	if n == 0 || r.st.Transactions[n-1].Status != TxNotBroadcast {
		return
	}
	resyncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resyncTimeout)
	defer cancel()
	if err := r.acct.Resync(resyncCtx); err != nil {
		r.log.Warn("nonce resync failed", zap.Error(err))
		return
	}
	r.log.Info("nonce resynced after failed submission", zap.Uint64("lost_nonce", r.st.Transactions[n-1].Nonce))
}

func (o *Orchestrator) readBalances(ctx context.Context, holder common.Address, vault, underlying chain.ContractRef, holding common.Address) (*Balances, error) {
	shares, err := gateway.Balance(ctx, o.gw, holder, vault)
	if err != nil {
		return nil, err
	}
	under, err := gateway.Balance(ctx, o.gw, holder, underlying)
	if err != nil {
		return nil, err
	}
	held, err := gateway.Balance(ctx, o.gw, holding, underlying)
	if err != nil {
		return nil, err
	}
	return &Balances{Shares: shares, Underlying: under, VaultUnderlying: held}, nil
}

// delta returns after-before, clamped at zero.
func delta(before, after chain.Amount) chain.Amount {
	d, ok := after.Sub(before)
	if !ok {
		return chain.Amount{Decimals: after.Decimals}
	}
	return d
}

// atLeast fails with a VerificationError when observed < expected.
func atLeast(check string, observed, expected chain.Amount) error {
	if observed.Cmp(expected) < 0 {
		return &chain.VerificationError{Check: check, Expected: expected, Observed: observed}
	}
	return nil
}

func orDefault(addr, fallback common.Address) common.Address {
	if addr == (common.Address{}) {
		return fallback
	}
	return addr
}
