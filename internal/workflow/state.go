package workflow

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vaultrails/internal/chain"
)

type Kind string

const (
	KindDeposit Kind = "deposit"
	KindRedeem  Kind = "redeem"
	KindQuery   Kind = "query"
)

type Step string

const (
	StepIdle         Step = "idle"
	StepApproving    Step = "approving"
	StepTransferring Step = "transferring"
	StepDepositing   Step = "depositing"
	StepRedeeming    Step = "redeeming"
	StepVerifying    Step = "verifying"
	StepDone         Step = "done"
	StepFailed       Step = "failed"
)

type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimedOut Outcome = "timed_out"
)

// Transaction status values recorded per step.
const (
	TxPending      = "pending"
	TxConfirmed    = "confirmed"
	TxReverted     = "reverted"
	TxTimedOut     = "timed_out"
	TxNotBroadcast = "not_broadcast"
)

// FundingMode selects how the vault receives underlying before its deposit entrypoint runs.
type FundingMode string

const (
	// FundingApproveAndTransfer approves the vault, then transfers to its holding address.
	FundingApproveAndTransfer FundingMode = "approve_and_transfer"
	// FundingTransfer only transfers; the vault accounts for tokens already received.
	FundingTransfer FundingMode = "transfer"
	// FundingApprove only approves; the vault pulls through its allowance.
	FundingApprove FundingMode = "approve"
)

func ParseFundingMode(s string) (FundingMode, error) {
	switch m := FundingMode(s); m {
	case FundingApproveAndTransfer, FundingTransfer, FundingApprove:
		return m, nil
	case "":
		return FundingApproveAndTransfer, nil
	}
	return "", fmt.Errorf("unknown funding mode %q", s)
}

func (m FundingMode) approves() bool {
	return m == FundingApproveAndTransfer || m == FundingApprove
}

func (m FundingMode) transfers() bool {
	return m == FundingApproveAndTransfer || m == FundingTransfer
}

// Balances observed for a holder.
type Balances struct {
	Shares     chain.Amount `json:"shares"`
	Underlying chain.Amount `json:"underlying"`
	// VaultUnderlying is the underlying held at the vault's holding address.
	VaultUnderlying chain.Amount `json:"vaultUnderlying"`
}

type TxRecord struct {
	Step   Step        `json:"step"`
	Method string      `json:"method"`
	Hash   common.Hash `json:"hash"`
	Nonce  uint64      `json:"nonce"`
	Block  uint64      `json:"block,omitempty"`
	Status string      `json:"status"`
}

// State is the per-invocation record of a workflow.
type State struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Account      common.Address `json:"account"`
	Receiver     common.Address `json:"receiver"`
	Step         Step           `json:"step"`
	StepIndex    int            `json:"stepIndex"`
	Skipped      []Step         `json:"skipped,omitempty"`
	Before       *Balances      `json:"before,omitempty"`
	After        *Balances      `json:"after,omitempty"`
	Minted       *chain.Amount  `json:"minted,omitempty"`
	TokenOut     *chain.Amount  `json:"tokenOut,omitempty"`
	Result       []any          `json:"result,omitempty"`
	Transactions []TxRecord     `json:"transactions,omitempty"`
	Outcome      Outcome        `json:"outcome,omitempty"`
	FailedStep   Step           `json:"failedStep,omitempty"`
	ErrorKind    string         `json:"errorKind,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   time.Time      `json:"finishedAt"`
}

// Broadcast reports whether any transaction of this run may have reached the ledger.
func (s *State) Broadcast() bool {
	for _, tx := range s.Transactions {
		if tx.Status != TxNotBroadcast {
			return true
		}
	}
	return false
}

// NeedsReconcile reports whether an operator must check the ledger: the outcome is
// unknown, or the run stopped after some of its transactions were broadcast.
func (s *State) NeedsReconcile() bool {
	switch s.Outcome {
	case OutcomeTimedOut:
		return true
	case OutcomeFailed:
		return s.Broadcast()
	}
	return false
}

// StepError attaches workflow context to the error that terminated a run.
type StepError struct {
	Kind Kind
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
