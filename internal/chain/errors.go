package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Error kinds reported to callers.
const (
	KindNetwork               = "network"
	KindEncoding              = "encoding"
	KindInsufficientBalance   = "insufficient_balance"
	KindInsufficientAllowance = "insufficient_allowance"
	KindReverted              = "reverted"
	KindTimeout               = "timeout"
	KindVerification          = "verification"
	KindSubmission            = "submission"
	KindCanceled              = "canceled"
	KindInternal              = "internal"
)

// NetworkError reports an unreachable endpoint or a malformed response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// EncodingError reports an argument or return value that does not fit the interface signature.
type EncodingError struct {
	Method string
	Arg    string
	Err    error
}

func (e *EncodingError) Error() string {
	if e.Arg != "" {
		return fmt.Sprintf("encode %s(%s): %v", e.Method, e.Arg, e.Err)
	}
	return fmt.Sprintf("encode %s: %v", e.Method, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

type InsufficientBalanceError struct {
	Token  string
	Holder common.Address
	Have   Amount
	Need   Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for %s: have %s, need %s", e.Token, e.Holder.Hex(), e.Have, e.Need)
}

type InsufficientAllowanceError struct {
	Token   string
	Owner   common.Address
	Spender common.Address
	Have    Amount
	Need    Amount
}

func (e *InsufficientAllowanceError) Error() string {
	return fmt.Sprintf("insufficient %s allowance from %s to %s: have %s, need %s",
		e.Token, e.Owner.Hex(), e.Spender.Hex(), e.Have, e.Need)
}

// RevertedError reports a transaction the ledger executed and rejected. Simulated is set
// when the revert was observed during estimation and nothing was broadcast.
type RevertedError struct {
	Hash      common.Hash
	Block     uint64
	Reason    string
	Simulated bool
}

func (e *RevertedError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "no reason"
	}
	if e.Simulated {
		return fmt.Sprintf("execution reverted during estimation: %s", reason)
	}
	return fmt.Sprintf("transaction %s reverted in block %d: %s", e.Hash.Hex(), e.Block, reason)
}

// TimeoutError means no terminal receipt was observed in time. The transaction may still be included.
type TimeoutError struct {
	Hash   common.Hash
	Waited time.Duration
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s not final after %s (outcome unknown)", e.Hash.Hex(), e.Waited.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// VerificationError reports observed state that disagrees with the expected delta.
type VerificationError struct {
	Check    string
	Expected Amount
	Observed Amount
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification %s failed: expected at least %s, observed %s", e.Check, e.Expected, e.Observed)
}

// SubmissionError wraps a failure before the ledger acknowledged a hash. The nonce stays reserved.
type SubmissionError struct {
	Method string
	Nonce  uint64
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s with nonce %d: %v", e.Method, e.Nonce, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// KindOf maps err to a stable kind string.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var (
		subErr   *SubmissionError
		netErr   *NetworkError
		encErr   *EncodingError
		balErr   *InsufficientBalanceError
		allowErr *InsufficientAllowanceError
		revErr   *RevertedError
		toErr    *TimeoutError
		verErr   *VerificationError
	)
	switch {
	case errors.As(err, &verErr):
		return KindVerification
	case errors.As(err, &revErr):
		return KindReverted
	case errors.As(err, &toErr):
		return KindTimeout
	case errors.As(err, &subErr):
		return KindSubmission
	case errors.As(err, &encErr):
		return KindEncoding
	case errors.As(err, &balErr):
		return KindInsufficientBalance
	case errors.As(err, &allowErr):
		return KindInsufficientAllowance
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
