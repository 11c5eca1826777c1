// Package submitter turns a contract call into a signed, broadcast transaction.
package submitter

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"vaultrails/internal/account"
	"vaultrails/internal/chain"
	"vaultrails/internal/codec"
	"vaultrails/internal/gateway"
)

// Config holds gas parameters. Zero values defer to the node's estimates.
type Config struct {
	GasLimit uint64
	// GasLimitMarginPct scales estimates, e.g. 120 adds 20% headroom.
	GasLimitMarginPct uint64
	GasPrice          *big.Int
	GasTipCap         *big.Int
	GasFeeCap         *big.Int
}

// Call describes one state-changing contract invocation.
type Call struct {
	Contract chain.ContractRef
	Method   string
	Args     []any
	Value    *big.Int
}

type Submitter struct {
	gw  gateway.Gateway
	cfg Config
	log *zap.Logger
}

func New(gw gateway.Gateway, cfg Config, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{gw: gw, cfg: cfg, log: log}
}

// SubmitCall encodes, prices, signs and broadcasts call from acct. Encoding and gas
// estimation run before a nonce is reserved, so those failures consume nothing.
// Once a nonce is reserved it is never released: a failed broadcast is returned as
// *chain.SubmissionError and the caller decides whether to resync or abandon.
func (s *Submitter) SubmitCall(ctx context.Context, acct *account.Account, call Call) (chain.TransactionHandle, error) {
	data, err := codec.Encode(call.Contract, call.Method, call.Args...)
	if err != nil {
		return chain.TransactionHandle{}, err
	}

	chainID, err := s.gw.ChainID(ctx)
	if err != nil {
		return chain.TransactionHandle{}, err
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	req := chain.TransactionRequest{
		ChainID: chainID,
		From:    acct.Address(),
		To:      call.Contract,
		Method:  call.Method,
		Data:    data,
		Value:   value,
	}

	req.Gas, err = s.gasLimit(ctx, req)
	if err != nil {
		return chain.TransactionHandle{}, fmt.Errorf("estimate %s: %w", call.Method, err)
	}
	req.Fees, err = s.fees(ctx)
	if err != nil {
		return chain.TransactionHandle{}, fmt.Errorf("price %s: %w", call.Method, err)
	}

	req.Nonce, err = acct.NextNonce(ctx)
	if err != nil {
		return chain.TransactionHandle{}, err
	}

	signed, err := acct.Sign(ctx, req)
	if err != nil {
		return chain.TransactionHandle{}, &chain.SubmissionError{Method: call.Method, Nonce: req.Nonce, Err: err}
	}

	handle, err := s.gw.Submit(ctx, req, signed)
	if err != nil {
		s.log.Warn("submission failed, nonce stays reserved",
			zap.String("method", call.Method),
			zap.Uint64("nonce", req.Nonce),
			zap.Error(err),
		)
		return chain.TransactionHandle{}, &chain.SubmissionError{Method: call.Method, Nonce: req.Nonce, Err: err}
	}

	s.log.Info("transaction submitted",
		zap.String("method", call.Method),
		zap.String("contract", call.Contract.Name),
		zap.Stringer("tx", handle.Hash),
		zap.Uint64("nonce", req.Nonce),
		zap.Uint64("gas", req.Gas),
	)
	return handle, nil
}

func (s *Submitter) gasLimit(ctx context.Context, req chain.TransactionRequest) (uint64, error) {
	if s.cfg.GasLimit > 0 {
		return s.cfg.GasLimit, nil
	}
	est, err := s.gw.EstimateGas(ctx, req.CallMsg())
	if err != nil {
		return 0, err
	}
	if s.cfg.GasLimitMarginPct > 100 {
		est = est * s.cfg.GasLimitMarginPct / 100
	}
	return est, nil
}

func (s *Submitter) fees(ctx context.Context) (chain.Fees, error) {
	switch {
	case s.cfg.GasFeeCap != nil:
		tip := s.cfg.GasTipCap
		if tip == nil {
			tip = new(big.Int)
		}
		return chain.Fees{GasTipCap: tip, GasFeeCap: s.cfg.GasFeeCap}, nil
	case s.cfg.GasPrice != nil:
		return chain.Fees{GasPrice: s.cfg.GasPrice}, nil
	}
	return s.gw.SuggestFees(ctx)
}
