// Package gateway is the boundary to the remote ledger endpoint.
package gateway

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"vaultrails/internal/chain"
	"vaultrails/internal/codec"
	"vaultrails/internal/contracts"
)

// Gateway abstracts the RPC endpoint. Every method except Submit is read-only.
// Transport failures are returned as *chain.NetworkError; calls that execute and
// revert are returned as *chain.RevertedError with Simulated set.
type Gateway interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	Call(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestFees(ctx context.Context) (chain.Fees, error)
	Submit(ctx context.Context, req chain.TransactionRequest, signed *types.Transaction) (chain.TransactionHandle, error)
	// Receipt returns chain.ErrPending while the transaction is not included.
	Receipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
}

// ReadCall encodes method, executes it against the latest state and decodes the result.
func ReadCall(ctx context.Context, gw Gateway, ref chain.ContractRef, method string, args ...any) ([]any, error) {
	data, err := codec.Encode(ref, method, args...)
	if err != nil {
		return nil, err
	}
	to := ref.Address
	raw, err := gw.Call(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return codec.Decode(ref, method, raw)
}

// Balance reads holder's balance of token.
func Balance(ctx context.Context, gw Gateway, holder common.Address, token chain.ContractRef) (chain.Amount, error) {
	return readAmount(ctx, gw, token, contracts.MethodBalanceOf, holder)
}

// Allowance reads how much spender may move on behalf of owner.
func Allowance(ctx context.Context, gw Gateway, owner, spender common.Address, token chain.ContractRef) (chain.Amount, error) {
	return readAmount(ctx, gw, token, contracts.MethodAllowance, owner, spender)
}

// Decimals reads the token's decimal scale.
func Decimals(ctx context.Context, gw Gateway, token chain.ContractRef) (uint8, error) {
	out, err := ReadCall(ctx, gw, token, contracts.MethodDecimals)
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, &chain.EncodingError{Method: contracts.MethodDecimals, Err: errors.New("empty return")}
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, &chain.EncodingError{Method: contracts.MethodDecimals, Err: errors.New("unexpected return type")}
	}
	return d, nil
}

func readAmount(ctx context.Context, gw Gateway, token chain.ContractRef, method string, args ...any) (chain.Amount, error) {
	data, err := codec.Encode(token, method, args...)
	if err != nil {
		return chain.Amount{}, err
	}
	to := token.Address
	raw, err := gw.Call(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return chain.Amount{}, err
	}
	return codec.DecodeAmount(token, method, raw)
}

// revertFromError extracts revert information from a JSON-RPC error. The boolean is
// false when err does not describe an execution revert.
func revertFromError(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
				return hexData, true
			}
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return strings.TrimPrefix(rpcErr.Error(), "execution reverted: "), true
	}
	if strings.Contains(err.Error(), "execution reverted") {
		msg := err.Error()
		if idx := strings.Index(msg, "execution reverted: "); idx >= 0 {
			return msg[idx+len("execution reverted: "):], true
		}
		return "", true
	}
	return "", false
}
