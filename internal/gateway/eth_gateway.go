package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vaultrails/internal/chain"
)

// EthGateway talks JSON-RPC to an EVM node.
type EthGateway struct {
	client  *ethclient.Client
	limiter *rate.Limiter
	chainID *big.Int
	log     *zap.Logger
}

type EthGatewayConfig struct {
	RPCURL string
	// ChainID is the expected network id; zero accepts whatever the node reports.
	ChainID int64
	// RateLimit caps outgoing requests per second; zero disables throttling.
	RateLimit float64
	Burst     int
}

func NewEthGateway(ctx context.Context, cfg EthGatewayConfig, log *zap.Logger) (*EthGateway, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, &chain.NetworkError{Op: "dial rpc", Err: err}
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, &chain.NetworkError{Op: "fetch chain id", Err: err}
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		cli.Close()
		return nil, fmt.Errorf("rpc endpoint serves chain %s, expected %d", chainID, cfg.ChainID)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &EthGateway{
		client:  cli,
		limiter: limiter,
		chainID: chainID,
		log:     log,
	}, nil
}

func (g *EthGateway) Close() {
	if g.client != nil {
		g.client.Close()
	}
}

// wait blocks on the rate limiter. The limiter refuses early when the next token
// lies past ctx's deadline; that is reported as context.DeadlineExceeded.
func (g *EthGateway) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("rate limit: %v: %w", err, context.DeadlineExceeded)
	}
	return nil
}

func (g *EthGateway) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(g.chainID), nil
}

func (g *EthGateway) BlockNumber(ctx context.Context) (uint64, error) {
	if err := g.wait(ctx); err != nil {
		return 0, err
	}
	n, err := g.client.BlockNumber(ctx)
	if err != nil {
		return 0, &chain.NetworkError{Op: "block number", Err: err}
	}
	return n, nil
}

// Ping is used by health checks.
func (g *EthGateway) Ping(ctx context.Context) error {
	_, err := g.BlockNumber(ctx)
	return err
}

func (g *EthGateway) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	if err := g.wait(ctx); err != nil {
		return 0, err
	}
	n, err := g.client.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, &chain.NetworkError{Op: "pending nonce", Err: err}
	}
	return n, nil
}

func (g *EthGateway) Call(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	out, err := g.client.CallContract(ctx, msg, block)
	if err != nil {
		if reason, ok := revertFromError(err); ok {
			return nil, &chain.RevertedError{Reason: reason, Simulated: true}
		}
		return nil, &chain.NetworkError{Op: "eth_call", Err: err}
	}
	return out, nil
}

func (g *EthGateway) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := g.wait(ctx); err != nil {
		return 0, err
	}
	gas, err := g.client.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := revertFromError(err); ok {
			return 0, &chain.RevertedError{Reason: reason, Simulated: true}
		}
		return 0, &chain.NetworkError{Op: "estimate gas", Err: err}
	}
	return gas, nil
}

// SuggestFees returns EIP-1559 caps when the head block carries a base fee and a
// legacy gas price otherwise.
func (g *EthGateway) SuggestFees(ctx context.Context) (chain.Fees, error) {
	if err := g.wait(ctx); err != nil {
		return chain.Fees{}, err
	}
	head, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.Fees{}, &chain.NetworkError{Op: "head header", Err: err}
	}
	if head.BaseFee == nil {
		price, err := g.client.SuggestGasPrice(ctx)
		if err != nil {
			return chain.Fees{}, &chain.NetworkError{Op: "gas price", Err: err}
		}
		return chain.Fees{GasPrice: price}, nil
	}
	tip, err := g.client.SuggestGasTipCap(ctx)
	if err != nil {
		return chain.Fees{}, &chain.NetworkError{Op: "gas tip cap", Err: err}
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return chain.Fees{GasTipCap: tip, GasFeeCap: feeCap}, nil
}

func (g *EthGateway) Submit(ctx context.Context, req chain.TransactionRequest, signed *types.Transaction) (chain.TransactionHandle, error) {
	if err := g.wait(ctx); err != nil {
		return chain.TransactionHandle{}, err
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return chain.TransactionHandle{}, &chain.NetworkError{Op: "send transaction", Err: err}
	}
	g.log.Debug("transaction broadcast",
		zap.Stringer("tx", signed.Hash()),
		zap.Uint64("nonce", signed.Nonce()),
		zap.String("method", req.Method),
	)
	return chain.TransactionHandle{
		Hash:        signed.Hash(),
		Request:     req,
		SubmittedAt: time.Now(),
	}, nil
}

func (g *EthGateway) Receipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, chain.ErrPending
	}
	if err != nil {
		return nil, &chain.NetworkError{Op: "transaction receipt", Err: err}
	}
	return chain.ReceiptFromEth(receipt), nil
}
