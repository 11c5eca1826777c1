// Package app wires configuration into a ready orchestrator bound to one signing account.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"vaultrails/internal/account"
	"vaultrails/internal/chain"
	"vaultrails/internal/config"
	"vaultrails/internal/contracts"
	"vaultrails/internal/gateway"
	"vaultrails/internal/submitter"
	"vaultrails/internal/tracker"
	"vaultrails/internal/workflow"
)

// ErrInvalidInput marks caller mistakes detected before any workflow starts.
var ErrInvalidInput = errors.New("invalid input")

type App struct {
	Gateway      gateway.Gateway
	Account      *account.Account
	Orchestrator *workflow.Orchestrator
	Registry     *prometheus.Registry

	Vault      chain.ContractRef
	Underlying chain.ContractRef
	Holding    common.Address

	log     *zap.Logger
	closers []func()
}

// Build dials the configured RPC endpoint and assembles the app around it.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	eth, err := gateway.NewEthGateway(ctx, gateway.EthGatewayConfig{
		RPCURL:    cfg.Chain.RPCURL,
		ChainID:   cfg.Chain.ChainID,
		RateLimit: cfg.Chain.RateLimit,
		Burst:     cfg.Chain.RateBurst,
	}, log.Named("gateway"))
	if err != nil {
		return nil, err
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, err
	}
	signer, err := NewSigner(cfg.Signer, chainID)
	if err != nil {
		eth.Close()
		return nil, err
	}
	a, err := Assemble(ctx, cfg, eth, signer, log)
	if err != nil {
		eth.Close()
		return nil, err
	}
	a.closers = append(a.closers, eth.Close)
	return a, nil
}

// NewSigner prefers the raw key from the environment and falls back to the keystore.
func NewSigner(cfg config.SignerConfig, chainID *big.Int) (account.Signer, error) {
	if cfg.PrivateKey != "" {
		return account.NewKeyedSigner(cfg.PrivateKey, chainID)
	}
	if cfg.KeystoreDir != "" {
		return account.NewKeystoreSigner(cfg.KeystoreDir, common.HexToAddress(cfg.Address), cfg.Passphrase, chainID)
	}
	return nil, errors.New("no signer configured")
}

// Assemble builds the app on an existing gateway and signer.
func Assemble(ctx context.Context, cfg *config.Config, gw gateway.Gateway, signer account.Signer, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mode, err := workflow.ParseFundingMode(cfg.Workflow.FundingMode)
	if err != nil {
		return nil, err
	}
	price, tipCap, feeCap, err := cfg.Gas.Fees()
	if err != nil {
		return nil, err
	}

	erc20, err := contracts.ParseERC20()
	if err != nil {
		return nil, err
	}
	syABI, err := contracts.ParseVault()
	if err != nil {
		return nil, err
	}
	vault, err := resolveRef(ctx, gw, "vault", cfg.Contracts.Vault, syABI)
	if err != nil {
		return nil, err
	}
	underlying, err := resolveRef(ctx, gw, "underlying", cfg.Contracts.Underlying, erc20)
	if err != nil {
		return nil, err
	}
	holding := vault.Address
	if cfg.Contracts.Holding != "" {
		holding = common.HexToAddress(cfg.Contracts.Holding)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := workflow.NewMetrics(reg)

	trk := tracker.New(gw, tracker.Config{
		PollInterval:  cfg.Chain.PollInterval,
		Confirmations: cfg.Chain.Confirmations,
		Deadline:      cfg.Chain.Deadline,
		MaxRetries:    cfg.Chain.MaxRetries,
		MaxBackoff:    cfg.Chain.MaxBackoff,
	}, log.Named("tracker"), tracker.WithRetryHook(metrics.IncPollRetry))

	sub := submitter.New(gw, submitter.Config{
		GasLimit:          cfg.Gas.Limit,
		GasLimitMarginPct: cfg.Gas.MarginPct,
		GasPrice:          price,
		GasTipCap:         tipCap,
		GasFeeCap:         feeCap,
	}, log.Named("submitter"))

	orch := workflow.New(gw, sub, trk, workflow.Options{FundingMode: mode}, metrics, log.Named("workflow"))

	log.Info("app assembled",
		zap.Stringer("account", signer.Address()),
		zap.Stringer("vault", vault.Address),
		zap.Stringer("underlying", underlying.Address),
		zap.Uint8("vault_decimals", vault.Decimals),
		zap.Uint8("underlying_decimals", underlying.Decimals),
		zap.String("funding_mode", string(mode)),
	)

	return &App{
		Gateway:      gw,
		Account:      account.New(signer, gw),
		Orchestrator: orch,
		Registry:     reg,
		Vault:        vault,
		Underlying:   underlying,
		Holding:      holding,
		log:          log,
	}, nil
}

func resolveRef(ctx context.Context, gw gateway.Gateway, name string, cfg config.ContractConfig, iface abi.ABI) (chain.ContractRef, error) {
	if !common.IsHexAddress(cfg.Address) {
		return chain.ContractRef{}, fmt.Errorf("%s: invalid address %q", name, cfg.Address)
	}
	ref := chain.NewContractRef(name, common.HexToAddress(cfg.Address), iface, cfg.Decimals)
	if cfg.Decimals != 0 {
		return ref, nil
	}
	d, err := gateway.Decimals(ctx, gw, ref)
	if err != nil {
		return chain.ContractRef{}, fmt.Errorf("read %s decimals: %w", name, err)
	}
	return ref.WithDecimals(d), nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Ping checks the RPC endpoint is reachable.
func (a *App) Ping(ctx context.Context) error {
	_, err := a.Gateway.BlockNumber(ctx)
	return err
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address", ErrInvalidInput, field)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string, decimals uint8, required bool) (chain.Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if required {
			return chain.Amount{}, fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
		}
		return chain.Amount{Decimals: decimals}, nil
	}
	a, err := chain.ParseAmount(s, decimals)
	if err != nil {
		return chain.Amount{}, fmt.Errorf("%w: %s: %v", ErrInvalidInput, field, err)
	}
	return a, nil
}
