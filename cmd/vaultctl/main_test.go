package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaultrails/internal/app"
	"vaultrails/internal/config"
	"vaultrails/internal/gateway"
	"vaultrails/internal/workflow"
)

var (
	vaultAddr      = common.HexToAddress("0x00000000000000000000000000000000005a0001")
	underlyingAddr = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

type cli struct {
	fake       *gateway.Fake
	configPath string
	reconcile  string
	account    common.Address
}

func newCLI(t *testing.T, deadline string) *cli {
	t.Helper()
	dir := t.TempDir()
	reconcileDir := filepath.Join(dir, "reconcile")
	body := fmt.Sprintf(`
chain:
  rpcUrl: http://127.0.0.1:8545
  chainId: 31337
  pollInterval: 5ms
  deadline: %s
contracts:
  vault:
    address: %q
    decimals: 18
  underlying:
    address: %q
    decimals: 18
service:
  idempotencyStore: file
  idempotencyStorePath: %q
  idempotencyWindow: 1h
  reconcileDir: %q
logging:
  level: error
`, deadline, vaultAddr.Hex(), underlyingAddr.Hex(), filepath.Join(dir, "idem.json"), reconcileDir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("CHAIN_PRIVATE_KEY", hex.EncodeToString(crypto.FromECDSA(key)))
	t.Setenv("DEPLOYMENTS_PATH", "")

	fake := gateway.NewFake(31337)
	fake.DeployToken(underlyingAddr, 18)
	fake.DeployVault(vaultAddr, underlyingAddr, 18)
	return &cli{
		fake:       fake,
		configPath: path,
		reconcile:  reconcileDir,
		account:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (c *cli) build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app.App, error) {
	signer, err := app.NewSigner(cfg.Signer, big.NewInt(31337))
	if err != nil {
		return nil, err
	}
	return app.Assemble(ctx, cfg, c.fake, signer, log)
}

func (c *cli) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	args = append([]string{"--config", c.configPath}, args...)
	code := execute(context.Background(), args, &stdout, &stderr, c.build)
	return code, stdout.String(), stderr.String()
}

func (c *cli) fund(tokens int64) {
	c.fake.Mint(underlyingAddr, c.account, new(big.Int).Mul(big.NewInt(tokens), big.NewInt(1e18)))
}

func parseState(t *testing.T, out string) workflow.State {
	t.Helper()
	var st workflow.State
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	return st
}

func TestDepositThenRedeem(t *testing.T) {
	c := newCLI(t, "2s")
	c.fund(10)

	code, out, errOut := c.run("deposit", "--amount", "4", "--min-shares-out", "4")
	require.Equal(t, exitOK, code, errOut)
	st := parseState(t, out)
	assert.Equal(t, workflow.OutcomeDone, st.Outcome)
	assert.Equal(t, "4", st.Minted.String())

	code, out, errOut = c.run("redeem", "--shares", "1.5")
	require.Equal(t, exitOK, code, errOut)
	assert.Equal(t, "1.5", parseState(t, out).TokenOut.String())

	code, out, _ = c.run("balances")
	require.Equal(t, exitOK, code)
	st = parseState(t, out)
	assert.Equal(t, "2.5", st.After.Shares.String())
	assert.Equal(t, "7.5", st.After.Underlying.String())
}

func TestIdempotencyKeyReplaysStoredResult(t *testing.T) {
	c := newCLI(t, "2s")
	c.fund(10)

	code, first, errOut := c.run("--idempotency-key", "batch-7", "deposit", "--amount", "2")
	require.Equal(t, exitOK, code, errOut)
	sent := len(c.fake.Sent())

	code, second, _ := c.run("--idempotency-key", "batch-7", "deposit", "--amount", "2")
	require.Equal(t, exitOK, code)
	assert.JSONEq(t, first, second)
	assert.Len(t, c.fake.Sent(), sent)

	code, _, errOut = c.run("--idempotency-key", "batch-7", "deposit", "--amount", "3")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "idempotency key reused")
}

func TestExitCodes(t *testing.T) {
	c := newCLI(t, "2s")

	code, _, _ := c.run("deposit")
	assert.Equal(t, exitUsage, code, "missing --amount")

	code, _, _ = c.run("deposit", "--amount", "abc")
	assert.Equal(t, exitUsage, code)

	code, out, _ := c.run("deposit", "--amount", "1")
	assert.Equal(t, exitFailed, code)
	assert.Equal(t, "insufficient_balance", parseState(t, out).ErrorKind)

	code, _, _ = c.run("frobnicate")
	assert.Equal(t, exitUsage, code)

	assert.Empty(t, c.fake.Sent())
}

func TestTimedOutDepositIsQueuedAndResolvable(t *testing.T) {
	c := newCLI(t, "100ms")
	c.fund(3)
	c.fake.StallOn("deposit")

	code, out, _ := c.run("--idempotency-key", "slow", "deposit", "--amount", "1")
	require.Equal(t, exitTimedOut, code)
	assert.Equal(t, workflow.OutcomeTimedOut, parseState(t, out).Outcome)

	code, out, _ = c.run("reconcile", "list")
	require.Equal(t, exitOK, code)
	var entries []struct {
		Name           string `json:"name"`
		IdempotencyKey string `json:"idempotencyKey"`
		Kind           string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "slow", entries[0].IdempotencyKey)
	assert.Equal(t, "deposit", entries[0].Kind)

	// The stored result keeps a retry from submitting a second deposit.
	code, _, _ = c.run("--idempotency-key", "slow", "deposit", "--amount", "1")
	assert.Equal(t, exitTimedOut, code)
	assert.Len(t, c.fake.Sent(), 3)

	code, _, _ = c.run("reconcile", "resolve", "--forget", entries[0].Name)
	require.Equal(t, exitOK, code)
	code, out, _ = c.run("reconcile", "list")
	require.Equal(t, exitOK, code)
	assert.JSONEq(t, "[]", out)

	code, _, _ = c.run("reconcile", "resolve", "../config.yaml")
	assert.Equal(t, exitFailed, code)

	// With the key forgotten the same request runs again.
	code, out, _ = c.run("--idempotency-key", "slow", "deposit", "--amount", "1")
	assert.Equal(t, exitTimedOut, code)
	assert.Equal(t, workflow.OutcomeTimedOut, parseState(t, out).Outcome)
	assert.Greater(t, len(c.fake.Sent()), 3)
}

func TestQuery(t *testing.T) {
	c := newCLI(t, "2s")
	c.fund(1)

	code, out, errOut := c.run("query", "--contract", "underlying", "balanceOf", c.account.Hex())
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "1000000000000000000")

	code, _, _ = c.run("query", "--contract", "underlying", "approve", c.account.Hex(), "1")
	assert.Equal(t, exitUsage, code)
}
