package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Addresses and amounts never live in code;
// they come from the YAML file, deployments.json and the environment, in that order.
type Config struct {
	Chain     ChainConfig     `yaml:"chain"`
	Contracts ContractsConfig `yaml:"contracts"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Gas       GasConfig       `yaml:"gas"`
	Signer    SignerConfig    `yaml:"signer"`
	Service   ServiceConfig   `yaml:"service"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ChainConfig struct {
	RPCURL  string `yaml:"rpcUrl"`
	ChainID int64  `yaml:"chainId"`
	// RateLimit is in requests per second; zero disables throttling.
	RateLimit     float64       `yaml:"rateLimit"`
	RateBurst     int           `yaml:"rateBurst"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	Confirmations uint64        `yaml:"confirmations"`
	Deadline      time.Duration `yaml:"deadline"`
	MaxRetries    uint64        `yaml:"maxRetries"`
	MaxBackoff    time.Duration `yaml:"maxBackoff"`
}

type ContractConfig struct {
	Address string `yaml:"address"`
	// Decimals is read from the contract when zero.
	Decimals uint8 `yaml:"decimals"`
}

type ContractsConfig struct {
	Vault      ContractConfig `yaml:"vault"`
	Underlying ContractConfig `yaml:"underlying"`
	// Holding receives transferred underlying; defaults to the vault address.
	Holding string `yaml:"holding"`
}

type WorkflowConfig struct {
	FundingMode string `yaml:"fundingMode"`
}

// GasConfig values are in gwei. Empty values defer to the node.
type GasConfig struct {
	Limit     uint64 `yaml:"limit"`
	MarginPct uint64 `yaml:"marginPct"`
	Price     string `yaml:"price"`
	TipCap    string `yaml:"tipCap"`
	FeeCap    string `yaml:"feeCap"`
}

// SignerConfig selects between a raw key (environment only) and a keystore account.
type SignerConfig struct {
	PrivateKey  string `yaml:"-"`
	KeystoreDir string `yaml:"keystoreDir"`
	Address     string `yaml:"address"`
	Passphrase  string `yaml:"-"`
}

type ServiceConfig struct {
	HTTPPort          int           `yaml:"httpPort"`
	HMACSecret        string        `yaml:"-"`
	HMACClockSkew     time.Duration `yaml:"hmacClockSkew"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	IdempotencyWindow time.Duration `yaml:"idempotencyWindow"`
	// IdempotencyStore is one of memory, file or postgres.
	IdempotencyStore     string `yaml:"idempotencyStore"`
	IdempotencyStorePath string `yaml:"idempotencyStorePath"`
	PostgresDSN          string `yaml:"-"`
	ReconcileDir         string `yaml:"reconcileDir"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// Deployments represents deployments.json as written by the deploy scripts.
type Deployments struct {
	ChainID   int64             `json:"chainId"`
	Contracts map[string]string `json:"contracts"`
}

const (
	defaultConfigPath      = "config.yaml"
	defaultDeploymentsPath = "deployments.json"
)

func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			PollInterval:  2 * time.Second,
			Confirmations: 1,
			Deadline:      2 * time.Minute,
			MaxRetries:    5,
			MaxBackoff:    20 * time.Second,
		},
		Workflow: WorkflowConfig{FundingMode: "approve_and_transfer"},
		Gas:      GasConfig{MarginPct: 120},
		Service: ServiceConfig{
			HTTPPort:             3000,
			HMACClockSkew:        60 * time.Second,
			RequestTimeout:       5 * time.Minute,
			IdempotencyWindow:    24 * time.Hour,
			IdempotencyStore:     "memory",
			IdempotencyStorePath: filepath.Join(os.TempDir(), "vaultrails-idem.json"),
			ReconcileDir:         filepath.Join(os.TempDir(), "vaultrails-reconcile"),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (or VAULT_CONFIG, or ./config.yaml when present), merges
// deployments.json and applies environment overrides. A missing default file is not
// an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("VAULT_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = defaultConfigPath
	}
	if err := cfg.readYAML(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)
	deployments, err := loadDeployments(deploymentsPath)
	switch {
	case err == nil:
		cfg.mergeDeployments(deployments)
	case os.Getenv("DEPLOYMENTS_PATH") != "" || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadDeployments(path string) (*Deployments, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Deployments
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &d, nil
}

// mergeDeployments fills addresses the YAML file left empty.
func (c *Config) mergeDeployments(d *Deployments) {
	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = d.ChainID
	}
	pick := func(dst *string, names ...string) {
		if *dst != "" {
			return
		}
		for _, name := range names {
			if addr, ok := d.Contracts[name]; ok && addr != "" {
				*dst = addr
				return
			}
		}
	}
	pick(&c.Contracts.Vault.Address, "Vault", "SY", "StandardizedYield")
	pick(&c.Contracts.Underlying.Address, "Underlying", "Token", "Asset")
}

func (c *Config) applyEnv() {
	c.Chain.RPCURL = envOr("CHAIN_RPC_URL", c.Chain.RPCURL)
	c.Chain.ChainID = envOrInt64("CHAIN_ID", c.Chain.ChainID)
	c.Contracts.Vault.Address = envOr("VAULT_ADDRESS", c.Contracts.Vault.Address)
	c.Contracts.Underlying.Address = envOr("UNDERLYING_ADDRESS", c.Contracts.Underlying.Address)
	c.Workflow.FundingMode = envOr("FUNDING_MODE", c.Workflow.FundingMode)
	c.Signer.PrivateKey = envOr("CHAIN_PRIVATE_KEY", c.Signer.PrivateKey)
	c.Signer.Passphrase = envOr("SIGNER_PASSPHRASE", c.Signer.Passphrase)
	c.Service.HTTPPort = int(envOrInt64("API_HTTP_PORT", int64(c.Service.HTTPPort)))
	c.Service.HMACSecret = envOr("API_HMAC_SECRET", c.Service.HMACSecret)
	c.Service.PostgresDSN = envOr("IDEMPOTENCY_POSTGRES_DSN", c.Service.PostgresDSN)
	c.Service.IdempotencyStorePath = envOr("IDEMPOTENCY_STORE_PATH", c.Service.IdempotencyStorePath)
	if c.Service.PostgresDSN != "" && os.Getenv("IDEMPOTENCY_STORE") == "" {
		c.Service.IdempotencyStore = "postgres"
	}
	c.Service.IdempotencyStore = envOr("IDEMPOTENCY_STORE", c.Service.IdempotencyStore)
	c.Logging.Level = envOr("LOG_LEVEL", c.Logging.Level)
}

// Validate checks everything the workflows need before any network call is made.
func (c *Config) Validate() error {
	var errs []error
	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpcUrl is required"))
	}
	for name, addr := range map[string]string{
		"contracts.vault.address":      c.Contracts.Vault.Address,
		"contracts.underlying.address": c.Contracts.Underlying.Address,
	} {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("%s: invalid address %q", name, addr))
		}
	}
	if c.Contracts.Holding != "" && !common.IsHexAddress(c.Contracts.Holding) {
		errs = append(errs, fmt.Errorf("contracts.holding: invalid address %q", c.Contracts.Holding))
	}
	if c.Signer.PrivateKey == "" && c.Signer.KeystoreDir == "" {
		errs = append(errs, errors.New("signer: set CHAIN_PRIVATE_KEY or signer.keystoreDir"))
	}
	if c.Signer.KeystoreDir != "" && !common.IsHexAddress(c.Signer.Address) {
		errs = append(errs, fmt.Errorf("signer.address: invalid address %q", c.Signer.Address))
	}
	if c.Chain.PollInterval <= 0 || c.Chain.Deadline <= 0 {
		errs = append(errs, errors.New("chain.pollInterval and chain.deadline must be positive"))
	}
	if c.Chain.Deadline < c.Chain.PollInterval {
		errs = append(errs, errors.New("chain.deadline must not be shorter than chain.pollInterval"))
	}
	switch c.Workflow.FundingMode {
	case "", "approve_and_transfer", "transfer", "approve":
	default:
		errs = append(errs, fmt.Errorf("workflow.fundingMode: unknown mode %q", c.Workflow.FundingMode))
	}
	for name, v := range map[string]string{"gas.price": c.Gas.Price, "gas.tipCap": c.Gas.TipCap, "gas.feeCap": c.Gas.FeeCap} {
		if _, err := gweiToWei(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	switch c.Service.IdempotencyStore {
	case "memory", "file":
	case "postgres":
		if c.Service.PostgresDSN == "" {
			errs = append(errs, errors.New("service: postgres idempotency store needs IDEMPOTENCY_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("service.idempotencyStore: unknown store %q", c.Service.IdempotencyStore))
	}
	return errors.Join(errs...)
}

// Fees converts the configured gwei values to wei. Nil means unset.
func (g GasConfig) Fees() (price, tipCap, feeCap *big.Int, err error) {
	if price, err = gweiToWei(g.Price); err != nil {
		return nil, nil, nil, err
	}
	if tipCap, err = gweiToWei(g.TipCap); err != nil {
		return nil, nil, nil, err
	}
	if feeCap, err = gweiToWei(g.FeeCap); err != nil {
		return nil, nil, nil, err
	}
	return price, tipCap, feeCap, nil
}

func gweiToWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid gwei amount %q", s)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("negative gwei amount %q", s)
	}
	return d.Shift(9).Truncate(0).BigInt(), nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
