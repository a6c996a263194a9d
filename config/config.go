package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"loyaltyhub/crypto"
)

// Config captures runtime configuration for the loyaltyhub service. Values come
// from a TOML file; secrets and deployment-specific fields may be overridden
// through LOYALTYHUB_* environment variables.
type Config struct {
	ListenAddress  string `toml:"ListenAddress"`
	Environment    string `toml:"Environment"`
	LedgerEndpoint string `toml:"LedgerEndpoint"`
	FactoryAddress string `toml:"FactoryAddress"`

	IssuerKeystorePath   string `toml:"IssuerKeystorePath"`
	DeployerKeystorePath string `toml:"DeployerKeystorePath"`

	DataDir           string `toml:"DataDir"`
	AuditDatabasePath string `toml:"AuditDatabasePath"`

	JWTSecret string `toml:"JWTSecret"`
	TokenTTL  string `toml:"TokenTTL"`

	ConfirmInterval string `toml:"ConfirmInterval"`

	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	RequestBurst      int     `toml:"RequestBurst"`

	issuerPassphrase   string
	deployerPassphrase string
}

// Load reads the TOML file at path, applies environment overrides, and
// validates the result. A missing file is not an error when every required
// field is supplied through the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:     ":8080",
		Environment:       "dev",
		DataDir:           "loyaltyhub-data",
		AuditDatabasePath: "loyaltyhub-audit.db",
		TokenTTL:          "24h",
		ConfirmInterval:   "2s",
		RequestsPerSecond: 50,
		RequestBurst:      100,
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.ListenAddress, "LOYALTYHUB_LISTEN")
	override(&cfg.Environment, "LOYALTYHUB_ENV")
	override(&cfg.LedgerEndpoint, "LOYALTYHUB_LEDGER_URL")
	override(&cfg.FactoryAddress, "LOYALTYHUB_FACTORY")
	override(&cfg.IssuerKeystorePath, "LOYALTYHUB_ISSUER_KEYSTORE")
	override(&cfg.DeployerKeystorePath, "LOYALTYHUB_DEPLOYER_KEYSTORE")
	override(&cfg.DataDir, "LOYALTYHUB_DATA_DIR")
	override(&cfg.AuditDatabasePath, "LOYALTYHUB_AUDIT_DB")
	override(&cfg.JWTSecret, "LOYALTYHUB_JWT_SECRET")
	override(&cfg.ConfirmInterval, "LOYALTYHUB_CONFIRM_INTERVAL")

	cfg.issuerPassphrase = os.Getenv("LOYALTYHUB_ISSUER_PASSPHRASE")
	cfg.deployerPassphrase = os.Getenv("LOYALTYHUB_DEPLOYER_PASSPHRASE")
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.LedgerEndpoint) == "" {
		return errors.New("config: LedgerEndpoint is required")
	}
	if !common.IsHexAddress(c.FactoryAddress) {
		return fmt.Errorf("config: FactoryAddress %q is not a valid address", c.FactoryAddress)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: JWTSecret is required (set LOYALTYHUB_JWT_SECRET)")
	}
	if _, err := time.ParseDuration(c.ConfirmInterval); err != nil {
		return fmt.Errorf("config: ConfirmInterval: %w", err)
	}
	if _, err := time.ParseDuration(c.TokenTTL); err != nil {
		return fmt.Errorf("config: TokenTTL: %w", err)
	}
	if c.RequestsPerSecond <= 0 || c.RequestBurst <= 0 {
		return errors.New("config: rate limits must be positive")
	}
	return nil
}

// Factory returns the parsed factory contract address.
func (c *Config) Factory() common.Address {
	return common.HexToAddress(c.FactoryAddress)
}

// ConfirmPollInterval returns the parsed confirmation poll interval.
func (c *Config) ConfirmPollInterval() time.Duration {
	d, _ := time.ParseDuration(c.ConfirmInterval)
	return d
}

// SessionTTL returns the parsed bearer-token lifetime.
func (c *Config) SessionTTL() time.Duration {
	d, _ := time.ParseDuration(c.TokenTTL)
	return d
}

// LoadSigningKeys loads the platform signing identities from their keystores,
// generating and persisting fresh keys on first start. The deployer falls back
// to the issuer identity when no separate keystore is configured.
func (c *Config) LoadSigningKeys() (issuer, deployer *crypto.PrivateKey, err error) {
	issuerPath := c.IssuerKeystorePath
	if issuerPath == "" {
		issuerPath = filepath.Join(c.DataDir, "issuer-keystore.json")
	}
	issuer, err = crypto.EnsureKeystore(issuerPath, c.issuerPassphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("config: issuer keystore: %w", err)
	}

	if c.DeployerKeystorePath == "" {
		return issuer, issuer, nil
	}
	deployer, err = crypto.EnsureKeystore(c.DeployerKeystorePath, c.deployerPassphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("config: deployer keystore: %w", err)
	}
	return issuer, deployer, nil
}
