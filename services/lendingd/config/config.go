package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen        = ":8080"
	defaultJWTSecretEnv  = "LENDINGD_JWT_SECRET"
	defaultOraclePrice   = "1000"
	defaultOracleMaxAge  = time.Hour
	defaultModuleAddress = "0x00000000000000000000000000000000000c0110"
	defaultStableAddress = "0x0000000000000000000000000000000000005d01"
	defaultFeedAddress   = "0x000000000000000000000000000000000000fee0"
)

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	MaxConnections int             `yaml:"max_connections"`
	Environment    string          `yaml:"environment"`
	TLS            TLSConfig       `yaml:"tls"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Storage        StorageConfig   `yaml:"storage"`
	ModuleAddress  string          `yaml:"module_address"`
	ParamsFile     string          `yaml:"params_file"`
	Stable         StableConfig    `yaml:"stable"`
	Oracle         OracleConfig    `yaml:"oracle"`
	Faucet         FaucetConfig    `yaml:"faucet"`
	Indexer        IndexerConfig   `yaml:"indexer"`
	Logging        LoggingConfig   `yaml:"logging"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig lists the authenticators accepted by the service. API tokens and
// mTLS identities are operator credentials that may act for any account; JWT
// bearers act for the address in their subject claim.
type AuthConfig struct {
	APITokens []string       `yaml:"api_tokens"`
	MTLS      MTLSAuthConfig `yaml:"mtls"`
	JWT       JWTConfig      `yaml:"jwt"`
}

// MTLSAuthConfig enumerates the allowed client certificate identities.
type MTLSAuthConfig struct {
	AllowedCommonNames []string `yaml:"allowed_common_names"`
}

// JWTConfig configures HMAC-signed bearer tokens.
type JWTConfig struct {
	Enabled   bool          `yaml:"enabled"`
	SecretEnv string        `yaml:"hmac_secret_env"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// RateLimitConfig throttles requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	Engine string `yaml:"engine"`
	Path   string `yaml:"path"`
}

// StableConfig describes the stable-asset token hosted by the daemon.
type StableConfig struct {
	Name    string `yaml:"name"`
	Symbol  string `yaml:"symbol"`
	Address string `yaml:"address"`
}

// OracleConfig selects the collateral price source.
type OracleConfig struct {
	Kind   string        `yaml:"kind"`
	Price  string        `yaml:"price"`
	RPCURL string        `yaml:"rpc_url"`
	Feed   string        `yaml:"feed"`
	MaxAge time.Duration `yaml:"max_age"`
}

// FaucetConfig enables the bootstrap funding endpoints.
type FaucetConfig struct {
	Enabled bool `yaml:"enabled"`
	// ModuleLiquidity is minted to the module account at startup when the
	// module holds no stable liquidity yet, in whole tokens.
	ModuleLiquidity string `yaml:"module_liquidity"`
}

// IndexerConfig selects the SQL database events are indexed into.
type IndexerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LoggingConfig controls the optional rotating log file.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
	Traces   bool   `yaml:"traces"`
	Metrics  bool   `yaml:"metrics"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the settings used for keys absent from the file.
func Default() Config {
	return Config{
		ListenAddress: defaultListen,
		ModuleAddress: defaultModuleAddress,
		Stable:        StableConfig{Name: "CollateralX USD", Symbol: "CXUSD", Address: defaultStableAddress},
		Oracle:        OracleConfig{Kind: "fixed", Price: defaultOraclePrice, Feed: defaultFeedAddress, MaxAge: defaultOracleMaxAge},
		Storage:       StorageConfig{Engine: "memory"},
		Indexer:       IndexerConfig{Driver: "sqlite", DSN: "file::memory:?cache=shared"},
		RateLimit:     RateLimitConfig{RequestsPerMinute: 600, Burst: 60},
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.ModuleAddress = strings.TrimSpace(cfg.ModuleAddress)
	cfg.ParamsFile = strings.TrimSpace(cfg.ParamsFile)
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	cfg.Storage.Engine = strings.ToLower(strings.TrimSpace(cfg.Storage.Engine))
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Stable.normalize()
	cfg.Oracle.normalize()
	cfg.Indexer.Driver = strings.ToLower(strings.TrimSpace(cfg.Indexer.Driver))
	cfg.Indexer.DSN = strings.TrimSpace(cfg.Indexer.DSN)
	cfg.Logging.File = strings.TrimSpace(cfg.Logging.File)
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.TLS); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	switch cfg.Storage.Engine {
	case "memory":
	case "leveldb", "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage: path required for %s", cfg.Storage.Engine)
		}
	default:
		return fmt.Errorf("storage: unknown engine %q", cfg.Storage.Engine)
	}
	if !common.IsHexAddress(cfg.ModuleAddress) {
		return fmt.Errorf("module_address: invalid address %q", cfg.ModuleAddress)
	}
	if err := cfg.Stable.validate(); err != nil {
		return fmt.Errorf("stable: %w", err)
	}
	if err := cfg.Oracle.validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	switch cfg.Indexer.Driver {
	case "sqlite", "postgres":
		if cfg.Indexer.DSN == "" {
			return fmt.Errorf("indexer: dsn required")
		}
	default:
		return fmt.Errorf("indexer: unknown driver %q", cfg.Indexer.Driver)
	}
	return nil
}

// Module returns the module account address.
func (cfg Config) Module() common.Address {
	return common.HexToAddress(cfg.ModuleAddress)
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.APITokens = compact(cfg.APITokens)
	cfg.MTLS.AllowedCommonNames = compact(cfg.MTLS.AllowedCommonNames)
	cfg.JWT.SecretEnv = strings.TrimSpace(cfg.JWT.SecretEnv)
	if cfg.JWT.SecretEnv == "" {
		cfg.JWT.SecretEnv = defaultJWTSecretEnv
	}
	cfg.JWT.Issuer = strings.TrimSpace(cfg.JWT.Issuer)
	cfg.JWT.Audience = strings.TrimSpace(cfg.JWT.Audience)
	if cfg.JWT.ClockSkew <= 0 {
		cfg.JWT.ClockSkew = 2 * time.Minute
	}
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	hasTokens := len(cfg.APITokens) > 0
	hasMTLS := len(cfg.MTLS.AllowedCommonNames) > 0
	if !hasTokens && !hasMTLS && !cfg.JWT.Enabled {
		return fmt.Errorf("at least one api token, mTLS common name or jwt must be configured")
	}
	if hasMTLS && strings.TrimSpace(tls.ClientCAPath) == "" {
		return fmt.Errorf("mtls.allowed_common_names requires tls.client_ca to be configured")
	}
	return nil
}

func (cfg *StableConfig) normalize() {
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Symbol = strings.ToUpper(norm.NFKC.String(strings.TrimSpace(cfg.Symbol)))
	cfg.Address = strings.TrimSpace(cfg.Address)
}

func (cfg StableConfig) validate() error {
	if cfg.Symbol == "" {
		return fmt.Errorf("symbol required")
	}
	if strings.ContainsAny(cfg.Symbol, "/ ") {
		return fmt.Errorf("symbol %q must not contain spaces or slashes", cfg.Symbol)
	}
	if !common.IsHexAddress(cfg.Address) {
		return fmt.Errorf("invalid address %q", cfg.Address)
	}
	return nil
}

func (cfg *OracleConfig) normalize() {
	cfg.Kind = strings.ToLower(strings.TrimSpace(cfg.Kind))
	cfg.Price = strings.TrimSpace(cfg.Price)
	cfg.RPCURL = strings.TrimSpace(cfg.RPCURL)
	cfg.Feed = strings.TrimSpace(cfg.Feed)
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultOracleMaxAge
	}
}

func (cfg OracleConfig) validate() error {
	if !common.IsHexAddress(cfg.Feed) {
		return fmt.Errorf("invalid feed address %q", cfg.Feed)
	}
	switch cfg.Kind {
	case "fixed":
		if cfg.Price == "" {
			return fmt.Errorf("price required for fixed oracle")
		}
	case "chainlink":
		if cfg.RPCURL == "" {
			return fmt.Errorf("rpc_url required for chainlink oracle")
		}
	default:
		return fmt.Errorf("unknown kind %q", cfg.Kind)
	}
	return nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
