package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "REPAY_"

const developmentSecret = "autorepay-development-secret-do-not-use"

type Config struct {
	Development bool   `yaml:"development"`
	LogLevel    string `yaml:"logLevel"`

	// Listeners
	HTTPAddr        string        `yaml:"httpAddr"`
	GRPCAddr        string        `yaml:"grpcAddr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// Postgres; empty keeps engine state in memory.
	PostgresDSN string `yaml:"postgresDSN"`

	// Bearer tokens
	AuthSecret string        `yaml:"authSecret"`
	AuthIssuer string        `yaml:"authIssuer"`
	TokenTTL   time.Duration `yaml:"tokenTTL"`

	// HTTP hardening
	RateLimitRPS   float64  `yaml:"rateLimitRPS"`
	RateLimitBurst int      `yaml:"rateLimitBurst"`
	MaxBodyBytes   int64    `yaml:"maxBodyBytes"`
	CORSOrigins    []string `yaml:"corsOrigins"`
	StreamBuffer   int      `yaml:"streamBuffer"`

	// Engine
	EngineAddress  string `yaml:"engineAddress"`
	PoolAddress    string `yaml:"poolAddress"`
	Treasury       string `yaml:"treasury"`
	BootstrapAdmin string `yaml:"bootstrapAdmin"`
	ProtocolFeeBps uint64 `yaml:"protocolFeeBps"`
	ExecutorTipBps uint64 `yaml:"executorTipBps"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:        "info",
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		ShutdownTimeout: 10 * time.Second,
		AuthIssuer:      "autorepay",
		TokenTTL:        15 * time.Minute,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		MaxBodyBytes:    1 << 20,
		StreamBuffer:    64,
		EngineAddress:   "0x000000000000000000000000000000000000e001",
		PoolAddress:     "0x000000000000000000000000000000000000e002",
		ProtocolFeeBps:  50,
		ExecutorTipBps:  25,
	}
}

// Load layers defaults, the optional YAML file at path, a .env file in the
// working directory and REPAY_* environment variables, then validates.
// An explicitly named file that cannot be read is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDevelopmentDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from REPAY_* variables.
func (c *Config) ApplyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(envBool("DEVELOPMENT", &c.Development))
	envString("LOG_LEVEL", &c.LogLevel)
	envString("HTTP_ADDR", &c.HTTPAddr)
	envString("GRPC_ADDR", &c.GRPCAddr)
	collect(envDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout))
	envString("PG_DSN", &c.PostgresDSN)
	envString("AUTH_SECRET", &c.AuthSecret)
	envString("AUTH_ISSUER", &c.AuthIssuer)
	collect(envDuration("TOKEN_TTL", &c.TokenTTL))
	collect(envFloat("RATE_LIMIT_RPS", &c.RateLimitRPS))
	collect(envInt("RATE_LIMIT_BURST", &c.RateLimitBurst))
	collect(envInt64("MAX_BODY_BYTES", &c.MaxBodyBytes))
	envList("CORS_ORIGINS", &c.CORSOrigins)
	collect(envInt("STREAM_BUFFER", &c.StreamBuffer))
	envString("ENGINE_ADDRESS", &c.EngineAddress)
	envString("POOL_ADDRESS", &c.PoolAddress)
	envString("TREASURY", &c.Treasury)
	envString("BOOTSTRAP_ADMIN", &c.BootstrapAdmin)
	collect(envUint("PROTOCOL_FEE_BPS", &c.ProtocolFeeBps))
	collect(envUint("EXECUTOR_TIP_BPS", &c.ExecutorTipBps))

	return errors.Join(errs...)
}

func (c *Config) fillDevelopmentDefaults() {
	if c.Development && c.AuthSecret == "" {
		c.AuthSecret = developmentSecret
	}
}

// Validate checks that all required configuration fields are properly set.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%sHTTP_ADDR is required", EnvPrefix)
	}
	if len(c.AuthSecret) < 16 {
		return fmt.Errorf("%sAUTH_SECRET must be at least 16 bytes", EnvPrefix)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%sTOKEN_TTL must be positive", EnvPrefix)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%sSHUTDOWN_TIMEOUT must be positive", EnvPrefix)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("%sRATE_LIMIT_RPS and %sRATE_LIMIT_BURST must be positive", EnvPrefix, EnvPrefix)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%sMAX_BODY_BYTES must be positive", EnvPrefix)
	}
	if c.ProtocolFeeBps+c.ExecutorTipBps > 10_000 || c.ProtocolFeeBps > 10_000 || c.ExecutorTipBps > 10_000 {
		return fmt.Errorf("invalid fee configuration: protocol %d bps + tip %d bps exceeds 10000", c.ProtocolFeeBps, c.ExecutorTipBps)
	}

	for _, f := range []struct {
		key      string
		value    string
		required bool
	}{
		{"ENGINE_ADDRESS", c.EngineAddress, true},
		{"POOL_ADDRESS", c.PoolAddress, true},
		{"TREASURY", c.Treasury, false},
		{"BOOTSTRAP_ADMIN", c.BootstrapAdmin, false},
	} {
		if f.value == "" {
			if f.required {
				return fmt.Errorf("%s%s is required", EnvPrefix, f.key)
			}
			continue
		}
		if !common.IsHexAddress(f.value) || common.HexToAddress(f.value) == (common.Address{}) {
			return fmt.Errorf("invalid %s%s format: %q", EnvPrefix, f.key, f.value)
		}
	}
	if (c.BootstrapAdmin == "") != (c.Treasury == "") {
		return fmt.Errorf("%sBOOTSTRAP_ADMIN and %sTREASURY must be set together", EnvPrefix, EnvPrefix)
	}
	if c.EngineAddress != "" && strings.EqualFold(c.EngineAddress, c.PoolAddress) {
		return fmt.Errorf("%sENGINE_ADDRESS and %sPOOL_ADDRESS must differ", EnvPrefix, EnvPrefix)
	}
	return nil
}

// Engine returns the engine's own account address.
func (c *Config) Engine() common.Address { return common.HexToAddress(c.EngineAddress) }

// Pool returns the lending pool's account address.
func (c *Config) Pool() common.Address { return common.HexToAddress(c.PoolAddress) }

// Bootstrap reports the admin and treasury used to initialize a fresh engine.
func (c *Config) Bootstrap() (admin, treasury common.Address, ok bool) {
	if c.BootstrapAdmin == "" || c.Treasury == "" {
		return common.Address{}, common.Address{}, false
	}
	return common.HexToAddress(c.BootstrapAdmin), common.HexToAddress(c.Treasury), true
}

// Helper functions to read environment variables

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func envString(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envList(key string, dst *[]string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func envBool(key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func envUint(key string, dst *uint64) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = f
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}
