package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, EnvPrefix) {
			key := strings.SplitN(kv, "=", 2)[0]
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	clearEnv(t)
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "AUTH_SECRET") {
		t.Fatalf("expected secret error, got %v", err)
	}
}

func TestDevelopmentFillsSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPAY_DEVELOPMENT", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthSecret != developmentSecret {
		t.Fatalf("expected development secret, got %q", cfg.AuthSecret)
	}
	if cfg.HTTPAddr != ":8080" || cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestYAMLThenEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "repayd.yaml")
	body := `
httpAddr: ":9000"
grpcAddr: ":9001"
shutdownTimeout: 5s
protocolFeeBps: 100
executorTipBps: 10
corsOrigins:
  - https://app.example
treasury: "0x00000000000000000000000000000000000000f0"
bootstrapAdmin: "0x00000000000000000000000000000000000000ad"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("REPAY_HTTP_ADDR", ":9100")
	t.Setenv("REPAY_AUTH_SECRET", testSecret)
	t.Setenv("REPAY_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9100" {
		t.Fatalf("env should win over yaml, got %s", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":9001" || cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("yaml values lost: %+v", cfg)
	}
	if cfg.ProtocolFeeBps != 100 || cfg.ExecutorTipBps != 10 {
		t.Fatalf("unexpected fees: %d/%d", cfg.ProtocolFeeBps, cfg.ExecutorTipBps)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.CORSOrigins)
	}
	admin, treasury, ok := cfg.Bootstrap()
	if !ok || admin != common.HexToAddress("0xad") || treasury != common.HexToAddress("0xf0") {
		t.Fatalf("unexpected bootstrap: %s %s %v", admin, treasury, ok)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPAY_AUTH_SECRET", testSecret)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for explicit missing file")
	}
}

func TestMalformedEnvIsReported(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPAY_AUTH_SECRET", testSecret)
	t.Setenv("REPAY_RATE_LIMIT_BURST", "lots")
	t.Setenv("REPAY_TOKEN_TTL", "soon")

	_, err := Load("")
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	for _, key := range []string{"REPAY_RATE_LIMIT_BURST", "REPAY_TOKEN_TTL"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	base := Default()
	base.AuthSecret = testSecret

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "fees overflow", mutate: func(c *Config) { c.ProtocolFeeBps, c.ExecutorTipBps = 9000, 1001 }, want: "fee"},
		{name: "short secret", mutate: func(c *Config) { c.AuthSecret = "short" }, want: "AUTH_SECRET"},
		{name: "bad engine address", mutate: func(c *Config) { c.EngineAddress = "0x123" }, want: "ENGINE_ADDRESS"},
		{name: "zero pool address", mutate: func(c *Config) { c.PoolAddress = "0x0000000000000000000000000000000000000000" }, want: "POOL_ADDRESS"},
		{name: "admin without treasury", mutate: func(c *Config) { c.BootstrapAdmin = "0x00000000000000000000000000000000000000ad" }, want: "together"},
		{name: "engine equals pool", mutate: func(c *Config) { c.PoolAddress = c.EngineAddress }, want: "differ"},
		{name: "no rate limit", mutate: func(c *Config) { c.RateLimitBurst = 0 }, want: "RATE_LIMIT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
