package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalDryRun = `
strategy:
  dry_run: true
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalDryRun))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("unexpected log level: %s", cfg.Log.Level)
	}
	if cfg.Maker.BaseURL != "https://zo-mainnet.n1.xyz" {
		t.Fatalf("unexpected maker base url: %s", cfg.Maker.BaseURL)
	}
	if cfg.Maker.WSURL != "wss://zo-mainnet.n1.xyz/ws" {
		t.Fatalf("unexpected ws url: %s", cfg.Maker.WSURL)
	}
	if cfg.Maker.Symbol != "BTCUSD" {
		t.Fatalf("unexpected symbol: %s", cfg.Maker.Symbol)
	}
	if cfg.Taker.MarketID != 1 {
		t.Fatalf("unexpected taker market id: %d", cfg.Taker.MarketID)
	}
	s := cfg.Strategy
	if s.SizeMinUSD != 1000 || s.SizeMaxUSD != 1300 {
		t.Fatalf("unexpected size defaults: %v %v", s.SizeMinUSD, s.SizeMaxUSD)
	}
	if s.HoldMin != 10*time.Minute || s.HoldMax != 15*time.Minute {
		t.Fatalf("unexpected hold defaults: %v %v", s.HoldMin, s.HoldMax)
	}
	if s.CooldownMin != 3*time.Minute || s.CooldownMax != 5*time.Minute {
		t.Fatalf("unexpected cooldown defaults: %v %v", s.CooldownMin, s.CooldownMax)
	}
	if s.OrderTimeout != 5*time.Minute {
		t.Fatalf("unexpected order timeout: %v", s.OrderTimeout)
	}
	if s.Leverage != 40 || s.HedgeSlippageBPS != 10 {
		t.Fatalf("unexpected strategy defaults: %v %v", s.Leverage, s.HedgeSlippageBPS)
	}
	if s.HedgeMaxAttempts != 3 || s.HedgeMaxElapsed != 45*time.Second {
		t.Fatalf("unexpected hedge retry defaults: %v %v", s.HedgeMaxAttempts, s.HedgeMaxElapsed)
	}
	if cfg.Safety.MarginBuffer != 1.5 || cfg.Safety.LiqBuffer != 0.5 {
		t.Fatalf("unexpected safety defaults: %v %v", cfg.Safety.MarginBuffer, cfg.Safety.LiqBuffer)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
strategy:
  dry_run: true
  size_min_usd: 200
  size_max_usd: 400
  hold_min: 1m
  hold_max: 2m
maker:
  base_url: http://localhost:8080
  ws_url: ws://localhost:8080/stream
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Strategy.SizeMinUSD != 200 || cfg.Strategy.SizeMaxUSD != 400 {
		t.Fatalf("file values not applied: %v %v", cfg.Strategy.SizeMinUSD, cfg.Strategy.SizeMaxUSD)
	}
	if cfg.Maker.WSURL != "ws://localhost:8080/stream" {
		t.Fatalf("explicit ws url overridden: %s", cfg.Maker.WSURL)
	}
}

func TestLoadRequiresKeysForLiveTrading(t *testing.T) {
	t.Setenv("MAKER_PRIVATE_KEY", "")
	t.Setenv("TAKER_PRIVATE_KEY", "")
	if _, err := Load(writeConfig(t, "strategy:\n  dry_run: false\n")); err == nil {
		t.Fatalf("expected missing keys to fail validation")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MAKER_PRIVATE_KEY", "aa")
	t.Setenv("TAKER_PRIVATE_KEY", "bb")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "123")
	cfg, err := Load(writeConfig(t, "strategy: {}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Maker.PrivateKey != "aa" || cfg.Taker.PrivateKey != "bb" {
		t.Fatalf("env keys not applied")
	}
	if cfg.Telegram.Token != "tok" || cfg.Telegram.ChatID != "123" {
		t.Fatalf("telegram env not applied")
	}
}

func TestLoadRejectsBadRanges(t *testing.T) {
	cases := []string{
		"strategy:\n  dry_run: true\n  size_min_usd: 500\n  size_max_usd: 100\n",
		"strategy:\n  dry_run: true\n  hold_min: 10m\n  hold_max: 1m\n",
		"strategy:\n  dry_run: true\n  cooldown_min: 5m\n  cooldown_max: 1m\n",
	}
	for _, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Fatalf("expected validation error for %q", content)
		}
	}
}

func TestLoadRejectsTelegramWithoutToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")
	if _, err := Load(writeConfig(t, "strategy:\n  dry_run: true\ntelegram:\n  enabled: true\n")); err == nil {
		t.Fatalf("expected enabled telegram without token to fail")
	}
}

func TestDeriveWSURL(t *testing.T) {
	cases := map[string]string{
		"https://venue.example":  "wss://venue.example/ws",
		"http://localhost:8080":  "ws://localhost:8080/ws",
		"venue.internal":         "venue.internal/ws",
	}
	for in, want := range cases {
		if got := deriveWSURL(in); got != want {
			t.Fatalf("deriveWSURL(%q) = %q, want %q", in, got, want)
		}
	}
}
