package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
version: 1
global:
  db_path: ./indexer.db
  confirmations: 6
source:
  id: sepolia
  rpc_url: ${RPC_URL}
  contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  start_block: "latest-500"
sinks:
  - id: sink1
    type: slack
    webhook_url: ${SLACK_HOOK}
    events: ["game_ended", "game_corrupt"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadInterpolatesEnvAndValidates(t *testing.T) {
	cfgPath := writeConfig(t, validYAML)
	t.Setenv("RPC_URL", "http://example-rpc")
	t.Setenv("SLACK_HOOK", "https://hooks.slack.test")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected load to succeed: %v", err)
	}

	if got := cfg.Source.RPCURL; got != "http://example-rpc" {
		t.Fatalf("rpc_url not interpolated, got %q", got)
	}
	if cfg.Global.Confirmations != 6 {
		t.Fatalf("confirmations = %d", cfg.Global.Confirmations)
	}
	if cfg.Global.MaxReorgDepth != DefaultMaxReorgDepth || cfg.Global.BatchBlocks != DefaultBatchBlocks {
		t.Fatalf("defaults not applied: %+v", cfg.Global)
	}
	if cfg.Global.Poll() != DefaultPollInterval {
		t.Fatalf("poll = %s", cfg.Global.Poll())
	}
	if cfg.API.Addr != DefaultAPIAddr {
		t.Fatalf("api addr = %q", cfg.API.Addr)
	}
	if got := cfg.Source.ContractAddress().Hex(); got != "0x5FbDB2315678afecb367f032d93F642f64180aa3" {
		t.Fatalf("contract = %s", got)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	cfgPath := writeConfig(t, validYAML)
	env := "RPC_URL=http://dotenv-rpc\nSLACK_HOOK=https://hooks.slack.test\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(cfgPath), ".env"), []byte(env), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("RPC_URL")
		os.Unsetenv("SLACK_HOOK")
	})

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source.RPCURL != "http://dotenv-rpc" {
		t.Fatalf("rpc_url = %q", cfg.Source.RPCURL)
	}
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	cfgPath := writeConfig(t, validYAML)
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected missing env to fail")
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() Config {
		c := Config{
			Version: 1,
			Source: Source{
				ID:       "s",
				RPCURL:   "http://rpc",
				Contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			},
		}
		c.ApplyDefaults()
		return c
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no version", func(c *Config) { c.Version = 0 }, "version"},
		{"no source id", func(c *Config) { c.Source.ID = "" }, "id is required"},
		{"no rpc", func(c *Config) { c.Source.RPCURL = "" }, "rpc_url"},
		{"bad contract", func(c *Config) { c.Source.Contract = "0x123" }, "hex address"},
		{"bad start", func(c *Config) { c.Source.StartBlock = "latest-x" }, "start_block"},
		{"missing abi", func(c *Config) { c.Source.ABIPath = "/does/not/exist.json" }, "abi_path"},
		{"shallow reorg window", func(c *Config) { c.Global.MaxReorgDepth = 3 }, "max_reorg_depth"},
		{"bad poll", func(c *Config) { c.Global.PollInterval = "soon" }, "poll_interval"},
		{"bad sink type", func(c *Config) { c.Sinks = []Sink{{ID: "x", Type: "pager"}} }, "unsupported sink type"},
		{"dup sink", func(c *Config) {
			c.Sinks = []Sink{{ID: "x", Type: "webhook", URL: "http://a"}, {ID: "x", Type: "webhook", URL: "http://b"}}
		}, "duplicate sink"},
		{"unknown event", func(c *Config) {
			c.Sinks = []Sink{{ID: "x", Type: "webhook", URL: "http://a", Events: []string{"game_paused"}}}
		}, "unknown event"},
	}

	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestWebhookMethodDefaults(t *testing.T) {
	s := Sink{ID: "w", Type: "webhook", URL: "http://hook"}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s.Method != "POST" {
		t.Fatalf("method = %q", s.Method)
	}
}

func TestStartBlock(t *testing.T) {
	cases := []struct {
		in   string
		safe uint64
		want uint64
	}{
		{"", 100, 0},
		{"0", 100, 0},
		{"4500000", 100, 4500000},
		{"latest-10", 100, 90},
		{"latest-500", 100, 0},
	}
	for _, tc := range cases {
		b, err := ParseStartBlock(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got := b.Resolve(tc.safe); got != tc.want {
			t.Fatalf("%q resolve(%d) = %d, want %d", tc.in, tc.safe, got, tc.want)
		}
	}
}

func TestPollFallsBack(t *testing.T) {
	g := GlobalConfig{PollInterval: "250ms"}
	if g.Poll() != 250*time.Millisecond {
		t.Fatalf("poll = %s", g.Poll())
	}
	g.PollInterval = "nope"
	if g.Poll() != DefaultPollInterval {
		t.Fatalf("fallback poll = %s", g.Poll())
	}
}
