package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the YAML leaves a field empty.
const (
	DefaultDBPath        = "game-indexer.db"
	DefaultConfirmations = 12
	DefaultMaxReorgDepth = 128
	DefaultBatchBlocks   = 100
	DefaultPollInterval  = 2 * time.Second
	DefaultAPIAddr       = ":8081"
)

// NotifyKinds lists the notification kinds a sink may subscribe to.
var NotifyKinds = []string{"game_started", "player_joined", "game_ended", "ownership_transferred", "game_corrupt"}

// Config holds the YAML configuration.
type Config struct {
	Version int          `yaml:"version"`
	Global  GlobalConfig `yaml:"global"`
	Source  Source       `yaml:"source"`
	API     APIConfig    `yaml:"api"`
	Sinks   []Sink       `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath        string `yaml:"db_path"`
	Confirmations uint64 `yaml:"confirmations"`
	MaxReorgDepth uint64 `yaml:"max_reorg_depth"`
	BatchBlocks   uint64 `yaml:"batch_blocks"`
	PollInterval  string `yaml:"poll_interval"`
}

// Poll returns the parsed poll interval.
func (g GlobalConfig) Poll() time.Duration {
	if d, err := time.ParseDuration(g.PollInterval); err == nil && d > 0 {
		return d
	}
	return DefaultPollInterval
}

type Source struct {
	ID         string `yaml:"id"`
	RPCURL     string `yaml:"rpc_url"`
	Contract   string `yaml:"contract"`
	StartBlock string `yaml:"start_block"`
	ABIPath    string `yaml:"abi_path"`
}

// ContractAddress returns the parsed contract address.
func (s Source) ContractAddress() common.Address {
	return common.HexToAddress(s.Contract)
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type Sink struct {
	ID         string     `yaml:"id"`
	Type       string     `yaml:"type"`
	WebhookURL string     `yaml:"webhook_url"`
	Template   string     `yaml:"template"`
	URL        string     `yaml:"url"`
	Method     string     `yaml:"method"`
	Events     []string   `yaml:"events"`
	Where      []string   `yaml:"where"` // predicate expressions over notification fields
	RateLimit  *RateLimit `yaml:"rate_limit,omitempty"`
}

type RateLimit struct {
	Capacity  float64 `yaml:"capacity"`
	PerSecond float64 `yaml:"per_second"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	g := &c.Global
	if g.DBPath == "" {
		g.DBPath = DefaultDBPath
	}
	if g.Confirmations == 0 {
		g.Confirmations = DefaultConfirmations
	}
	if g.MaxReorgDepth == 0 {
		g.MaxReorgDepth = DefaultMaxReorgDepth
	}
	if g.BatchBlocks == 0 {
		g.BatchBlocks = DefaultBatchBlocks
	}
	if g.PollInterval == "" {
		g.PollInterval = DefaultPollInterval.String()
	}
	if c.API.Addr == "" {
		c.API.Addr = DefaultAPIAddr
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if err := c.Global.Validate(); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source %s: %w", c.Source.ID, err)
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}
	return nil
}

func (g *GlobalConfig) Validate() error {
	if g.PollInterval != "" {
		if d, err := time.ParseDuration(g.PollInterval); err != nil || d <= 0 {
			return fmt.Errorf("invalid poll_interval %q", g.PollInterval)
		}
	}
	if g.MaxReorgDepth < g.Confirmations {
		return fmt.Errorf("max_reorg_depth (%d) must be at least confirmations (%d)", g.MaxReorgDepth, g.Confirmations)
	}
	return nil
}

func (s *Source) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if !common.IsHexAddress(s.Contract) {
		return fmt.Errorf("contract %q is not a hex address", s.Contract)
	}
	if _, err := ParseStartBlock(s.StartBlock); err != nil {
		return err
	}
	if s.ABIPath != "" {
		if _, err := os.Stat(s.ABIPath); err != nil {
			return fmt.Errorf("abi_path: %w", err)
		}
	}
	return nil
}

// StartBlock is a parsed start_block: an absolute height or an offset from the head.
type StartBlock struct {
	Height     uint64
	FromLatest bool
}

// ParseStartBlock accepts "", a height, or "latest-N".
func ParseStartBlock(start string) (StartBlock, error) {
	if start == "" || start == "0" {
		return StartBlock{}, nil
	}
	if strings.HasPrefix(start, "latest-") {
		n, err := strconv.ParseUint(strings.TrimPrefix(start, "latest-"), 10, 64)
		if err != nil {
			return StartBlock{}, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		return StartBlock{Height: n, FromLatest: true}, nil
	}
	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return StartBlock{}, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return StartBlock{Height: n}, nil
}

// Resolve returns the absolute start height given the current safe head.
func (b StartBlock) Resolve(safeHeight uint64) uint64 {
	if !b.FromLatest {
		return b.Height
	}
	if b.Height > safeHeight {
		return 0
	}
	return safeHeight - b.Height
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}

	if s.RateLimit != nil && (s.RateLimit.Capacity < 1 || s.RateLimit.PerSecond <= 0) {
		return errors.New("rate_limit needs capacity >= 1 and per_second > 0")
	}
	for _, k := range s.Events {
		if !contains(NotifyKinds, k) {
			return fmt.Errorf("unknown event %q (want one of %s)", k, strings.Join(NotifyKinds, ", "))
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
