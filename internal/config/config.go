package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models zkescrow.yml.
type Config struct {
	Ledger     LedgerConfig     `yaml:"ledger"`
	Circuit    CircuitConfig    `yaml:"circuit"`
	Prover     ProverConfig     `yaml:"prover"`
	Commitment CommitmentConfig `yaml:"commitment"`
	Escrow     EscrowConfig     `yaml:"escrow"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Wallet     WalletConfig     `yaml:"wallet"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
}

type LedgerConfig struct {
	NodeURL         string `yaml:"node_url"`
	ContractAddress string `yaml:"contract_address"`
	JobModule       string `yaml:"job_module"`
	DIDModule       string `yaml:"did_module"`
	ProfileModule   string `yaml:"profile_module"`
	APIKey          string `yaml:"api_key"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	CacheSize       int    `yaml:"cache_size"`
}

// CircuitConfig names the four artifacts. Relative paths resolve against the workspace.
type CircuitConfig struct {
	WitnessGenerator string `yaml:"witness_generator"`
	ProvingKey       string `yaml:"proving_key"`
	InputTemplate    string `yaml:"input_template"`
	VerificationKey  string `yaml:"verification_key"`
}

type ProverConfig struct {
	Workers        int `yaml:"workers"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type CommitmentConfig struct {
	Scheme string `yaml:"scheme"`
}

type EscrowConfig struct {
	ApplyWindowSeconds     int64 `yaml:"apply_window_seconds"`
	SubmissionLeaseSeconds int   `yaml:"submission_lease_seconds"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type WalletConfig struct {
	RelayURL string `yaml:"relay_url"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)
	modulePattern  = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with zkescrow config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.NodeURL == "" {
		return fmt.Errorf("config.ledger.node_url is required")
	}
	if u, err := url.Parse(c.Ledger.NodeURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.ledger.node_url %q is not an absolute url", c.Ledger.NodeURL)
	}
	if !addressPattern.MatchString(c.Ledger.ContractAddress) {
		return fmt.Errorf("config.ledger.contract_address must be a 0x-prefixed account address")
	}
	for name, mod := range map[string]string{
		"job_module":     c.Ledger.JobModule,
		"did_module":     c.Ledger.DIDModule,
		"profile_module": c.Ledger.ProfileModule,
	} {
		if !modulePattern.MatchString(mod) {
			return fmt.Errorf("config.ledger.%s %q is not a valid module name", name, mod)
		}
	}
	if c.Ledger.TimeoutSeconds < 0 || c.Ledger.CacheTTLSeconds < 0 || c.Ledger.CacheSize < 0 {
		return fmt.Errorf("config.ledger timeouts and cache sizes must not be negative")
	}
	if c.Circuit.WitnessGenerator == "" || c.Circuit.ProvingKey == "" || c.Circuit.InputTemplate == "" {
		return fmt.Errorf("config.circuit requires witness_generator, proving_key and input_template")
	}
	if c.Prover.Workers < 1 {
		return fmt.Errorf("config.prover.workers must be at least 1")
	}
	if c.Prover.TimeoutSeconds < 1 {
		return fmt.Errorf("config.prover.timeout_seconds must be at least 1")
	}
	switch c.Commitment.Scheme {
	case "did", "attributes":
	default:
		return fmt.Errorf("config.commitment.scheme must be 'did' or 'attributes'")
	}
	if c.Escrow.ApplyWindowSeconds <= 0 {
		return fmt.Errorf("config.escrow.apply_window_seconds must be positive")
	}
	if c.Escrow.SubmissionLeaseSeconds <= 0 {
		return fmt.Errorf("config.escrow.submission_lease_seconds must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be 'console' or 'json'")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "zkescrow.yml")
}

// ResolvePath anchors relative artifact paths at the workspace.
func ResolvePath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Missing sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `ledger:
  node_url: https://api.testnet.aptoslabs.com
  contract_address: "0x0973872f44f39b6992fa8c169262648c3b1874b46e6c21e22266d4bbc4e1accd"
  job_module: escrow
  did_module: did_registry
  profile_module: profile
  timeout_seconds: 10
  cache_ttl_seconds: 15
  cache_size: 256

circuit:
  witness_generator: zk/membership.r1cs
  proving_key: zk/circuit.pk
  input_template: zk/input.json
  verification_key: zk/verification_key.vk

prover:
  workers: 2
  timeout_seconds: 120

commitment:
  scheme: did

escrow:
  apply_window_seconds: 604800
  submission_lease_seconds: 300

server:
  addr: 127.0.0.1:8080
  base_path: /api

log:
  level: info
  format: console
  max_size_mb: 50
  max_backups: 3
  max_age_days: 14

wallet:
  relay_url: ""
`
