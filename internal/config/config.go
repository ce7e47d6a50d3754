package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"skillgate/internal/analyzer"
	"skillgate/internal/capability"
	"skillgate/internal/gate"
)

// Config models skillgate.yml.
type Config struct {
	Capabilities struct {
		Version string   `yaml:"version"`
		Tokens  []string `yaml:"tokens"`
	} `yaml:"capabilities"`
	Interactions map[string][]string `yaml:"interactions"`
	Gates        map[string]string   `yaml:"gates"`
	Escalation   struct {
		MaxTotalCapabilities int          `yaml:"max_total_capabilities"`
		Rules                []RuleConfig `yaml:"rules"`
	} `yaml:"escalation"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
	Generator struct {
		Command []string `yaml:"command"`
	} `yaml:"generator"`
	Scanner struct {
		ForbiddenImports []string `yaml:"forbidden_imports"`
		ForbiddenCalls   []string `yaml:"forbidden_calls"`
	} `yaml:"scanner"`
	Manifest struct {
		Path      string   `yaml:"path"`
		Protected []string `yaml:"protected"`
	} `yaml:"manifest"`
	Inbox struct {
		Dir string `yaml:"dir"`
	} `yaml:"inbox"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type RuleConfig struct {
	Name      string   `yaml:"name"`
	Trigger   []string `yaml:"trigger"`
	Resulting string   `yaml:"resulting"`
	Severity  string   `yaml:"severity"`
	Message   string   `yaml:"message"`
}

type PipelineConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StepTimeout  time.Duration `yaml:"step_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	Concurrency  int           `yaml:"concurrency"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sg init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	reg, err := c.Registry()
	if err != nil {
		return fmt.Errorf("config.capabilities: %w", err)
	}
	for kind, tokens := range c.Interactions {
		if kind == "" {
			return fmt.Errorf("config.interactions has empty kind")
		}
		if err := reg.Validate(tokens...); err != nil {
			return fmt.Errorf("interaction %s: %w", kind, err)
		}
	}
	if _, err := gate.NewResolver(c.Gates); err != nil {
		return fmt.Errorf("config.gates: %w", err)
	}
	if c.Escalation.MaxTotalCapabilities < 0 {
		return fmt.Errorf("config.escalation.max_total_capabilities must be >= 0")
	}
	if _, err := c.RuleSet(reg); err != nil {
		return err
	}
	p := c.Pipeline
	if p.PollInterval <= 0 {
		return fmt.Errorf("config.pipeline.poll_interval must be positive")
	}
	if p.StepTimeout <= 0 {
		return fmt.Errorf("config.pipeline.step_timeout must be positive")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("config.pipeline.max_attempts must be >= 1")
	}
	if p.BackoffBase <= 0 || p.BackoffMax < p.BackoffBase {
		return fmt.Errorf("config.pipeline.backoff_base must be positive and <= backoff_max")
	}
	if p.Concurrency < 1 {
		return fmt.Errorf("config.pipeline.concurrency must be >= 1")
	}
	if p.StaleAfter < 0 {
		return fmt.Errorf("config.pipeline.stale_after must be >= 0")
	}
	if c.Manifest.Path == "" {
		return fmt.Errorf("config.manifest.path is required")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Registry builds the capability vocabulary.
func (c *Config) Registry() (*capability.Registry, error) {
	return capability.NewRegistry(c.Capabilities.Version, c.Capabilities.Tokens)
}

// RuleSet builds the escalation rules, validating every token.
func (c *Config) RuleSet(reg *capability.Registry) (analyzer.RuleSet, error) {
	rs := analyzer.RuleSet{MaxTotalCapabilities: c.Escalation.MaxTotalCapabilities}
	for i, rc := range c.Escalation.Rules {
		if len(rc.Trigger) == 0 || rc.Resulting == "" {
			return rs, fmt.Errorf("escalation rule %d: trigger and resulting are required", i)
		}
		trigger, err := reg.Set(rc.Trigger...)
		if err != nil {
			return rs, fmt.Errorf("escalation rule %d: %w", i, err)
		}
		if err := reg.Validate(rc.Resulting); err != nil {
			return rs, fmt.Errorf("escalation rule %d: %w", i, err)
		}
		sev, err := analyzer.ParseSeverity(rc.Severity)
		if err != nil {
			return rs, fmt.Errorf("escalation rule %d: %w", i, err)
		}
		rs.Rules = append(rs.Rules, analyzer.Rule{
			Name:      rc.Name,
			Trigger:   trigger,
			Resulting: rc.Resulting,
			Severity:  sev,
			Message:   rc.Message,
		})
	}
	return rs, nil
}

// Resolve makes a workspace-relative path absolute.
func Resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "skillgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep
// defaults. A gates or interactions mapping replaces the default map as a
// whole: stages it leaves out resolve to human.
func FromYAML(data []byte) (*Config, error) {
	var keys map[string]yaml.Node
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg := Default()
	if _, ok := keys["gates"]; ok {
		cfg.Gates = nil
	}
	if _, ok := keys["interactions"]; ok {
		cfg.Interactions = nil
	}
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

const defaultTemplate = `capabilities:
  version: "1"
  tokens:
    - user:input
    - user:output
    - memory:read
    - memory:write
    - llm:call
    - file:write
    - audio:read
    - audio:write
    - gpio:read
    - gpio:write
    - network:read
    - network:write

# interaction kind -> tokens the dispatching component must hold
interactions:
  user_input: [user:input]
  user_output: [user:output]
  memory_query: [memory:read]
  memory_store: [memory:write]
  llm_call: [llm:call]
  file_write: [file:write]
  http_request: [network:write]

gates:
  discovered: auto
  implementation: auto
  agent-review: auto
  human-review: human

escalation:
  max_total_capabilities: 8
  rules:
    - name: memory-exfiltration
      trigger: [memory:read]
      resulting: network:write
      severity: block
      message: "stored memories could be sent off the device"
    - name: input-persistence
      trigger: [user:input]
      resulting: memory:write
      severity: warning
      message: "raw user input could be persisted"
    - name: covert-recording
      trigger: [audio:read]
      resulting: network:write
      severity: block
      message: "recorded audio could be streamed off the device"
    - name: remote-actuation
      trigger: [network:read]
      resulting: gpio:write
      severity: block
      message: "network input could drive hardware outputs"

pipeline:
  poll_interval: 30s
  step_timeout: 2m
  max_attempts: 3
  backoff_base: 1s
  backoff_max: 30s
  concurrency: 4
  stale_after: 24h

generator:
  command: []

scanner:
  forbidden_imports: [os, os/exec, syscall, unsafe, net, net/http, plugin, reflect, runtime/debug]
  forbidden_calls: [os.Exit, panic, recover]

manifest:
  path: manifest.yml
  protected: [cli, reasoning, memory, proposer]

inbox:
  dir: inbox

log:
  level: info
  format: json
`
