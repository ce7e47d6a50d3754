package config

import (
	"strings"
	"testing"
	"time"

	"skillgate/internal/gate"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Pipeline.PollInterval != 30*time.Second {
		t.Fatalf("poll interval = %s", cfg.Pipeline.PollInterval)
	}
	if cfg.Gates["human-review"] != "human" {
		t.Fatalf("human-review gate = %q", cfg.Gates["human-review"])
	}
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	rs, err := cfg.RuleSet(reg)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if len(rs.Rules) != 4 || rs.MaxTotalCapabilities != 8 {
		t.Fatalf("unexpected rule set %+v", rs)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("gates:\n  discovered: human\npipeline:\n  poll_interval: 5s\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Gates["discovered"] != "human" {
		t.Fatalf("gates = %v", cfg.Gates)
	}
	if cfg.Pipeline.PollInterval != 5*time.Second || cfg.Pipeline.MaxAttempts != 3 {
		t.Fatalf("pipeline = %+v", cfg.Pipeline)
	}
	if len(cfg.Interactions) != len(Default().Interactions) {
		t.Fatalf("interactions = %v", cfg.Interactions)
	}
}

func TestGatesOmittedFromFileResolveToHuman(t *testing.T) {
	cfg, err := FromYAML([]byte("gates:\n  human-review: human\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if len(cfg.Gates) != 1 {
		t.Fatalf("default gates leaked into file gates: %v", cfg.Gates)
	}
	r, err := gate.NewResolver(cfg.Gates)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	for _, stage := range []string{"discovered", "implementation", "agent-review", "human-review"} {
		if got := r.Resolve(stage); got != gate.Human {
			t.Fatalf("stage %s resolved to %s", stage, got)
		}
	}
}

func TestInteractionsFromFileReplaceDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("interactions:\n  user_output: [user:output]\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if len(cfg.Interactions) != 1 || len(cfg.Interactions["user_output"]) != 1 {
		t.Fatalf("interactions = %v", cfg.Interactions)
	}
	if _, ok := cfg.Interactions["http_request"]; ok {
		t.Fatalf("default interaction leaked: %v", cfg.Interactions)
	}
}

func TestValidateRejectsUnknownTokens(t *testing.T) {
	cases := map[string]string{
		"rule":        "escalation:\n  rules:\n    - trigger: [shell:exec]\n      resulting: network:write\n      severity: block\n",
		"resulting":   "escalation:\n  rules:\n    - trigger: [memory:read]\n      resulting: shell:exec\n      severity: block\n",
		"interaction": "interactions:\n  spawn: [shell:exec]\n",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), "unknown capability token") {
			t.Fatalf("%s: expected unknown token error, got %v", name, err)
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []string{
		"gates:\n  discovered: sometimes\n",
		"escalation:\n  rules:\n    - trigger: [memory:read]\n      resulting: network:write\n      severity: fatal\n",
		"pipeline:\n  max_attempts: 0\n",
		"pipeline:\n  backoff_base: 1m\n  backoff_max: 1s\n",
		"webhooks:\n  - events: [proposal.accepted]\n",
	}
	for _, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("expected error for %q", doc)
		}
	}
}
