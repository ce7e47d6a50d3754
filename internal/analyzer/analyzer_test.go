package analyzer_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillgate/internal/analyzer"
	"skillgate/internal/capability"
)

var exfiltration = analyzer.Rule{
	Name:      "memory-exfiltration",
	Trigger:   capability.NewSet("memory:read"),
	Resulting: "network:write",
	Severity:  analyzer.SeverityBlock,
	Message:   "stored memories could leave the device",
}

func TestRuleFiresWhenCandidateCompletesCombination(t *testing.T) {
	rules := analyzer.RuleSet{Rules: []analyzer.Rule{exfiltration}}
	report := analyzer.Analyze(
		capability.NewSet("network:write", "user:output"),
		[]capability.Set{capability.NewSet("memory:read")},
		rules,
	)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, "memory-exfiltration", report.Findings[0].Check)
	assert.Equal(t, []string{"memory:read", "network:write"}, report.Findings[0].Tokens)
	assert.NotEqual(t, analyzer.Clean, report.Recommendation)
	assert.Equal(t, analyzer.Block, report.Recommendation)
}

func TestPreexistingCombinationNotReflagged(t *testing.T) {
	rules := analyzer.RuleSet{Rules: []analyzer.Rule{exfiltration}}
	report := analyzer.Analyze(
		capability.NewSet("user:output"),
		[]capability.Set{capability.NewSet("memory:read"), capability.NewSet("network:write")},
		rules,
	)
	assert.Empty(t, report.Findings)
	assert.Equal(t, analyzer.Clean, report.Recommendation)
}

func TestCumulativeThreshold(t *testing.T) {
	active := []capability.Set{
		capability.NewSet("user:input", "user:output", "memory:read"),
		capability.NewSet("memory:write", "llm:call"),
		capability.NewSet("file:write", "audio:read"),
	}
	rules := analyzer.RuleSet{MaxTotalCapabilities: 8}
	report := analyzer.Analyze(capability.NewSet("gpio:read", "gpio:write"), active, rules)

	assert.Equal(t, 9, report.UnionSize)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, analyzer.CumulativeCheck, report.Findings[0].Check)
	assert.Equal(t, analyzer.SeverityWarning, report.Findings[0].Severity)
	assert.Equal(t, analyzer.ApproveWithNote, report.Recommendation)

	within := analyzer.Analyze(capability.NewSet("gpio:read"), active, rules)
	assert.Equal(t, 8, within.UnionSize)
	assert.Empty(t, within.Findings)
}

func TestAnalyzeIgnoresActiveOrder(t *testing.T) {
	rules := analyzer.RuleSet{
		MaxTotalCapabilities: 3,
		Rules: []analyzer.Rule{
			exfiltration,
			{Trigger: capability.NewSet("user:input"), Resulting: "memory:write", Severity: analyzer.SeverityWarning, Message: "inputs persisted"},
		},
	}
	a := capability.NewSet("memory:read", "user:input")
	b := capability.NewSet("memory:write", "llm:call")
	c := capability.NewSet("network:write", "user:input")

	ab := analyzer.Analyze(c, []capability.Set{a, b}, rules)
	ba := analyzer.Analyze(c, []capability.Set{b, a}, rules)
	if diff := cmp.Diff(ab, ba); diff != "" {
		t.Fatalf("report depends on active order (-ab +ba):\n%s", diff)
	}
	assert.Len(t, ab.Findings, 3)
	assert.Equal(t, "user:input->memory:write", ab.Findings[1].Check)
}

func TestParseSeverity(t *testing.T) {
	for in, want := range map[string]analyzer.Severity{
		"info": analyzer.SeverityInfo, "WARNING": analyzer.SeverityWarning, "block": analyzer.SeverityBlock,
	} {
		got, err := analyzer.ParseSeverity(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := analyzer.ParseSeverity("fatal")
	assert.Error(t, err)
}
