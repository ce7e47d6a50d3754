package analyzer

import (
	"fmt"
	"strings"

	"skillgate/internal/capability"
)

// Severity orders findings. Block and above forces a BLOCK recommendation.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityBlock
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityBlock:
		return "block"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "block", "critical":
		return SeverityBlock, nil
	}
	return 0, fmt.Errorf("unknown severity %q", v)
}

type Recommendation string

const (
	Clean           Recommendation = "CLEAN"
	ApproveWithNote Recommendation = "APPROVE_WITH_NOTE"
	Block           Recommendation = "BLOCK"
)

// CumulativeCheck names the finding raised when the union grows past the threshold.
const CumulativeCheck = "cumulative-privilege"

// Rule flags a dangerous combination: trigger tokens together with resulting.
type Rule struct {
	Name      string
	Trigger   capability.Set
	Resulting string
	Severity  Severity
	Message   string
}

// ID is the rule name, or a name derived from its tokens.
func (r Rule) ID() string {
	if r.Name != "" {
		return r.Name
	}
	return strings.Join(r.Trigger.Sorted(), "+") + "->" + r.Resulting
}

// RuleSet is loaded once from configuration. A zero MaxTotalCapabilities disables the cumulative check.
type RuleSet struct {
	Rules                []Rule
	MaxTotalCapabilities int
}

type Finding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Tokens   []string `json:"tokens,omitempty"`
}

type Report struct {
	Findings       []Finding      `json:"findings"`
	Recommendation Recommendation `json:"recommendation"`
	UnionSize      int            `json:"union_size"`
}

// Blocking reports whether any finding reaches block severity.
func (r Report) Blocking() bool { return r.Recommendation == Block }

// Analyze evaluates candidate against every active set. It has no side effects,
// and the result does not depend on the order of active.
func Analyze(candidate capability.Set, active []capability.Set, rules RuleSet) Report {
	union := candidate.Union(active...)
	report := Report{Findings: []Finding{}, UnionSize: union.Len()}

	for _, rule := range rules.Rules {
		if !union.Contains(rule.Trigger) || !union.Has(rule.Resulting) {
			continue
		}
		if !candidate.Intersects(rule.Trigger) && !candidate.Has(rule.Resulting) {
			// combination already present without this candidate
			continue
		}
		tokens := rule.Trigger.Union(capability.NewSet(rule.Resulting)).Sorted()
		report.Findings = append(report.Findings, Finding{
			Check:    rule.ID(),
			Severity: rule.Severity,
			Message:  rule.Message,
			Tokens:   tokens,
		})
	}

	if rules.MaxTotalCapabilities > 0 && union.Len() > rules.MaxTotalCapabilities {
		report.Findings = append(report.Findings, Finding{
			Check:    CumulativeCheck,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("active capability union would reach %d tokens (limit %d)",
				union.Len(), rules.MaxTotalCapabilities),
			Tokens: union.Sorted(),
		})
	}

	report.Recommendation = Clean
	for _, f := range report.Findings {
		if f.Severity >= SeverityBlock {
			report.Recommendation = Block
			break
		}
		report.Recommendation = ApproveWithNote
	}
	return report
}
