// Package notify reaches the human reviewer. Notifiers report status changes
// and ask for approval at human-gated stages.
package notify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"skillgate/internal/analyzer"
	"skillgate/internal/domain"
	"skillgate/internal/scan"
)

type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	VerdictPending Verdict = "pending"
)

type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
	Actor   string  `json:"actor,omitempty"`
}

// Pending is the answer of a notifier that cannot decide now.
func Pending() Decision { return Decision{Verdict: VerdictPending} }

// Review is what a reviewer sees when asked to decide.
type Review struct {
	Stage     string           `json:"stage"`
	Escalated bool             `json:"escalated"`
	Reasons   []string         `json:"reasons,omitempty"`
	Scan      *scan.Result     `json:"scan,omitempty"`
	Analysis  *analyzer.Report `json:"analysis,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, p domain.Proposal, status, message string) error
	RequestApproval(ctx context.Context, p domain.Proposal, stage string, r Review) (Decision, error)
}

// Log records notifications and leaves every approval pending for an
// operator to resolve through the CLI or API.
type Log struct {
	Logger *zap.Logger
}

func (l Log) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func (l Log) Notify(_ context.Context, p domain.Proposal, status, message string) error {
	l.logger().Info(message, zap.String("proposal", p.ID), zap.String("slug", p.Slug), zap.String("status", status))
	return nil
}

func (l Log) RequestApproval(_ context.Context, p domain.Proposal, stage string, r Review) (Decision, error) {
	fields := []zap.Field{
		zap.String("proposal", p.ID),
		zap.String("slug", p.Slug),
		zap.String("stage", stage),
		zap.Bool("escalated", r.Escalated),
	}
	if len(r.Reasons) > 0 {
		fields = append(fields, zap.Strings("reasons", r.Reasons))
	}
	if r.Analysis != nil {
		fields = append(fields, zap.String("recommendation", string(r.Analysis.Recommendation)))
	}
	l.logger().Warn("approval required", fields...)
	return Pending(), nil
}

// Console prompts on Out and reads y/n answers from In. Anything else leaves
// the proposal pending.
type Console struct {
	In    io.Reader
	Out   io.Writer
	Actor string

	mu     sync.Mutex
	reader *bufio.Reader
}

func (c *Console) Notify(_ context.Context, p domain.Proposal, status, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.Out, "[%s] %s: %s\n", statusColor(status).Sprint(status), p.Slug, message)
	return err
}

func (c *Console) RequestApproval(ctx context.Context, p domain.Proposal, stage string, r Review) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		c.reader = bufio.NewReader(c.In)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\nProposal %s (%s) awaits approval at %s\n", p.Slug, p.ID, stage)
	fmt.Fprintf(&b, "  capabilities: %s\n", strings.Join(p.Capabilities, ", "))
	if r.Escalated {
		b.WriteString(color.New(color.FgRed, color.Bold).Sprint("  escalated for human review") + "\n")
	}
	for _, reason := range r.Reasons {
		fmt.Fprintf(&b, "  - %s\n", reason)
	}
	if r.Analysis != nil {
		fmt.Fprintf(&b, "  composition: %s\n", r.Analysis.Recommendation)
		for _, f := range r.Analysis.Findings {
			fmt.Fprintf(&b, "    [%s] %s\n", f.Severity, f.Message)
		}
	}
	b.WriteString("Approve? [y/N/later] ")
	if _, err := io.WriteString(c.Out, b.String()); err != nil {
		return Pending(), err
	}

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := c.reader.ReadString('\n')
		ch <- answer{line, err}
	}()
	var a answer
	select {
	case <-ctx.Done():
		return Pending(), ctx.Err()
	case a = <-ch:
	}
	if a.err != nil && !errors.Is(a.err, io.EOF) {
		return Pending(), a.err
	}
	switch strings.ToLower(strings.TrimSpace(a.line)) {
	case "y", "yes":
		return Decision{Verdict: VerdictApprove, Actor: c.actor()}, nil
	case "n", "no":
		return Decision{Verdict: VerdictReject, Reason: "declined at console", Actor: c.actor()}, nil
	}
	return Pending(), nil
}

func (c *Console) actor() string {
	if c.Actor == "" {
		return "console"
	}
	return c.Actor
}

func statusColor(status string) *color.Color {
	switch status {
	case domain.StatusAccepted:
		return color.New(color.FgGreen)
	case domain.StatusRejected:
		return color.New(color.FgRed)
	case domain.StatusHumanReview:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgCyan)
}

// Multi fans notifications out. For approvals the first non-pending answer
// wins.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, p domain.Proposal, status, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, p, status, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RequestApproval(ctx context.Context, p domain.Proposal, stage string, r Review) (Decision, error) {
	var errs []error
	for _, n := range m {
		d, err := n.RequestApproval(ctx, p, stage, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d.Verdict != VerdictPending {
			return d, nil
		}
	}
	return Pending(), errors.Join(errs...)
}
