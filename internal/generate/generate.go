// Package generate turns an accepted-for-implementation proposal into skill
// source code.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"text/template"

	"skillgate/internal/domain"
)

// InfeasiblePrefix marks generator output that declines the proposal.
const InfeasiblePrefix = "INFEASIBLE:"

// InfeasibleError means the proposal cannot be implemented within the skill
// constraints. It is never retried.
type InfeasibleError struct {
	Reason string
}

func (e *InfeasibleError) Error() string {
	return "infeasible: " + e.Reason
}

func IsInfeasible(err error) bool {
	var ie *InfeasibleError
	return errors.As(err, &ie)
}

type Generator interface {
	Name() string
	Generate(ctx context.Context, p domain.Proposal) ([]byte, error)
}

// ReservedEvents may only be handled by core skills.
var ReservedEvents = []string{"user_input"}

func checkReserved(p domain.Proposal) error {
	for _, evt := range p.HandledEvents {
		for _, r := range ReservedEvents {
			if evt == r {
				return &InfeasibleError{Reason: fmt.Sprintf("event %q is reserved for core skills", evt)}
			}
		}
	}
	return nil
}

var skillTemplate = template.Must(template.New("skill").Funcs(template.FuncMap{
	"pkg":    packageName,
	"quoted": quoteList,
}).Parse(`// Code generated by skillgate for proposal {{.ID}}. Review before enabling.

package {{pkg .Slug}}

import "context"

// Name is the unique skill identifier.
const Name = {{printf "%q" .Slug}}

// Description is shown to the reasoning skill.
const Description = {{printf "%q" .Description}}

// Capabilities lists the tokens this skill was granted.
var Capabilities = []string{ {{- quoted .Capabilities -}} }

// HandlesEvents lists the interaction kinds routed to Handle.
var HandlesEvents = []string{ {{- quoted .HandledEvents -}} }

// Dependencies names skills that must be loaded first.
var Dependencies = []string{ {{- quoted .Dependencies -}} }

// Handle processes one event. Returning nil leaves the event to tools.
func Handle(ctx context.Context, kind string, payload map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}
`))

// Template renders a Go skill stub from the proposal fields.
type Template struct{}

func (Template) Name() string { return "template" }

func (Template) Generate(ctx context.Context, p domain.Proposal) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkReserved(p); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := skillTemplate.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("render skill template: %w", err)
	}
	return buf.Bytes(), nil
}

// Command runs an external generator. The proposal is written to stdin as
// JSON; stdout is the source, or a single INFEASIBLE: line.
type Command struct {
	Args []string
}

func (c Command) Name() string {
	if len(c.Args) == 0 {
		return "command"
	}
	return "command:" + c.Args[0]
}

func (c Command) Generate(ctx context.Context, p domain.Proposal) ([]byte, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("generator command not configured")
	}
	if err := checkReserved(p); err != nil {
		return nil, err
	}
	input, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("generator %s: %w: %s", c.Args[0], err, msg)
		}
		return nil, fmt.Errorf("generator %s: %w", c.Args[0], err)
	}
	return ParseOutput(out)
}

var (
	fenceOpen  = regexp.MustCompile("^```\\w*\\n?")
	fenceClose = regexp.MustCompile("\\n?```$")
)

// ParseOutput strips markdown fences and detects an infeasibility answer.
func ParseOutput(raw []byte) ([]byte, error) {
	text := strings.TrimSpace(string(raw))
	if len(text) >= len(InfeasiblePrefix) && strings.EqualFold(text[:len(InfeasiblePrefix)], InfeasiblePrefix) {
		return nil, &InfeasibleError{Reason: strings.TrimSpace(text[len(InfeasiblePrefix):])}
	}
	if strings.HasPrefix(text, "```") {
		text = fenceOpen.ReplaceAllString(text, "")
		text = fenceClose.ReplaceAllString(text, "")
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return nil, nil
	}
	return []byte(text + "\n"), nil
}

func packageName(slug string) string {
	var b strings.Builder
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "skill" + name
	}
	return name
}

func quoteList(v []string) string {
	q := make([]string, len(v))
	for i, s := range v {
		q[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(q, ", ")
}
