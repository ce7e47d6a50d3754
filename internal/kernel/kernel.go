// Package kernel routes events between the skills of a frozen manifest and
// enforces declared capabilities on every dispatch.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"skillgate/internal/capability"
	"skillgate/internal/manifest"
)

// DriverToken is the capability a skill needs to run the interaction loop.
const DriverToken = "user:input"

var (
	ErrNoDriver     = errors.New("no skill holds user:input; the agent needs a communication skill to start")
	ErrUnknownSkill = errors.New("skill is not in the manifest")
)

type Event struct {
	Kind    string         `json:"kind"`
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is what a handler returns. A nil *Result means the handler passed.
type Result struct {
	Skill   string `json:"skill"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

type Handler func(ctx context.Context, evt Event) (*Result, error)

type Kernel struct {
	manifest *manifest.Manifest
	guard    *capability.Guard
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New boots a kernel over m. The manifest must carry a driver skill.
func New(m *manifest.Manifest, guard *capability.Guard, logger *zap.Logger) (*Kernel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := RequireDriver(m); err != nil {
		return nil, err
	}
	return &Kernel{manifest: m, guard: guard, logger: logger, handlers: map[string]Handler{}}, nil
}

// RequireDriver returns the first skill holding DriverToken.
func RequireDriver(m *manifest.Manifest) (manifest.Skill, error) {
	for _, s := range m.Skills() {
		if s.Capabilities().Has(DriverToken) {
			return s, nil
		}
	}
	return manifest.Skill{}, ErrNoDriver
}

func (k *Kernel) Manifest() *manifest.Manifest { return k.manifest }

// Register binds the implementation of a manifest skill.
func (k *Kernel) Register(skill string, h Handler) error {
	if _, ok := k.manifest.Lookup(skill); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSkill, skill)
	}
	k.mu.Lock()
	k.handlers[skill] = h
	k.mu.Unlock()
	return nil
}

// Check authorizes skill for interaction. Skills outside the manifest hold
// nothing.
func (k *Kernel) Check(skill, interaction string) capability.Decision {
	var granted capability.Set
	if s, ok := k.manifest.Lookup(skill); ok {
		granted = s.Capabilities()
	}
	return k.guard.Authorize(skill, granted, interaction)
}

// Dispatch routes evt to every skill that handles its kind, except the
// source, and returns the first non-nil result. The source must hold the
// tokens the event kind requires. A failing handler is logged and skipped.
func (k *Kernel) Dispatch(ctx context.Context, evt Event) (*Result, error) {
	if err := k.Check(evt.Source, evt.Kind).Err(); err != nil {
		return nil, err
	}
	for _, s := range k.manifest.Handlers(evt.Kind) {
		if s.Name() == evt.Source {
			continue
		}
		h := k.handler(s.Name())
		if h == nil {
			continue
		}
		res, err := h(ctx, evt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			k.logger.Error("skill failed handling event", zap.String("skill", s.Name()), zap.String("event", evt.Kind), zap.Error(err))
			continue
		}
		if res != nil {
			if res.Skill == "" {
				res.Skill = s.Name()
			}
			return res, nil
		}
	}
	return nil, nil
}

// Call delivers evt to a single target skill.
func (k *Kernel) Call(ctx context.Context, target string, evt Event) (*Result, error) {
	if err := k.Check(evt.Source, evt.Kind).Err(); err != nil {
		return nil, err
	}
	s, ok := k.manifest.Lookup(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, target)
	}
	if !s.Handles(evt.Kind) {
		return nil, fmt.Errorf("skill %s does not handle %s", target, evt.Kind)
	}
	h := k.handler(target)
	if h == nil {
		return nil, fmt.Errorf("skill %s has no registered handler", target)
	}
	return h(ctx, evt)
}

func (k *Kernel) handler(skill string) Handler {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.handlers[skill]
}
