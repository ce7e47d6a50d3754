package capability

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"skillgate/internal/observability"
)

// Decision is the outcome of a guard check. Missing is empty when Allowed.
type Decision struct {
	Allowed     bool     `json:"allowed"`
	Missing     []string `json:"missing,omitempty"`
	Component   string   `json:"component,omitempty"`
	Interaction string   `json:"interaction,omitempty"`
}

// Err returns a *DeniedError for a denied decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Component: d.Component, Interaction: d.Interaction, Missing: d.Missing}
}

// DeniedError reports a capability denial to the caller of a guarded interaction.
type DeniedError struct {
	Component   string
	Interaction string
	Missing     []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("component %s lacks capability %s for %s", e.Component, strings.Join(e.Missing, ","), e.Interaction)
}

// Check allows the interaction iff required is a subset of granted.
func Check(granted, required Set) Decision {
	missing := granted.Missing(required)
	return Decision{Allowed: len(missing) == 0, Missing: missing}
}

// Guard enforces declared capabilities on interactions. The interaction to
// token mapping is data; kinds without an entry require nothing.
type Guard struct {
	requirements map[string]Set
	logger       *zap.Logger
}

// NewGuard validates every required token against the registry.
func NewGuard(reg *Registry, requirements map[string][]string, logger *zap.Logger) (*Guard, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kinds := make([]string, 0, len(requirements))
	for kind := range requirements {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	reqs := make(map[string]Set, len(requirements))
	for _, kind := range kinds {
		if strings.TrimSpace(kind) == "" {
			return nil, fmt.Errorf("interaction kind is empty")
		}
		set, err := reg.Set(requirements[kind]...)
		if err != nil {
			return nil, fmt.Errorf("interaction %s: %w", kind, err)
		}
		reqs[kind] = set
	}
	return &Guard{requirements: reqs, logger: logger}, nil
}

// Required returns the tokens an interaction kind needs.
func (g *Guard) Required(interaction string) Set {
	return g.requirements[interaction].Clone()
}

// Interactions lists the configured interaction kinds.
func (g *Guard) Interactions() []string {
	out := make([]string, 0, len(g.requirements))
	for k := range g.requirements {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Authorize checks a component's declared capabilities against an interaction.
// Denials are logged and counted, never fatal.
func (g *Guard) Authorize(component string, granted Set, interaction string) Decision {
	d := Check(granted, g.requirements[interaction])
	d.Component = component
	d.Interaction = interaction
	if !d.Allowed {
		g.logger.Warn("capability denied",
			zap.String("component", component),
			zap.String("interaction", interaction),
			zap.Strings("missing", d.Missing),
		)
		observability.RecordDenial(interaction)
	}
	return d
}
