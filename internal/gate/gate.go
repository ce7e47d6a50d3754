package gate

import (
	"fmt"
	"strings"
)

type Mode string

const (
	Auto  Mode = "auto"
	Human Mode = "human"
)

func ParseMode(v string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(v))) {
	case Auto:
		return Auto, nil
	case Human:
		return Human, nil
	}
	return "", fmt.Errorf("gate mode must be auto or human, got %q", v)
}

// Resolver maps stage names to gate modes. Stages it does not know resolve to Human.
type Resolver struct {
	modes map[string]Mode
}

func NewResolver(cfg map[string]string) (Resolver, error) {
	modes := make(map[string]Mode, len(cfg))
	for stage, raw := range cfg {
		m, err := ParseMode(raw)
		if err != nil {
			return Resolver{}, fmt.Errorf("gate %s: %w", stage, err)
		}
		modes[stage] = m
	}
	return Resolver{modes: modes}, nil
}

func (r Resolver) Resolve(stage string) Mode {
	if m, ok := r.modes[stage]; ok {
		return m
	}
	return Human
}
