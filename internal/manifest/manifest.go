package manifest

import (
	"fmt"
	"sort"
	"strings"

	"skillgate/internal/capability"
)

const (
	OriginBuiltin  = "builtin"
	OriginProposed = "proposed"
)

// SkillSpec is the serialized form of a skill entry in the manifest file.
type SkillSpec struct {
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description,omitempty" json:"description,omitempty"`
	Origin        string   `yaml:"origin,omitempty" json:"origin,omitempty"`
	Proposal      string   `yaml:"proposal,omitempty" json:"proposal,omitempty"`
	Module        string   `yaml:"module,omitempty" json:"module,omitempty"`
	Capabilities  []string `yaml:"capabilities" json:"capabilities"`
	HandlesEvents []string `yaml:"handles_events,omitempty" json:"handles_events,omitempty"`
	Dependencies  []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// Skill is one active component. It has no exported fields; accessors copy.
type Skill struct {
	name         string
	description  string
	origin       string
	proposal     string
	module       string
	capabilities capability.Set
	events       []string
	dependencies []string
}

func (s Skill) Name() string        { return s.name }
func (s Skill) Description() string { return s.description }
func (s Skill) Origin() string      { return s.origin }
func (s Skill) Module() string      { return s.module }
func (s Skill) Proposal() string    { return s.proposal }

func (s Skill) Capabilities() capability.Set { return s.capabilities.Clone() }

func (s Skill) HandlesEvents() []string { return append([]string(nil), s.events...) }

func (s Skill) Dependencies() []string { return append([]string(nil), s.dependencies...) }

func (s Skill) Handles(event string) bool {
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

// Spec converts the skill back into its serialized form.
func (s Skill) Spec() SkillSpec {
	return SkillSpec{
		Name:          s.name,
		Description:   s.description,
		Origin:        s.origin,
		Proposal:      s.proposal,
		Module:        s.module,
		Capabilities:  s.capabilities.Sorted(),
		HandlesEvents: s.HandlesEvents(),
		Dependencies:  s.Dependencies(),
	}
}

// Manifest is the frozen set of active skills built once at boot.
type Manifest struct {
	version int
	skills  []Skill
	byName  map[string]int
}

// Build validates specs and freezes them. Names must be unique, tokens known,
// and dependencies must name another skill in the same manifest.
func Build(reg *capability.Registry, version int, specs []SkillSpec) (*Manifest, error) {
	m := &Manifest{version: version, byName: make(map[string]int, len(specs))}
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("manifest skill name is required")
		}
		if _, dup := m.byName[name]; dup {
			return nil, fmt.Errorf("manifest has duplicate skill %s", name)
		}
		caps, err := reg.Set(spec.Capabilities...)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", name, err)
		}
		origin := spec.Origin
		if origin == "" {
			origin = OriginBuiltin
		}
		m.byName[name] = len(m.skills)
		m.skills = append(m.skills, Skill{
			name:         name,
			description:  spec.Description,
			origin:       origin,
			proposal:     spec.Proposal,
			module:       spec.Module,
			capabilities: caps,
			events:       append([]string(nil), spec.HandlesEvents...),
			dependencies: append([]string(nil), spec.Dependencies...),
		})
	}
	for _, s := range m.skills {
		for _, dep := range s.dependencies {
			if _, ok := m.byName[dep]; !ok {
				return nil, fmt.Errorf("skill %s depends on unknown skill %s", s.name, dep)
			}
		}
	}
	return m, nil
}

func (m *Manifest) Version() int { return m.version }

func (m *Manifest) Len() int { return len(m.skills) }

// Skills returns the skills in manifest order.
func (m *Manifest) Skills() []Skill {
	return append([]Skill(nil), m.skills...)
}

func (m *Manifest) Lookup(name string) (Skill, bool) {
	i, ok := m.byName[name]
	if !ok {
		return Skill{}, false
	}
	return m.skills[i], true
}

// ActiveSets returns one capability set per skill.
func (m *Manifest) ActiveSets() []capability.Set {
	out := make([]capability.Set, 0, len(m.skills))
	for _, s := range m.skills {
		out = append(out, s.capabilities.Clone())
	}
	return out
}

// Handlers returns the skills declaring the event, in manifest order.
func (m *Manifest) Handlers(event string) []Skill {
	var out []Skill
	for _, s := range m.skills {
		if s.Handles(event) {
			out = append(out, s)
		}
	}
	return out
}

// WithCapability returns the names of skills holding token, sorted.
func (m *Manifest) WithCapability(token string) []string {
	var out []string
	for _, s := range m.skills {
		if s.capabilities.Has(token) {
			out = append(out, s.name)
		}
	}
	sort.Strings(out)
	return out
}

// Specs returns the serialized form of every skill.
func (m *Manifest) Specs() []SkillSpec {
	out := make([]SkillSpec, 0, len(m.skills))
	for _, s := range m.skills {
		out = append(out, s.Spec())
	}
	return out
}
