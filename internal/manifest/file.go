package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"skillgate/internal/capability"
)

// File is the on-disk manifest read at boot.
type File struct {
	Version int         `yaml:"version"`
	Skills  []SkillSpec `yaml:"skills"`
}

// DefaultFile returns the built-in core skills.
func DefaultFile() File {
	return File{
		Version: 1,
		Skills: []SkillSpec{
			{
				Name:         "cli",
				Description:  "Interactive driver loop",
				Origin:       OriginBuiltin,
				Capabilities: []string{"user:input", "user:output"},
			},
			{
				Name:          "memory",
				Description:   "Fact storage and recall",
				Origin:        OriginBuiltin,
				Capabilities:  []string{"memory:read", "memory:write", "llm:call"},
				HandlesEvents: []string{"memory_query", "memory_store"},
			},
			{
				Name:          "reasoning",
				Description:   "Conversational reasoning",
				Origin:        OriginBuiltin,
				Capabilities:  []string{"llm:call", "memory:read", "memory:write"},
				HandlesEvents: []string{"user_input"},
				Dependencies:  []string{"memory"},
			},
			{
				Name:          "proposer",
				Description:   "Drafts skill proposals",
				Origin:        OriginBuiltin,
				Capabilities:  []string{"llm:call", "file:write"},
				HandlesEvents: []string{"skill_proposal"},
			},
		},
	}
}

// Load reads and freezes the manifest at path.
func Load(path string, reg *capability.Registry) (*Manifest, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Build(reg, f.Version, f.Skills)
}

// ReadFile parses the manifest file without validating tokens.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, fmt.Errorf("manifest %s not found; run sg init", path)
		}
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("invalid manifest yaml: %w", err)
	}
	return f, nil
}

// Save writes f atomically. The running process keeps its frozen copy.
func Save(path string, f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*.yml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var ErrProtected = errors.New("skill is protected")

// WithSkill returns the next-boot manifest file: the current on-disk file plus add.
// Reading the file rather than the frozen manifest keeps earlier staged changes.
func WithSkill(path string, reg *capability.Registry, add SkillSpec) (File, error) {
	f, err := ReadFile(path)
	if err != nil {
		return File{}, err
	}
	for _, s := range f.Skills {
		if s.Name == add.Name {
			return File{}, fmt.Errorf("skill %s already in manifest", add.Name)
		}
	}
	next := File{Version: f.Version + 1, Skills: append(append([]SkillSpec(nil), f.Skills...), add)}
	if _, err := Build(reg, next.Version, next.Skills); err != nil {
		return File{}, err
	}
	return next, nil
}

// WithoutSkill returns the next-boot manifest file minus name.
func WithoutSkill(path string, reg *capability.Registry, name string, protected []string) (File, error) {
	for _, p := range protected {
		if p == name {
			return File{}, fmt.Errorf("%w: %s is a core skill", ErrProtected, name)
		}
	}
	f, err := ReadFile(path)
	if err != nil {
		return File{}, err
	}
	next := File{Version: f.Version + 1}
	found := false
	for _, s := range f.Skills {
		if s.Name == name {
			found = true
			continue
		}
		next.Skills = append(next.Skills, s)
	}
	if !found {
		return File{}, fmt.Errorf("skill %s not in manifest", name)
	}
	if _, err := Build(reg, next.Version, next.Skills); err != nil {
		return File{}, fmt.Errorf("removing %s: %w", name, err)
	}
	return next, nil
}
