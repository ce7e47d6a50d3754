package manifest_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillgate/internal/capability"
	"skillgate/internal/manifest"
)

func registry(t *testing.T) *capability.Registry {
	t.Helper()
	reg, err := capability.NewRegistry("1", capability.StandardTokens)
	require.NoError(t, err)
	return reg
}

func TestBuildValidates(t *testing.T) {
	reg := registry(t)
	_, err := manifest.Build(reg, 1, []manifest.SkillSpec{{Name: "a", Capabilities: []string{"shell:exec"}}})
	var unknown *capability.UnknownTokenError
	assert.True(t, errors.As(err, &unknown))

	_, err = manifest.Build(reg, 1, []manifest.SkillSpec{{Name: "a"}, {Name: "a"}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = manifest.Build(reg, 1, []manifest.SkillSpec{{Name: "a", Dependencies: []string{"ghost"}}})
	assert.ErrorContains(t, err, "unknown skill ghost")
}

func TestManifestReadViewsAreCopies(t *testing.T) {
	f := manifest.DefaultFile()
	m, err := manifest.Build(registry(t), f.Version, f.Skills)
	require.NoError(t, err)
	require.Equal(t, 4, m.Len())

	skills := m.Skills()
	skills[0] = manifest.Skill{}
	first, ok := m.Lookup("cli")
	require.True(t, ok)
	assert.Equal(t, "cli", first.Name())

	caps := first.Capabilities()
	caps["network:write"] = struct{}{}
	again, _ := m.Lookup("cli")
	assert.False(t, again.Capabilities().Has("network:write"))

	sets := m.ActiveSets()
	sets[0]["gpio:write"] = struct{}{}
	assert.False(t, m.ActiveSets()[0].Has("gpio:write"))

	handlers := m.Handlers("memory_store")
	require.Len(t, handlers, 1)
	assert.Equal(t, "memory", handlers[0].Name())
	assert.Equal(t, []string{"memory", "reasoning"}, m.WithCapability("memory:write"))
}

func TestNextBootManifest(t *testing.T) {
	reg := registry(t)
	path := filepath.Join(t.TempDir(), "manifest.yml")
	require.NoError(t, manifest.Save(path, manifest.DefaultFile()))

	live, err := manifest.Load(path, reg)
	require.NoError(t, err)

	next, err := manifest.WithSkill(path, reg, manifest.SkillSpec{
		Name:         "weather",
		Origin:       manifest.OriginProposed,
		Capabilities: []string{"network:read", "user:output"},
	})
	require.NoError(t, err)
	require.NoError(t, manifest.Save(path, next))
	assert.Equal(t, 2, next.Version)

	// the frozen manifest is untouched by the rewrite
	assert.Equal(t, 4, live.Len())
	_, ok := live.Lookup("weather")
	assert.False(t, ok)

	reloaded, err := manifest.Load(path, reg)
	require.NoError(t, err)
	assert.Equal(t, 5, reloaded.Len())

	_, err = manifest.WithSkill(path, reg, manifest.SkillSpec{Name: "weather"})
	assert.ErrorContains(t, err, "already")

	_, err = manifest.WithoutSkill(path, reg, "cli", []string{"cli"})
	assert.ErrorIs(t, err, manifest.ErrProtected)

	_, err = manifest.WithoutSkill(path, reg, "memory", nil)
	assert.ErrorContains(t, err, "depends on unknown skill memory")

	removed, err := manifest.WithoutSkill(path, reg, "weather", []string{"cli"})
	require.NoError(t, err)
	assert.Len(t, removed.Skills, 4)
}
