package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"skillgate/internal/app"
	"skillgate/internal/config"
	"skillgate/internal/kernel"
	"skillgate/internal/manifest"
)

func TestInitIsIdempotent(t *testing.T) {
	ws := t.TempDir()
	written, err := app.Init(ws, false)
	require.NoError(t, err)
	require.Len(t, written, 2)
	require.FileExists(t, config.Path(ws))

	written, err = app.Init(ws, false)
	require.NoError(t, err)
	require.Empty(t, written)

	written, err = app.Init(ws, true)
	require.NoError(t, err)
	require.Len(t, written, 2)
}

func TestBootstrapSeedsManifestAndOpensStore(t *testing.T) {
	ws := t.TempDir()
	a, err := app.Bootstrap(context.Background(), app.Options{Workspace: ws, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.Equal(t, 4, a.Kernel.Manifest().Len())
	require.FileExists(t, a.Engine.ManifestPath)
	list, err := a.Engine.List(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, list)
	require.NotNil(t, a.Scheduler())
	require.NotNil(t, a.Inbox())
	require.NotNil(t, a.Webhooks())
}

func TestBootstrapRefusesManifestWithoutDriver(t *testing.T) {
	ws := t.TempDir()
	_, err := app.Init(ws, false)
	require.NoError(t, err)
	cfg, err := config.LoadOptional(ws)
	require.NoError(t, err)
	f := manifest.File{Version: 1, Skills: []manifest.SkillSpec{{Name: "memory", Capabilities: []string{"memory:read"}}}}
	require.NoError(t, manifest.Save(config.Resolve(ws, cfg.Manifest.Path), f))

	_, err = app.Bootstrap(context.Background(), app.Options{Workspace: ws, Logger: zap.NewNop()})
	require.ErrorIs(t, err, kernel.ErrNoDriver)
}
