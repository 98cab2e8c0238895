package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadWorkerPopulatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadWorker(dir)
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", cfg.BuildShell)
	require.ElementsMatch(t, []string{"x86_64-linux", "x86_64-darwin"}, cfg.TargetPlatforms)
	require.Equal(t, PublishNone, cfg.Publish.Type)

	require.FileExists(t, filepath.Join(dir, "worker.toml"))
}

func TestLoadWebPopulatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadWeb(dir)
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.ListenPort)
	require.Equal(t, "127.0.0.1", cfg.ListenAddress)
}

func TestWorkerConfigValidate(t *testing.T) {
	cfg := WorkerConfig{}
	err := cfg.Validate()
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "build_shell", ve.Field)
}

func TestPublishConfigValidateS3RequiresFields(t *testing.T) {
	p := PublishConfig{Type: PublishS3}
	err := p.Validate()
	require.Error(t, err)

	p.Bucket = "cache"
	p.Region = "us-east-1"
	p.NixSigningKey = "/tmp/key"
	require.NoError(t, p.Validate())
}

func TestWorkerConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STARFISH_BUILD_SHELL", "/bin/bash")

	cfg, err := LoadWorker(dir)
	require.NoError(t, err)
	require.Equal(t, "/bin/bash", cfg.BuildShell)
}
