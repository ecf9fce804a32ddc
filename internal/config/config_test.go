package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot-deployer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 31001, cfg.Ports.First)
	require.Equal(t, 31999, cfg.Ports.Last)
	require.Equal(t, time.Hour, cfg.ConversationTTL.Std())
	require.Equal(t, 5*time.Minute, cfg.Timeouts.Build.Std())
	require.Equal(t, int64(20<<20), cfg.MaxArtifactBytes)
	require.Equal(t, 10*time.Second, cfg.Telegram.RequestTimeout.Std())
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
artifact_dir: /srv/artifacts
registry_db: /srv/registry.db
allowed_chats: [42, -1001]
conversation_ttl: 15m
docker:
  base_image: python:3.11-alpine
  container_port: 8080
ports:
  first: 40000
  last: 40010
timeouts:
  build: 90s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/srv/artifacts", cfg.ArtifactDir)
	require.Equal(t, "/srv/registry.db", cfg.RegistryDB)
	require.Equal(t, []int64{42, -1001}, cfg.AllowedChats)
	require.Equal(t, 15*time.Minute, cfg.ConversationTTL.Std())
	require.Equal(t, "python:3.11-alpine", cfg.Docker.BaseImage)
	require.Equal(t, 8080, cfg.Docker.ContainerPort)
	require.Equal(t, "bot-deployer/bot", cfg.Docker.ImagePrefix)
	require.Equal(t, PortsConfig{First: 40000, Last: 40010}, cfg.Ports)
	require.Equal(t, 90*time.Second, cfg.Timeouts.Build.Std())
	require.Equal(t, 10*time.Second, cfg.Timeouts.Validate.Std())

	lvl, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown field", body: "artifact_directory: /x\n", want: "artifact_directory"},
		{name: "bad duration", body: "conversation_ttl: soon\n", want: "line 1"},
		{name: "bad port range", body: "ports:\n  first: 5000\n  last: 4000\n", want: "ports range 5000-4000"},
		{name: "bad level", body: "log_level: loud\n", want: "log_level"},
		{name: "zero timeout", body: "timeouts:\n  lock: 0s\n", want: "timeouts.lock must be positive"},
		{name: "zero request timeout", body: "telegram:\n  request_timeout: 0s\n", want: "telegram.request_timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "config: read")
}
