package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestSaveFlag_PreservesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	require.NoError(t, SaveFlag(path, "summary-titles", false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "# Conduit Configuration")
	require.Contains(t, string(data), "summary-titles: false")

	v := viper.New()
	Configure(v)
	v.SetConfigFile(path)
	cfg, err := Load(v)
	require.NoError(t, err)
	require.False(t, cfg.Flags["summary-titles"])
	require.Equal(t, 7433, cfg.Server.Port)
}

func TestSetValue_CreatesFileAndSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SetValue(path, []string{"agent", "model"}, "opus"))
	require.NoError(t, SetValue(path, []string{"server", "port"}, 9001))

	v := viper.New()
	Configure(v)
	v.SetConfigFile(path)
	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "opus", cfg.Agent.Model)
	require.Equal(t, 9001, cfg.Server.Port)
}

func TestSetValue_RejectsScalarParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent: opus\n"), 0o600))

	err := SetValue(path, []string{"agent", "model"}, "x")
	require.ErrorContains(t, err, "not a mapping")
}

func TestSetValue_EmptyPath(t *testing.T) {
	require.Error(t, SetValue(filepath.Join(t.TempDir(), "c.yaml"), nil, 1))
}
