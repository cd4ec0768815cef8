package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sportsphere/sportchat/internal/config"
)

func TestConfigInitWritesEffectiveConfig(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "sportchat", "config.yaml")
	forceInit = false
	cfg = config.DefaultConfig()
	cfg.Mode = "ollama"
	t.Cleanup(func() { configPath, cfg = "", nil })

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, runConfigInit(cmd, nil))
	assert.Contains(t, out.String(), configPath)

	loaded, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "ollama", loaded.Mode)
}

func TestConfigInitKeepsExistingFile(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("mode: backend\n"), 0o644))
	cfg = config.DefaultConfig()
	cfg.Mode = "ollama"
	t.Cleanup(func() { configPath, cfg, forceInit = "", nil, false })

	forceInit = false
	err := runConfigInit(&cobra.Command{}, nil)
	assert.ErrorContains(t, err, "already exists")

	forceInit = true
	require.NoError(t, runConfigInit(&cobra.Command{}, nil))
	loaded, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "ollama", loaded.Mode)
}
