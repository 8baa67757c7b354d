package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/identity"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestKeygenWritesLoadableKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	out := execute(t, "keygen", "--out", path)
	t.Cleanup(func() { keygenOut = "" })

	id, err := identity.Load(config.IdentityConfig{PrivateKeyFile: path})
	require.NoError(t, err)
	assert.Contains(t, out, id.ID)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestConfigPrintsEffectiveSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connect.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  display_name: lighthouse\n"), 0o600))

	out := execute(t, "config", "--config", path)
	assert.Contains(t, out, "display_name: lighthouse")
	t.Cleanup(func() { configPath = "" })
}
