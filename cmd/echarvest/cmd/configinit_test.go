package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/echarvest/internal/config"
)

func TestRunConfigInit(t *testing.T) {
	out := captureOutput(t)
	path := filepath.Join(t.TempDir(), "echarvest.yaml")

	original := configInitOutput
	defer func() { configInitOutput = original }()
	configInitOutput = path

	require.NoError(t, runConfigInit(configInitCmd, nil))
	assert.Contains(t, out.String(), "Wrote sample configuration to "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "${ECHARVEST_USERNAME}")
	assert.Contains(t, string(data), "bangalore_hobli_499")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())

	// Never overwrites
	err = runConfigInit(configInitCmd, nil)
	assert.Error(t, err)
}

func TestConfigInitFlags(t *testing.T) {
	flag := configInitCmd.Flags().Lookup("output")
	require.NotNil(t, flag)
	assert.Equal(t, "o", flag.Shorthand)
	assert.Equal(t, "echarvest.yaml", flag.DefValue)
}
