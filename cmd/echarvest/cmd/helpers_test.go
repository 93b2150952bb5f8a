package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/echarvest/internal/config"
	"github.com/dbsmedya/echarvest/internal/database"
	"github.com/dbsmedya/echarvest/internal/hierarchy"
	"github.com/dbsmedya/echarvest/internal/types"
)

// writeTestConfig writes a config with a sqlite state file in a temp dir
// and points cfgFile at it for the duration of the test.
func writeTestConfig(t *testing.T) (cfgPath, statePath string) {
	t.Helper()
	return writeTestConfigWith(t, "")
}

// testCredentials is appended to a test config for commands that log in.
const testCredentials = `credentials:
  username: Clerk@Example.com
  password: secret
`

// writeTestConfigWith is writeTestConfig with extra top-level YAML appended.
func writeTestConfigWith(t *testing.T, extra string) (cfgPath, statePath string) {
	t.Helper()
	dir := t.TempDir()
	statePath = filepath.Join(dir, "state.db")
	cfgPath = filepath.Join(dir, "echarvest.yaml")

	content := fmt.Sprintf(`state:
  driver: sqlite
  path: %s
logging:
  level: error
  output: stderr
jobs:
  hobli_499:
    district: "2"
    taluka: "113"
    hobli: "499"
    village: all
    party_name: Ramesh
    from_date: "2020-01-01"
    to_date: "2020-12-31"
  whole_taluk:
    district: "2"
    taluka: "113"
    party_name: Ramesh
    from_date: "2020-01-01"
    to_date: "2020-12-31"
`, statePath) + extra
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))

	original := cfgFile
	cfgFile = cfgPath
	t.Cleanup(func() { cfgFile = original })
	return cfgPath, statePath
}

// seedLocations stores district 2 / taluka 113 / hobli 499 with two villages.
// The village list of hobli 500 is left unfetched.
func seedLocations(t *testing.T, statePath string) {
	t.Helper()
	ctx := context.Background()
	m := database.NewManager(&config.StateConfig{Driver: "sqlite", Path: statePath})
	require.NoError(t, m.Connect(ctx))
	defer m.Close()

	repo := hierarchy.NewSQLRepository(m.State)
	now := time.Now()
	lists := []struct {
		key   hierarchy.Key
		nodes []types.LocationNode
	}{
		{hierarchy.RootKey, []types.LocationNode{
			{Code: "2", Name: "Bengaluru Urban", Level: types.LevelDistrict},
		}},
		{hierarchy.Key{Level: types.LevelTaluka, Parent: "2"}, []types.LocationNode{
			{Code: "113", Name: "Anekal", Level: types.LevelTaluka, ParentCode: "2"},
		}},
		{hierarchy.Key{Level: types.LevelHobli, Parent: "113"}, []types.LocationNode{
			{Code: "499", Name: "Sarjapura", Level: types.LevelHobli, ParentCode: "113"},
			{Code: "500", Name: "Attibele", Level: types.LevelHobli, ParentCode: "113"},
		}},
		{hierarchy.Key{Level: types.LevelVillage, Parent: "499"}, []types.LocationNode{
			{Code: "V1", Name: "Dommasandra", Level: types.LevelVillage, ParentCode: "499"},
			{Code: "V2", Name: "Mugalur", Level: types.LevelVillage, ParentCode: "499"},
		}},
	}
	for _, l := range lists {
		require.NoError(t, repo.SaveKey(ctx, l.key, l.nodes, hierarchy.StatusFresh, now))
	}
}

// captureOutput redirects outputWriter for the duration of the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	setOutputWriter(&buf)
	t.Cleanup(resetOutputWriter)
	return &buf
}
