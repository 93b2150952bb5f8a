package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/dbsmedya/echarvest/internal/enumerator"
	"github.com/dbsmedya/echarvest/internal/types"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and the local state",
	Long: `Validate checks the configuration file and the state database so a
harvest does not fail halfway.

Checks performed:
  - Configuration syntax and required fields
  - Job scopes (no skipped levels, valid date range)
  - State database connectivity and schema
  - Location cache coverage of every job scope

Example:
  echarvest validate --config echarvest.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := outputWriter
	fmt.Fprintf(w, "\n=== Configuration Validation ===\n")
	fmt.Fprintf(w, "Config file: %s\n", configFile)
	fmt.Fprintf(w, "Jobs found: %d\n\n", len(cfg.Jobs))

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(w, color.Red.Sprintf("❌ %v", err))
		return fmt.Errorf("configuration is invalid")
	}
	fmt.Fprintln(w, color.Green.Sprint("✅ Configuration is valid"))

	a, err := openApp(context.Background(), cfg)
	if err != nil {
		fmt.Fprintln(w, color.Red.Sprintf("❌ State database: %v", err))
		return fmt.Errorf("validation failed")
	}
	defer a.Close()

	if err := a.db.Ping(context.Background()); err != nil {
		fmt.Fprintln(w, color.Red.Sprintf("❌ State database: %v", err))
		return fmt.Errorf("validation failed")
	}
	fmt.Fprintln(w, color.Green.Sprintf("✅ State database reachable (%s)", a.db.Driver()))

	perLevel, stale := a.store.Stats()
	fmt.Fprintf(w, "Location cache: %d districts, %d taluks, %d hoblis, %d villages\n",
		perLevel[types.LevelDistrict], perLevel[types.LevelTaluka],
		perLevel[types.LevelHobli], perLevel[types.LevelVillage])
	if stale > 0 {
		fmt.Fprintln(w, color.Yellow.Sprintf("⚠ %d stale list(s) in the location cache", stale))
	}
	fmt.Fprintln(w)

	for _, name := range cfg.ListJobs() {
		checkJobCoverage(w, a, name, cfg.Hierarchy.AutoRefresh)
	}

	fmt.Fprintln(w, "=== Validation Complete ===")
	return nil
}

// checkJobCoverage reports whether the cache already covers the job. A gap is
// only a warning: harvest fetches missing lists when auto_refresh is on.
func checkJobCoverage(w io.Writer, a *app, name string, autoRefresh bool) {
	fmt.Fprintf(w, "--- Job: %s ---\n", name)

	job, err := a.cfg.GetJob(name)
	if err != nil {
		fmt.Fprintln(w, color.Red.Sprintf("❌ %v", err))
		return
	}
	scope, err := scopeFor(job)
	if err != nil {
		fmt.Fprintln(w, color.Red.Sprintf("❌ Invalid scope: %v", err))
		return
	}

	units, err := enumerator.Expand(scope, a.store)
	switch {
	case err == nil:
		fmt.Fprintln(w, color.Green.Sprintf("✅ %d unit(s) resolvable from cache", len(units)))
	case errors.Is(err, enumerator.ErrIncompleteHierarchy) && autoRefresh:
		fmt.Fprintln(w, color.Yellow.Sprintf("⚠ %v (will be refreshed at harvest time)", err))
	default:
		fmt.Fprintln(w, color.Red.Sprintf("❌ %v", err))
	}
	fmt.Fprintln(w)
}
