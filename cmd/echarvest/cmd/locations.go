package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/dbsmedya/echarvest/internal/harvest"
	"github.com/dbsmedya/echarvest/internal/hierarchy"
	"github.com/dbsmedya/echarvest/internal/textnorm"
	"github.com/dbsmedya/echarvest/internal/types"
)

var (
	refreshDistrict string
	listLevel       string
	listParent      string
)

var locationsCmd = &cobra.Command{
	Use:   "locations",
	Short: "Manage the cached location hierarchy",
	Long: `The location hierarchy (district, taluka, hobli, village) is fetched from
the portal once and cached in the state database. Harvest and plan read
only from this cache.`,
}

var locationsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch location lists from the portal and update the cache",
	Long: `Refresh walks the hierarchy top-down and upserts every list it fetches.
Nodes are never removed by a refresh; branches that keep failing are marked
stale and left as they were.

Examples:
  echarvest locations refresh
  echarvest locations refresh --district 2`,
	RunE: runLocationsRefresh,
}

var locationsRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Fetch the whole hierarchy again and replace the cache",
	Long: `Rebuild fetches a complete new tree and swaps it in only when the fetch
of the district list succeeds. Locations that disappeared from the portal
are dropped.`,
	RunE: runLocationsRebuild,
}

var locationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached locations",
	Long: `List prints one cached child list.

Examples:
  echarvest locations list
  echarvest locations list --level taluka --parent 2`,
	RunE: runLocationsList,
}

func init() {
	locationsRefreshCmd.Flags().StringVar(&refreshDistrict, "district", "",
		"Only refresh the branch below this district code")

	locationsListCmd.Flags().StringVar(&listLevel, "level", "district",
		"Level to list (district, taluka, hobli, village)")
	locationsListCmd.Flags().StringVar(&listParent, "parent", "",
		"Parent code (required below district)")

	locationsCmd.AddCommand(locationsRefreshCmd, locationsRebuildCmd, locationsListCmd)
	rootCmd.AddCommand(locationsCmd)
}

func runLocationsRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	intr := harvest.NotifyInterrupt(context.Background(), func(sig os.Signal, _ int) {
		a.log.Warnf("Received %s - stopping refresh...", sig)
	})
	defer intr.Stop()
	ctx := intr.Drain()

	start := time.Now()
	var report *hierarchy.RefreshReport
	if code := textnorm.Code(refreshDistrict); code != "" {
		report, err = refreshDistrictTree(ctx, a.store, code)
	} else {
		report, err = a.store.RefreshAll(ctx)
	}
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}

	printRefreshReport(outputWriter, "Refresh", report, time.Since(start))
	return nil
}

// refreshDistrictTree refreshes one district's subtree. A district that is
// not cached yet gets the district list fetched first.
func refreshDistrictTree(ctx context.Context, store *hierarchy.Store, code string) (*hierarchy.RefreshReport, error) {
	report, err := store.RefreshTree(ctx, types.LevelTaluka, code)
	if !errors.Is(err, hierarchy.ErrUnknownParent) {
		return report, err
	}

	if _, err := store.RefreshWithRetry(ctx, types.LevelDistrict, ""); err != nil {
		return nil, err
	}
	report, err = store.RefreshTree(ctx, types.LevelTaluka, code)
	if errors.Is(err, hierarchy.ErrUnknownParent) {
		return nil, fmt.Errorf("district %q is not listed by the portal", code)
	}
	return report, err
}

func runLocationsRebuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	intr := harvest.NotifyInterrupt(context.Background(), func(sig os.Signal, _ int) {
		a.log.Warnf("Received %s - abandoning rebuild, the cache is unchanged", sig)
	})
	defer intr.Stop()
	ctx := intr.Drain()

	start := time.Now()
	report, err := a.store.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild failed: %w", err)
	}

	printRefreshReport(outputWriter, "Rebuild", report, time.Since(start))
	return nil
}

func printRefreshReport(w io.Writer, title string, report *hierarchy.RefreshReport, took time.Duration) {
	fmt.Fprintf(w, "\n=== %s Complete ===\n", title)
	fmt.Fprintf(w, "Duration: %s\n", took.Round(time.Millisecond))
	fmt.Fprintf(w, "Lists fetched: %d\n", report.Keys)
	fmt.Fprintf(w, "Nodes added or renamed: %d\n", report.Changed)
	if len(report.Stale) == 0 {
		fmt.Fprintln(w, color.Green.Sprint("All lists are fresh"))
		return
	}
	fmt.Fprintln(w, color.Yellow.Sprintf("%d list(s) could not be fetched and are marked stale:", len(report.Stale)))
	for _, key := range report.Stale {
		fmt.Fprintf(w, "  - %s\n", key)
	}
}

func runLocationsList(cmd *cobra.Command, args []string) error {
	level, err := types.ParseLevel(listLevel)
	if err != nil {
		return err
	}
	parent := textnorm.Code(listParent)
	if level != types.LevelDistrict && parent == "" {
		return fmt.Errorf("--parent is required when listing %s", level)
	}
	if level == types.LevelDistrict {
		parent = ""
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	nodes, status, ok := a.store.Lookup(level, parent)
	key := hierarchy.Key{Level: level, Parent: parent}
	if !ok {
		fmt.Fprintf(outputWriter, "No cached list for %s (run 'echarvest locations refresh')\n", key)
		return nil
	}

	fmt.Fprintf(outputWriter, "%s: %d location(s), %s\n\n", key, len(nodes), statusText(status))
	table := newTable(outputWriter, "Code", "Name")
	for _, n := range nodes {
		table.Append([]string{n.Code, truncate(n.Name, 2*nameWidth)})
	}
	table.Render()

	perLevel, stale := a.store.Stats()
	fmt.Fprintf(outputWriter, "\nCache: %d districts, %d taluks, %d hoblis, %d villages, %d stale list(s)\n",
		perLevel[types.LevelDistrict], perLevel[types.LevelTaluka],
		perLevel[types.LevelHobli], perLevel[types.LevelVillage], stale)
	return nil
}

func statusText(status hierarchy.Status) string {
	if status == hierarchy.StatusStale {
		return color.Yellow.Sprint(string(status))
	}
	return color.Green.Sprint(string(status))
}
