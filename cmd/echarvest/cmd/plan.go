package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/echarvest/internal/enumerator"
	"github.com/dbsmedya/echarvest/internal/types"
)

var planJob string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the search units of a job",
	Long: `Plan expands the job scope against the cached location hierarchy and lists
every search unit in the order harvest would run them. It makes no network
calls; if a needed list is missing or stale it says which one to refresh.

Example:
  echarvest plan --config echarvest.yaml --job bangalore_hobli_499`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planJob, "job", "j", "",
		"Job name from configuration file (required)")
	planCmd.MarkFlagRequired("job")

	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	job, err := cfg.GetJob(planJob)
	if err != nil {
		return err
	}
	scope, err := scopeFor(job)
	if err != nil {
		return fmt.Errorf("invalid scope for job %q: %w", planJob, err)
	}

	a, err := openApp(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	units, err := enumerator.Expand(scope, a.store)
	if err != nil {
		var incomplete *enumerator.IncompleteHierarchyError
		if errors.As(err, &incomplete) {
			return fmt.Errorf("%w (run 'echarvest locations refresh' or harvest with hierarchy.auto_refresh)", err)
		}
		return err
	}

	printPlan(outputWriter, planJob, scope, units)
	return nil
}

func printPlan(w io.Writer, jobName string, scope enumerator.ScopeSpec, units []types.SearchUnit) {
	fmt.Fprintf(w, "\n=== Plan: %s ===\n", jobName)
	fmt.Fprintf(w, "Scope:      %s\n", scope)
	fmt.Fprintf(w, "Party name: %s\n", scope.FullPartyName())
	fmt.Fprintf(w, "Dates:      %s to %s\n\n", scope.FromDate(), scope.ToDate())

	if len(units) == 0 {
		fmt.Fprintln(w, "Scope resolves to no villages; nothing would be searched.")
		return
	}

	table := newTable(w, "#", "District", "Taluka", "Hobli", "Village")
	for i, u := range units {
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			locationCell(u.District),
			locationCell(u.Taluka),
			locationCell(u.Hobli),
			locationCell(u.Village),
		})
	}
	table.Render()
	fmt.Fprintf(w, "\nTotal: %d unit(s)\n", len(units))
}

func locationCell(loc types.Location) string {
	if loc.Name == "" {
		return loc.Code
	}
	return fmt.Sprintf("%s (%s)", truncate(loc.Name, nameWidth), loc.Code)
}
