package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/echarvest/internal/harvest"
	"github.com/dbsmedya/echarvest/internal/lock"
)

var statusJob string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress recorded for a job",
	Long: `Status prints the last run of a job and how many of its units are
completed, failed or were left pending.

Example:
  echarvest status --job bangalore_hobli_499`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusJob, "job", "j", "",
		"Job name from configuration file (required)")
	statusCmd.MarkFlagRequired("job")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	resume, err := harvest.NewResumeManager(a.db.State, a.log)
	if err != nil {
		return err
	}

	state, err := resume.GetJob(ctx, statusJob)
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Fprintf(outputWriter, "Job %q has never run\n", statusJob)
		return nil
	}

	stats, err := resume.GetStats(ctx, statusJob)
	if err != nil {
		return err
	}
	running, err := lock.IsJobRunning(ctx, a.db.State, statusJob, cfg.State.LockTTL())
	if err != nil {
		return err
	}

	table := newTable(outputWriter, "Field", "Value")
	table.Append([]string{"Job", state.JobName})
	table.Append([]string{"Last run", state.RunID})
	table.Append([]string{"Status", string(state.Status)})
	table.Append([]string{"Running now", fmt.Sprintf("%v", running)})
	table.Append([]string{"Started", state.StartedAt.Format(time.RFC3339)})
	table.Append([]string{"Updated", state.UpdatedAt.Format(time.RFC3339)})
	table.Append([]string{"Units", fmt.Sprintf("%d", state.UnitsTotal)})
	table.Append([]string{"Completed", fmt.Sprintf("%d", stats.Completed)})
	table.Append([]string{"Failed", fmt.Sprintf("%d", stats.Failed)})
	table.Append([]string{"Pending", fmt.Sprintf("%d", stats.Pending)})
	table.Render()
	return nil
}
