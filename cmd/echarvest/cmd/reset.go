package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/echarvest/internal/harvest"
	"github.com/dbsmedya/echarvest/internal/lock"
)

var (
	resetJob   string
	resetForce bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the recorded progress of a job",
	Long: `Reset deletes the resume log of a job so its next harvest searches every
unit again. A job that is currently running is not reset unless --force is
given, which also clears its run lock.

Example:
  echarvest reset --job bangalore_hobli_499`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().StringVarP(&resetJob, "job", "j", "",
		"Job name from configuration file (required)")
	resetCmd.MarkFlagRequired("job")

	resetCmd.Flags().BoolVar(&resetForce, "force", false,
		"Reset even if the job appears to be running and clear its run lock")

	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
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

	running, err := lock.IsJobRunning(ctx, a.db.State, resetJob, cfg.State.LockTTL())
	if err != nil {
		return err
	}
	if running && !resetForce {
		return fmt.Errorf("job '%s' is running (use --force to reset anyway)", resetJob)
	}

	resume, err := harvest.NewResumeManager(a.db.State, a.log)
	if err != nil {
		return err
	}
	removed, err := resume.Reset(ctx, resetJob)
	if err != nil {
		return err
	}

	if resetForce {
		if err := lock.ForceRelease(ctx, a.db.State, resetJob); err != nil {
			return err
		}
	}

	fmt.Fprintf(outputWriter, "Reset job %q: %d unit entr(ies) removed\n", resetJob, removed)
	return nil
}
