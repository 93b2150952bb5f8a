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

	"github.com/dbsmedya/echarvest/internal/challenge"
	"github.com/dbsmedya/echarvest/internal/config"
	"github.com/dbsmedya/echarvest/internal/enumerator"
	"github.com/dbsmedya/echarvest/internal/export"
	"github.com/dbsmedya/echarvest/internal/harvest"
	"github.com/dbsmedya/echarvest/internal/lock"
	"github.com/dbsmedya/echarvest/internal/search"
	"github.com/dbsmedya/echarvest/internal/session"
)

var (
	harvestJob    string
	harvestForce  bool
	harvestOutput string
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Run every search of a job and export the consolidated table",
	Long: `Harvest expands the job scope into one search per village, runs them
one at a time over a single portal session and writes all rows into one CSV.

The harvest process follows these steps:
  1. Resolve the scope against the location cache (refreshing missing lists)
  2. Log in; the CAPTCHA and OTP are asked for on the terminal
  3. Search each village in order, reusing the solved CAPTCHA while the portal accepts it
  4. Merge every result into one table and export it

Villages completed by an earlier run of the same job are not searched again.
Ctrl-C stops after the current village; rows merged so far are still exported.
A second Ctrl-C aborts at once, including a pending CAPTCHA or OTP prompt.

Only one harvest per job and one per portal account may run at a time.

Example:
  echarvest harvest --config echarvest.yaml --job bangalore_hobli_499`,
	RunE: runHarvest,
}

func init() {
	harvestCmd.Flags().StringVarP(&harvestJob, "job", "j", "",
		"Job name from configuration file (required)")
	harvestCmd.MarkFlagRequired("job")

	harvestCmd.Flags().BoolVar(&harvestForce, "force", false,
		"Run even if the job's run lock is held (use with caution)")
	harvestCmd.Flags().StringVarP(&harvestOutput, "output", "o", "",
		"CSV output path (overrides the job's output and export.directory)")

	rootCmd.AddCommand(harvestCmd)
}

func runHarvest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateJob(harvestJob); err != nil {
		return err
	}
	job, err := cfg.GetJob(harvestJob)
	if err != nil {
		return err
	}
	scope, err := scopeFor(job)
	if err != nil {
		return fmt.Errorf("invalid scope for job %q: %w", harvestJob, err)
	}

	a, err := openApp(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	log := a.log.WithJob(harvestJob)
	log.Infow("Starting harvest", "config", GetConfigFile(), "scope", scope.String())

	// First Ctrl-C drains, second aborts
	intr := harvest.NotifyInterrupt(context.Background(), func(sig os.Signal, count int) {
		if count == 1 {
			log.Warnf("Received %s - stopping after the current unit (again to abort now)...", sig)
			return
		}
		log.Warnf("Received %s again - aborting", sig)
	})
	defer intr.Stop()

	run := func(ctx context.Context) error {
		return harvestJobLocked(ctx, a, job, scope, intr.Drain().Done())
	}
	if harvestForce {
		log.Warn("Skipping run lock acquisition (--force flag used)")
		return run(intr.Abort())
	}

	// One run per job, and one per portal account: a second login with the
	// same username would evict the session of the first.
	ttl := cfg.State.LockTTL()
	jobLock := lock.NewJobLock(a.db.State, harvestJob, ttl)
	accountLock := lock.NewAccountLock(a.db.State, cfg.Credentials.Username, ttl)

	err = jobLock.WithLock(intr.Abort(), func(ctx context.Context) error {
		log.Infow("Acquired run lock for job", "lock", jobLock.LockName())
		err := accountLock.WithLock(ctx, func(ctx context.Context) error {
			log.Infow("Acquired run lock for account", "lock", accountLock.LockName())
			return run(ctx)
		})
		if errors.Is(err, lock.ErrLockHeld) {
			return fmt.Errorf("portal account %q is in use by another running job (use --force to override)", cfg.Credentials.Username)
		}
		return err
	})
	if errors.Is(err, lock.ErrLockHeld) {
		return fmt.Errorf("job '%s' is already running on another instance (use --force to override)", harvestJob)
	}
	return err
}

// harvestJobLocked runs the job once its locks are held and exports what was
// merged, including after an interruption.
func harvestJobLocked(ctx context.Context, a *app, job *config.JobConfig, scope enumerator.ScopeSpec, stop <-chan struct{}) error {
	cfg := a.cfg
	log := a.log.WithJob(harvestJob)

	sess := session.NewManager(a.portal, a.portal, challenge.NewStdio(), sessionPolicy(cfg), log)

	searchCfg := cfg.GetJobSearch(harvestJob)
	executor := search.NewExecutor(a.portal, search.Options{
		MaxPages:    searchCfg.MaxPages,
		MaxRetries:  searchCfg.MaxRetries,
		Backoff:     searchCfg.Backoff(),
		CallTimeout: cfg.Portal.RequestTimeout(),
	}, log)

	resume, err := harvest.NewResumeManager(a.db.State, log)
	if err != nil {
		return err
	}

	orch, err := harvest.NewOrchestrator(a.store, sess, executor, resume, harvest.Options{
		Credentials: session.Credentials{
			Username: cfg.Credentials.Username,
			Password: cfg.Credentials.Password,
		},
		AutoRefresh:    cfg.Hierarchy.AutoRefresh,
		Sleep:          searchCfg.Sleep(),
		LogoutOnFinish: cfg.Session.LogoutOnFinish,
		EmptyMarker:    cfg.Export.EmptyMarker,
		Stop:           stop,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	orch.OnProgress(printProgress(outputWriter))

	result, runErr := orch.Run(ctx, harvestJob, scope)

	if result != nil && result.Manifest.Processed() > 0 {
		path := harvestOutput
		if path == "" {
			path = job.Output
		}
		if path == "" {
			path = export.DefaultPath(cfg.Export.Directory, harvestJob, time.Now())
		}
		if err := export.WriteFile(path, result.Table); err != nil {
			return fmt.Errorf("failed to export results: %w", err)
		}
		fmt.Fprintf(outputWriter, "\nExported %d row(s) to %s\n", result.Table.Len(), path)
	}
	if result != nil {
		printSummary(outputWriter, result)
	}

	if runErr != nil {
		if cause := context.Cause(ctx); errors.Is(cause, lock.ErrLockLost) {
			return fmt.Errorf("harvest stopped: %w", cause)
		}
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, harvest.ErrStopped) {
			log.Warn("Harvest cancelled by user")
			return nil
		}
		return fmt.Errorf("harvest failed: %w", runErr)
	}
	if n := len(result.Manifest.Failed); n > 0 {
		return fmt.Errorf("harvest completed with %d failed unit(s)", n)
	}
	return nil
}

func printProgress(w io.Writer) harvest.ProgressFunc {
	return func(ev harvest.Event) {
		prefix := fmt.Sprintf("[%d/%d] %s", ev.Index, ev.Total, ev.Unit.Path())
		switch ev.Kind {
		case harvest.EventStarted:
			fmt.Fprintf(w, "%s ...\n", prefix)
		case harvest.EventSucceeded:
			fmt.Fprintln(w, color.Green.Sprintf("%s: %d row(s)", prefix, ev.Rows))
		case harvest.EventSkipped:
			fmt.Fprintln(w, color.Cyan.Sprintf("%s: already harvested, %d row(s) restored", prefix, ev.Rows))
		case harvest.EventRequeued:
			fmt.Fprintln(w, color.Yellow.Sprintf("%s: retrying with a new CAPTCHA (%v)", prefix, ev.Err))
		case harvest.EventFailed:
			fmt.Fprintln(w, color.Red.Sprintf("%s: failed: %v", prefix, ev.Err))
		}
	}
}

func printSummary(w io.Writer, result *harvest.Result) {
	m := result.Manifest

	fmt.Fprintf(w, "\n=== Harvest Summary ===\n")
	table := newTable(w, "Metric", "Value")
	table.Append([]string{"Job", result.JobName})
	if result.RunID != "" {
		table.Append([]string{"Run ID", result.RunID})
	}
	table.Append([]string{"Duration", result.Duration.Round(time.Second).String()})
	table.Append([]string{"Units", fmt.Sprintf("%d", m.Units)})
	table.Append([]string{"Succeeded", fmt.Sprintf("%d", len(m.Succeeded))})
	table.Append([]string{"Failed", fmt.Sprintf("%d", len(m.Failed))})
	table.Append([]string{"Skipped", fmt.Sprintf("%d", len(m.Skipped))})
	table.Append([]string{"Not reached", fmt.Sprintf("%d", m.Remaining())})
	table.Append([]string{"Rows", fmt.Sprintf("%d", result.Table.Len())})
	table.Append([]string{"Columns", fmt.Sprintf("%d", len(result.Table.Columns()))})
	table.Render()

	if result.Interrupted {
		fmt.Fprintln(w, color.Yellow.Sprint("Run was interrupted; rerun the job to continue."))
	}

	if len(m.Failed) > 0 {
		fmt.Fprintf(w, "\nFailed units:\n")
		failed := newTable(w, "Village", "Kind", "Reason")
		for _, f := range m.Failed {
			failed.Append([]string{truncate(f.Unit.Path(), 2*nameWidth), f.Kind, f.Reason})
		}
		failed.Render()
	}

	if len(m.Warnings) > 0 {
		fmt.Fprintf(w, "\nWarnings:\n")
		for _, warning := range m.Warnings {
			fmt.Fprintf(w, "  - %s\n", warning)
		}
	}
}
