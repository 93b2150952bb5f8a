package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/echarvest/internal/config"
)

var listJobsCmd = &cobra.Command{
	Use:   "list-jobs",
	Short: "List all jobs defined in configuration",
	Long: `List-jobs displays all harvest jobs defined in the configuration file
along with their scope and search settings.

Example:
  echarvest list-jobs --config echarvest.yaml`,
	RunE: runListJobs,
}

func init() {
	rootCmd.AddCommand(listJobsCmd)
}

func runListJobs(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Sorted by name
	jobNames := cfg.ListJobs()

	if len(jobNames) == 0 {
		cmd.Printf("No jobs defined in %s\n", configFile)
		return nil
	}

	cmd.Printf("Jobs defined in %s:\n\n", configFile)

	for i, jobName := range jobNames {
		job, err := cfg.GetJob(jobName)
		if err != nil {
			return fmt.Errorf("failed to get job %q: %w", jobName, err)
		}

		cmd.Printf("%d. %s\n", i+1, jobName)
		cmd.Printf("   District:      %s\n", orAll(job.District))
		cmd.Printf("   Taluka:        %s\n", orAll(job.Taluka))
		cmd.Printf("   Hobli:         %s\n", orAll(job.Hobli))
		cmd.Printf("   Village:       %s\n", orAll(job.Village))
		cmd.Printf("   Party name:    %s\n", strings.Join(strings.Fields(job.PartyName+" "+job.MiddleName+" "+job.LastName), " "))
		cmd.Printf("   Dates:         %s to %s\n", job.FromDate, job.ToDate)

		if job.Output != "" {
			cmd.Printf("   Output:        %s\n", job.Output)
		}

		// Job-specific search config
		if job.Search != nil {
			cmd.Printf("   Search:        Custom (max_pages=%d, sleep_seconds=%g)\n",
				job.Search.MaxPages, job.Search.SleepSeconds)
		}

		if i < len(jobNames)-1 {
			cmd.Println()
		}
	}

	cmd.Printf("\nTotal: %d job(s)\n", len(jobNames))
	return nil
}

func orAll(position string) string {
	if position == "" {
		return "all"
	}
	return position
}
