package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/echarvest/internal/config"
)

var configInitOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `Init writes a configuration file filled with the defaults and one
example job. Credentials are written as ${ECHARVEST_USERNAME} and
${ECHARVEST_PASSWORD} references. An existing file is never overwritten.

Example:
  echarvest config init --output echarvest.yaml`,
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "echarvest.yaml",
		"Path of the file to create")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := config.WriteYAML(config.Sample(), configInitOutput); err != nil {
		return err
	}
	fmt.Fprintf(outputWriter, "Wrote sample configuration to %s\n", configInitOutput)
	return nil
}
