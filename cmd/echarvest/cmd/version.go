package cmd

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the release, the source revision and the versions of the state
database drivers compiled in. Include this output when reporting a
harvest that the portal answered unexpectedly.`,
	Run: runVersion,
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print only the version number")
	rootCmd.AddCommand(versionCmd)
}

// stateDrivers are the modules whose versions matter when a state database
// misbehaves.
var stateDrivers = []string{
	"modernc.org/sqlite",
	"github.com/go-sql-driver/mysql",
}

type buildDetails struct {
	Version  string
	Revision string
	Time     string
	Dirty    bool
	Go       string
	Drivers  []string // "module version"
}

// readBuildDetails combines the ldflags values with what the toolchain
// recorded in the binary. A -X Commit wins over the VCS stamp.
func readBuildDetails(read func() (*debug.BuildInfo, bool)) buildDetails {
	d := buildDetails{Version: Version, Revision: Commit, Go: runtime.Version()}

	info, ok := read()
	if !ok || info == nil {
		return d
	}
	if info.GoVersion != "" {
		d.Go = info.GoVersion
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if d.Revision == "" || d.Revision == "unknown" {
				d.Revision = s.Value
			}
		case "vcs.time":
			d.Time = s.Value
		case "vcs.modified":
			d.Dirty = s.Value == "true"
		}
	}
	for _, dep := range info.Deps {
		for _, name := range stateDrivers {
			if dep.Path == name {
				d.Drivers = append(d.Drivers, dep.Path+" "+dep.Version)
			}
		}
	}
	return d
}

func runVersion(cmd *cobra.Command, args []string) {
	printVersion(cmd.OutOrStdout(), readBuildDetails(debug.ReadBuildInfo), versionShort)
}

func printVersion(w io.Writer, d buildDetails, short bool) {
	if short {
		fmt.Fprintln(w, d.Version)
		return
	}

	revision := d.Revision
	if d.Dirty {
		revision += " (modified)"
	}
	fmt.Fprintf(w, "echarvest version %s\n", d.Version)
	fmt.Fprintf(w, "  Commit: %s\n", revision)
	if d.Time != "" {
		fmt.Fprintf(w, "  Built from: %s\n", d.Time)
	}
	fmt.Fprintf(w, "  Go version: %s\n", d.Go)
	fmt.Fprintf(w, "  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if len(d.Drivers) > 0 {
		fmt.Fprintf(w, "  State drivers: %s\n", strings.Join(d.Drivers, ", "))
	}
}
