package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

var versionJSON bool

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

type versionReport struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Gofulmen  string `json:"gofulmen,omitempty"`
	Crucible  string `json:"crucible,omitempty"`
}

func currentVersion() versionReport {
	libs := crucible.GetVersion()
	return versionReport{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		GoVersion: runtime.Version(),
		Gofulmen:  libs.Gofulmen,
		Crucible:  libs.Crucible,
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	v := currentVersion()
	out := cmd.OutOrStdout()
	if versionJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, _ = fmt.Fprintf(out, "%s %s (commit %s, built %s, %s)\n", binaryName, v.Version, v.Commit, v.BuildDate, v.GoVersion)
	if v.Gofulmen != "" || v.Crucible != "" {
		_, _ = fmt.Fprintf(out, "gofulmen %s, crucible %s\n", v.Gofulmen, v.Crucible)
	}
	return nil
}
