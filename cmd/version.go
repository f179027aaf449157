package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is the semantic version of cdpcore.
const Version = "0.1.0"

func versionDetails() map[string]string {
	details := map[string]string{
		"version":    "v" + Version,
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 8 {
				details["commit"] = s.Value[:8]
			}
		}
	}
	return details
}

func fullVersion() string {
	d := versionDetails()
	v := fmt.Sprintf("%s (%s, %s/%s)", d["version"], d["go_version"], d["go_os"], d["go_arch"])
	if commit, ok := d["commit"]; ok {
		v = fmt.Sprintf("%s (commit/%s, %s, %s/%s)", d["version"], commit, d["go_version"], d["go_os"], d["go_arch"])
	}
	return v
}

type versionCmd struct {
	gs     *globalState
	isJSON bool
}

func (c *versionCmd) run(_ *cobra.Command, _ []string) error {
	if !c.isJSON {
		printToStdout(c.gs, fmt.Sprintf("cdpcore %s\n", fullVersion()))
		return nil
	}

	jsonDetails, err := json.Marshal(versionDetails())
	if err != nil {
		return fmt.Errorf("failed produce a JSON version details: %w", err)
	}

	_, err = fmt.Fprintln(c.gs.stdOut, string(jsonDetails))
	return err
}

func getCmdVersion(gs *globalState) *cobra.Command {
	versionCmd := &versionCmd{gs: gs}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show application version",
		Long:  `Show the application version and exit.`,
		RunE:  versionCmd.run,
	}

	cmd.Flags().BoolVar(&versionCmd.isJSON, "json", false, "if set, output version information will be in JSON format")

	return cmd
}
