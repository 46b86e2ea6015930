package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentx-labs/agentdispatch/internal/branding"
	"github.com/agentx-labs/agentdispatch/internal/config"
	"github.com/agentx-labs/agentdispatch/internal/github"
	"github.com/agentx-labs/agentdispatch/internal/updater"
)

var (
	versionShort bool
	versionJSON  bool
	versionCheck bool
)

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print version number only")
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print version info as JSON")
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "Check whether a newer release is published")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if versionShort {
			fmt.Fprintln(out, buildVersion)
			return nil
		}

		if versionJSON {
			info := map[string]string{
				"version": buildVersion,
				"commit":  buildCommit,
				"date":    buildDate,
			}
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling version info: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		fmt.Fprintf(out, "%s version %s (commit: %s, built: %s)\n", branding.CLIName(), buildVersion, buildCommit, buildDate)
		if !versionCheck {
			return nil
		}

		gh := github.NewClient(cfg.Get("github.token"), github.WithBaseURL(cfg.Get("github.base_url")))
		state, err := updater.NewChecker(gh, buildVersion, config.Dir()).Check(cmd.Context(), false)
		if errors.Is(err, updater.ErrUnversioned) {
			fmt.Fprintln(out, "Development build: no release to compare against.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("checking for a newer release: %w", err)
		}
		if state.Newer {
			fmt.Fprintf(out, "A newer release is available: %s (%s)\n", state.Latest, state.URL)
		} else {
			fmt.Fprintln(out, "Up to date.")
		}
		return nil
	},
}
