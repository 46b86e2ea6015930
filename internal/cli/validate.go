package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentx-labs/agentdispatch/internal/manifest"
)

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Validate agent manifests",
	Long: `Check agent manifests against the manifest schema and the dispatcher's own
rules (known modes, cron windows, severity names, compatible versions).
Without arguments every manifest in the manifests directory is checked.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	files := args
	if len(files) == 0 {
		dir := cfg.Get("dispatch.manifests_dir")
		for _, pattern := range []string{"*.yaml", "*.yml"} {
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return err
			}
			files = append(files, matches...)
		}
		if len(files) == 0 {
			return fmt.Errorf("no manifests found in %s", dir)
		}
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range files {
		problems, err := validateManifest(path)
		if err != nil {
			return err
		}
		if len(problems) == 0 {
			fmt.Fprintf(out, "ok      %s\n", path)
			continue
		}
		failed++
		fmt.Fprintf(out, "invalid %s\n", path)
		for _, p := range problems {
			fmt.Fprintf(out, "        %s\n", p)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d manifests are invalid", failed, len(files))
	}
	return nil
}

// validateManifest returns the problems found in one file. The error is
// reserved for files that cannot be read.
func validateManifest(path string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	res, err := manifest.ValidateFile(path)
	if err != nil {
		return []string{err.Error()}, nil
	}
	if !res.Valid {
		problems := make([]string, 0, len(res.Issues))
		for _, is := range res.Issues {
			loc := is.Path
			if loc == "" {
				loc = "/"
			}
			problems = append(problems, loc+": "+is.Message)
		}
		return problems, nil
	}

	m, err := manifest.ParseFile(path)
	if err != nil {
		return []string{err.Error()}, nil
	}
	if err := manifest.CheckCompatibility(m, buildVersion); err != nil {
		return []string{err.Error()}, nil
	}
	return nil, nil
}
