package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentx-labs/agentdispatch/internal/branding"
	"github.com/agentx-labs/agentdispatch/internal/config"
	xlog "github.com/agentx-labs/agentdispatch/internal/log"
)

var (
	buildVersion string
	buildCommit  string
	buildDate    string
)

var (
	configPath string
	logLevel   string
	logConsole bool

	// cfg is loaded once per invocation by the root pre-run.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   branding.CLIName(),
	Short: branding.Description(),
	Long: branding.DisplayName() + ` plans and runs repository agents (triage, bug finder, code review)
for GitHub events. Every job is claimed in a ledger under a stable key, so a
redelivered event or a re-run workflow never files the same issue twice.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/"+branding.HomeDir()+"/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logConsole, "log-console", false, "Human-readable logs instead of JSON")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	v := c.Viper()
	if cmd.Flags().Changed("log-level") {
		v.Set("log.level", logLevel)
	}
	if cmd.Flags().Changed("log-console") {
		v.Set("log.console", logConsole)
	}
	for key, name := range commandFlagKeys[cmd] {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	cfg = c

	xlog.Configure(xlog.Config{
		Level:   v.GetString("log.level"),
		Console: v.GetBool("log.console"),
		Version: buildVersion,
	})
	return nil
}

// commandFlagKeys maps a command's flags onto config keys, so a flag that was
// set overrides the file and the environment.
var commandFlagKeys = map[*cobra.Command]map[string]string{}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if commandFlagKeys[cmd] == nil {
		commandFlagKeys[cmd] = map[string]string{}
	}
	commandFlagKeys[cmd][key] = flag
}

// settings decodes and validates the loaded config.
func settings() (*config.Settings, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return cfg.Settings()
}

// Execute runs the root command with build info injected via ldflags.
func Execute(version, commit, date string) error {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
