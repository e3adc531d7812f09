package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/config"
)

var version = "0.1.0"

// newRootCmd builds the command tree
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "csvagent",
		Short: "Forward rows appended to CSV files as JSON events",
		Long: `csvagent watches a directory of CSV files and emits every new data row
as a JSON event exactly where it left off, surviving restarts and file rotation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "path to YAML configuration file")
	pf.String("data-dir", "", "watched directory (overrides CSV_DATA_DIR)")
	pf.String("state-dir", "", "state directory (overrides CSV_STATE_DIR)")
	pf.String("log-level", "", "log level (overrides LOG_LEVEL)")

	root.AddCommand(newRunCmd(), newStateCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "csvagent %s\n", version)
		},
	}
}

// loadConfig reads the configuration file and environment, then applies
// any flags the user set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("data-dir", &cfg.DataDir)
	str("state-dir", &cfg.StateDir)
	str("log-level", &cfg.Logging.Level)

	if flags.Lookup("once") != nil && flags.Changed("once") {
		if once, _ := flags.GetBool("once"); once {
			cfg.RunMode = config.RunModeOnce
		} else {
			cfg.RunMode = config.RunModeContinuous
		}
	}
	if flags.Lookup("poll-interval") != nil && flags.Changed("poll-interval") {
		cfg.PollInterval, _ = flags.GetDuration("poll-interval")
	}
	if flags.Lookup("watch") != nil && flags.Changed("watch") {
		cfg.Watch, _ = flags.GetBool("watch")
	}
	if flags.Lookup("pattern") != nil {
		str("pattern", &cfg.Input.Pattern)
		str("sourcetype", &cfg.Event.Sourcetype)
		str("index", &cfg.Event.Index)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
