// Command buildfix repairs compiler diagnostics by applying table-driven
// textual fixes, keeping only the ones the build tool confirms.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/buildfix/internal/config"
)

var (
	cfgFile string
	verbose bool

	v   *viper.Viper
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "buildfix",
	Short: "Automatically repair compiler diagnostics",
	Long: `buildfix runs the build, matches each reported diagnostic against a
versioned strategy table, applies the matching fix, and keeps it only if
the build tool reports fewer errors afterwards. A watchdog restores every
touched file if the total error count rises past a safety threshold.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		v, err = config.NewViper(cfgFile)
		if err != nil {
			return err
		}
		if err := bindFlags(cmd); err != nil {
			return err
		}
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)
		return nil
	},
}

// bindFlags lets command flags override config keys, e.g. --slack for
// safety.slack
func bindFlags(cmd *cobra.Command) error {
	bindings := map[string]string{
		"slack":      "safety.slack",
		"backend":    "state.backend",
		"state-dir":  "state.dir",
		"strategies": "strategies.dir",
		"dir":        "strategies.dir",
		"language":   "strategies.language",
		"watch":      "strategies.watch",
		"socket":     "control.socket",
		"workdir":    "build.working_dir",
	}
	for flag, key := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
	}
	return nil
}

func setupLogging(lc config.LogConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default .buildfix/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory (default .buildfix)")
	rootCmd.PersistentFlags().String("backend", "", "state backend: memory, sqlite or badger")
	rootCmd.PersistentFlags().String("workdir", "", "directory the build runs in")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
