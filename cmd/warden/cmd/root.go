package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/warden/config"
	"github.com/jmcleod/warden/internal/logging"
)

var (
	cfg    config.Config
	logger *slog.Logger

	flagDataDir     string
	flagStorage     string
	flagPostgresDSN string
	flagLogLevel    string
	flagLogFormat   string
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden is a credential and session service",
	Long: `Warden stores user accounts with Argon2id password hashes, keeps
per-client login sessions and remembers logins across restarts.

Settings are read from WARDEN_* environment variables; flags override them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		applyFlags(cmd)
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger = logging.New(cfg.LogLevel, cfg.LogFormat)
		return nil
	},
}

// applyFlags overrides environment settings with flags given explicitly.
func applyFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	if fs.Changed("data-dir") {
		cfg.DataDir = flagDataDir
	}
	if fs.Changed("storage") {
		cfg.Storage = flagStorage
	}
	if fs.Changed("postgres-dsn") {
		cfg.PostgresDSN = flagPostgresDSN
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = flagLogFormat
	}
	applyServerFlags(fs)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDataDir, "data-dir", "./data", "Directory for persistent data (bbolt)")
	pf.StringVar(&flagStorage, "storage", "bbolt", "Storage backend: bbolt, postgres or memory")
	pf.StringVar(&flagPostgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	pf.StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pf.StringVar(&flagLogFormat, "log-format", "json", "Log format: json or text")
}
