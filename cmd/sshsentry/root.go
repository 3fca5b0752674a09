package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sshsentry/internal/app"
	"sshsentry/internal/config"
	"sshsentry/internal/logging"
)

type rootFlags struct {
	configPath string
	threshold  int
	interval   int
	whitelist  []string
	dryRun     bool
	logLevel   string
	logFile    string
	apiAddr    string
}

func newRootCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sshsentry",
		Short: "Block SSH brute-force sources at the host firewall",
		Long: `sshsentry follows the SSH authentication log (auth.log or the systemd
journal), counts failed logins per source address over a sliding window
and adds a firewall deny rule (ufw or iptables) once an address reaches
the threshold.

Example:
  sshsentry --threshold 5 --interval 60
  sshsentry --dry-run --whitelist 10.0.0.1,10.0.0.2
  sshsentry --config /etc/sshsentry.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, flags)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "Configuration file path (YAML or JSON)")
	f.IntVar(&flags.threshold, "threshold", 5, "Failed attempts within the interval that trigger a block")
	f.IntVar(&flags.interval, "interval", 60, "Sliding window length in seconds")
	f.StringSliceVar(&flags.whitelist, "whitelist", nil, "Addresses that are never blocked (repeatable or comma separated)")
	f.BoolVar(&flags.dryRun, "dry-run", false, "Log blocks instead of changing the firewall")
	f.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	f.StringVar(&flags.logFile, "log-file", "", "Also write logs to this file (size rotated)")
	f.StringVar(&flags.apiAddr, "api-addr", "", "Serve status and metrics on this address (enables the API)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return cmd
}

// buildConfig loads the config file when given and lets explicitly set flags
// override it.
func buildConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		flags.configPath = config.ResolvePath(flags.configPath)
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration from %s: %w", flags.configPath, err)
		}
		cfg = loaded
	}
	f := cmd.Flags()
	if f.Changed("threshold") || flags.configPath == "" {
		cfg.Detection.Threshold = flags.threshold
	}
	if f.Changed("interval") || flags.configPath == "" {
		cfg.Detection.Interval = time.Duration(flags.interval) * time.Second
	}
	if f.Changed("whitelist") {
		cfg.Detection.Whitelist = append(cfg.Detection.Whitelist, flags.whitelist...)
	}
	if f.Changed("dry-run") {
		cfg.Firewall.DryRun = flags.dryRun
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.logFile != "" {
		cfg.LogFile.Path = flags.logFile
	}
	if flags.apiAddr != "" {
		cfg.API.Enabled = true
		cfg.API.Addr = flags.apiAddr
	}
	config.ApplyDefaults(cfg)
	cfg.LogFile.Path = config.ResolvePath(cfg.LogFile.Path)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, closer := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File: logging.FileOptions{
			Path:       cfg.LogFile.Path,
			MaxSizeMB:  cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			Compress:   cfg.LogFile.Compress,
		},
	})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{Version: version})
	if err != nil {
		logger.Error("startup failed", "err", err)
		return err
	}
	if err := a.Run(ctx); err != nil {
		logger.Error("sshsentry exited", "err", err)
		return err
	}
	return nil
}
