// Package app wires the detector, firewall and log source together and owns
// the process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"sshsentry/internal/alerts"
	"sshsentry/internal/api"
	"sshsentry/internal/command"
	"sshsentry/internal/config"
	"sshsentry/internal/engine"
	"sshsentry/internal/firewall"
	"sshsentry/internal/ingest"
	"sshsentry/internal/logging"
	"sshsentry/internal/metrics"
	"sshsentry/internal/monitor"
	"sshsentry/internal/notify"
)

var (
	ErrNotPrivileged = errors.New("root privileges are required to modify the firewall (use --dry-run to test)")
	ErrSourceLost    = errors.New("log source lost")
)

type SourceOpener func(ctx context.Context, opts ingest.ProbeOptions) (ingest.Source, error)

// Options holds process-level dependencies. Zero values select the real
// implementations.
type Options struct {
	Version    string
	Runner     command.Runner
	Euid       func() int
	OpenSource SourceOpener
	Notifier   notify.Notifier
	Location   *time.Location
}

type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	version  string
	metrics  *metrics.Store
	alerts   *alerts.Store
	notifier notify.Notifier
	firewall *firewall.Firewall
	source   ingest.Source
	detector *engine.Detector
	monitor  *monitor.Monitor
	api      *api.Server

	srcCancel context.CancelFunc
}

// New performs the startup checks in order: privileges, firewall detection,
// log source selection. Any failure here is fatal to the process.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Runner == nil {
		opts.Runner = command.NewExecRunner(cfg.Firewall.CommandTimeout)
	}
	if opts.Euid == nil {
		opts.Euid = os.Geteuid
	}
	if opts.OpenSource == nil {
		opts.OpenSource = ingest.Open
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	dryRun := cfg.Firewall.DryRun

	if opts.Euid() != 0 {
		if !dryRun {
			return nil, ErrNotPrivileged
		}
		logger.Warn("not running as root; continuing because dry run is enabled")
	}

	kind, err := firewall.Detect(ctx, opts.Runner, logger)
	if err != nil {
		if !dryRun {
			return nil, err
		}
		logger.Warn("no firewall detected; continuing because dry run is enabled")
	}
	fw := firewall.New(kind, dryRun, opts.Runner, logger)

	srcCtx, srcCancel := context.WithCancel(context.Background())
	src, err := opts.OpenSource(srcCtx, ingest.ProbeOptions{
		AuthLogPath:    cfg.Source.AuthLogPath,
		JournalCommand: cfg.Source.JournalCommand,
		Runner:         opts.Runner,
		Logger:         logger,
	})
	if err != nil {
		srcCancel()
		return nil, err
	}

	metricsStore := metrics.NewStore()
	alertsStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.New(cfg.Notify, logger)
	}
	detector := engine.NewDetector(engine.Options{
		Threshold: cfg.Detection.Threshold,
		Interval:  cfg.Detection.Interval,
		Whitelist: cfg.Detection.Whitelist,
		Firewall:  kind.String(),
		DryRun:    dryRun,
	}, fw, logger, metricsStore, alertsStore, notifier)
	parser := ingest.NewParser(opts.Location)
	mon := monitor.New(src, parser, detector, monitor.Options{PollInterval: cfg.Source.PollInterval}, logger, metricsStore)

	a := &App{
		cfg:       cfg,
		logger:    logger,
		version:   opts.Version,
		metrics:   metricsStore,
		alerts:    alertsStore,
		notifier:  notifier,
		firewall:  fw,
		source:    src,
		detector:  detector,
		monitor:   mon,
		srcCancel: srcCancel,
	}
	a.api = api.NewServer(detector, mon, metricsStore, alertsStore, api.Info{
		Version:  opts.Version,
		Firewall: kind.String(),
		DryRun:   dryRun,
	}, logger)

	logger.Info("sshsentry starting",
		"version", opts.Version,
		"threshold", cfg.Detection.Threshold,
		"interval_sec", int(cfg.Detection.Interval.Seconds()),
		"whitelist_size", detector.WhitelistSize(),
		"firewall", kind.String(),
		"source", src.Kind().String(),
		"dry_run", dryRun,
	)
	return a, nil
}

// Run monitors until ctx is cancelled or the log source is lost. A cancelled
// ctx is a clean shutdown and returns nil.
func (a *App) Run(ctx context.Context) error {
	apiCtx, cancelAPI := context.WithCancel(ctx)
	defer cancelAPI()
	api.Start(apiCtx, a.cfg.API, a.api, a.logger)
	// The monitor is ended by Stop only, so a signal cannot look like source loss.
	a.monitor.Start(context.WithoutCancel(ctx))

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case <-a.monitor.Done():
		if err := a.monitor.Err(); err != nil {
			runErr = fmt.Errorf("%w: %v", ErrSourceLost, err)
		}
	}
	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	if !a.monitor.Stop(a.cfg.ShutdownTimeout) {
		a.logger.Warn("monitor still running at shutdown")
	}
	a.srcCancel()
	if err := a.source.Close(); err != nil {
		a.logger.Debug("source close", "err", err)
	}
	if err := a.notifier.Close(); err != nil {
		a.logger.Warn("notifier close", "err", err)
	}
	st := a.detector.Stats()
	a.logger.Info("sshsentry stopped", "blocked", st.Blocked, "tracked", st.Tracked, "block_failures", st.BlockFailures)
}

func (a *App) Detector() *engine.Detector {
	return a.detector
}

func (a *App) Firewall() *firewall.Firewall {
	return a.firewall
}
