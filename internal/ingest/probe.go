package ingest

import (
	"context"
	"log/slog"

	"sshsentry/internal/command"
)

type ProbeOptions struct {
	AuthLogPath    string
	JournalCommand string
	Runner         command.Runner
	Logger         *slog.Logger
}

// Open picks the log provider by capability: a readable auth log wins,
// otherwise a working journalctl. The journal child lives until ctx is
// cancelled or the source is closed.
func Open(ctx context.Context, opts ProbeOptions) (Source, error) {
	logger := opts.Logger
	if opts.AuthLogPath != "" {
		fs, err := OpenFile(opts.AuthLogPath, logger)
		if err == nil {
			if logger != nil {
				logger.Info("following auth log", "path", fs.Path())
			}
			return fs, nil
		}
		if logger != nil {
			logger.Debug("auth log not readable", "path", opts.AuthLogPath, "err", err)
		}
	}
	argv, err := SplitCommand(opts.JournalCommand)
	if err != nil {
		if logger != nil {
			logger.Error("invalid journal command", "err", err)
		}
		return nil, ErrNoLogSource
	}
	res, err := opts.Runner.Run(ctx, argv[0], "--version")
	if err != nil || !res.OK() {
		if logger != nil {
			logger.Debug("journal probe failed", "command", argv[0], "exit_code", res.ExitCode, "err", err)
		}
		return nil, ErrNoLogSource
	}
	js, err := StartJournal(ctx, argv, logger)
	if err != nil {
		if logger != nil {
			logger.Error("journal follow failed to start", "err", err)
		}
		return nil, ErrNoLogSource
	}
	if logger != nil {
		logger.Info("following journal", "command", argv[0])
	}
	return js, nil
}
