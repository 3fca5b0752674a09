package ingest

import (
	"context"
	"errors"
	"time"

	"sshsentry/internal/model"
)

var (
	ErrNoLogSource  = errors.New("could not access auth log or journalctl")
	ErrSourceClosed = errors.New("log source closed")
)

// Source yields raw authentication log lines from one provider.
type Source interface {
	Kind() model.SourceKind
	// Next returns the next complete line. ok is false with a nil error when
	// nothing new is available yet; callers are expected to poll.
	Next() (line string, ok bool, err error)
	Close() error
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
