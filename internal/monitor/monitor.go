package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sshsentry/internal/ingest"
	"sshsentry/internal/metrics"
	"sshsentry/internal/model"
)

// Registrar receives parsed failure events.
type Registrar interface {
	RegisterFailure(ctx context.Context, addr string, ts time.Time) (model.BlockRecord, bool)
}

type Options struct {
	PollInterval time.Duration
}

// Monitor runs the read-parse-register loop on a background goroutine.
type Monitor struct {
	src      ingest.Source
	parser   *ingest.Parser
	registry Registrar
	poll     time.Duration
	logger   *slog.Logger
	metrics  *metrics.Store
	tsWarn   *rate.Limiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func New(src ingest.Source, parser *ingest.Parser, registry Registrar, opts Options, logger *slog.Logger, metricsStore *metrics.Store) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Monitor{
		src:      src,
		parser:   parser,
		registry: registry,
		poll:     opts.PollInterval,
		logger:   logger,
		metrics:  metricsStore,
		tsWarn:   rate.NewLimiter(rate.Every(10*time.Second), 5),
	}
}

// Start launches the loop. Calling it while a loop is active only logs.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		if m.logger != nil {
			m.logger.Warn("monitor already running")
		}
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.err = nil
	m.metrics.SetSourceUp(true)
	if m.logger != nil {
		m.logger.Info("monitor started", "source", m.src.Kind().String())
	}
	go m.run(runCtx, m.done)
}

// Stop asks the loop to end and waits at most timeout for it. It reports
// whether the loop has exited.
func (m *Monitor) Stop(timeout time.Duration) bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return true
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		if m.logger != nil {
			m.logger.Warn("monitor did not stop in time", "timeout", timeout.String())
		}
		return false
	}
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("monitor stopped")
	}
	return true
}

// Done is closed when the loop exits for any reason. It is nil before the
// first Start.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Err is the source error that ended the loop, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) SourceKind() model.SourceKind {
	return m.src.Kind()
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	source := m.src.Kind().String()
	// Stop ends the loop between lines; a firewall call already running is
	// bounded by its command timeout instead.
	work := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		line, ok, err := m.src.Next()
		if err != nil {
			m.fail(err)
			return
		}
		if !ok {
			if !ingest.BackoffSleep(ctx, m.poll) {
				return
			}
			continue
		}
		m.metrics.LineRead(source)
		m.handle(work, line)
	}
}

func (m *Monitor) handle(ctx context.Context, line string) {
	ev, ok, err := m.parser.Parse(line, m.src.Kind())
	if err != nil {
		var tsErr *ingest.TimestampError
		if errors.As(err, &tsErr) {
			m.metrics.TimestampError()
			if m.logger != nil && m.tsWarn.Allow() {
				m.logger.Warn("dropping event with unparseable timestamp", "value", tsErr.Value, "err", tsErr.Err)
			}
			return
		}
		if m.logger != nil {
			m.logger.Debug("parse error", "err", err)
		}
		return
	}
	if !ok {
		return
	}
	m.metrics.FailureEvent()
	if m.logger != nil {
		m.logger.Debug("authentication failure", "address", ev.Address, "occurred_at", ev.OccurredAt)
	}
	m.registry.RegisterFailure(ctx, ev.Address, ev.OccurredAt)
}

func (m *Monitor) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.metrics.SetSourceUp(false)
	if m.logger != nil {
		m.logger.Error("log source failed, monitoring stopped", "source", m.src.Kind().String(), "err", err)
	}
}
