package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sshsentry/internal/alerts"
	"sshsentry/internal/metrics"
	"sshsentry/internal/model"
	"sshsentry/internal/notify"
)

// Blocker enforces a block for one address. A nil error means the address is
// now blocked.
type Blocker interface {
	Block(ctx context.Context, addr string) error
}

type Options struct {
	Threshold int
	Interval  time.Duration
	Whitelist []string
	// Firewall and DryRun only label block records.
	Firewall string
	DryRun   bool
}

// Detector counts authentication failures per address over a sliding
// window and blocks an address once it reaches the threshold.
//
// Per address: clean -> accumulating -> (block failed, retry on next
// failure) -> blocked. Blocked is terminal for the process lifetime.
// Whitelisted addresses never leave the exempt state.
type Detector struct {
	logger   *slog.Logger
	metrics  *metrics.Store
	alerts   *alerts.Store
	notifier notify.Notifier
	blocker  Blocker
	opts     Options
	access   *AccessControlSet
	now      func() time.Time

	mu      sync.Mutex
	windows map[string]*FailureWindow
	blocked map[string]time.Time
	stats   model.DetectorStats
}

func NewDetector(opts Options, blocker Blocker, logger *slog.Logger, metricsStore *metrics.Store, alertsStore *alerts.Store, notifier notify.Notifier) *Detector {
	if opts.Threshold < 1 {
		opts.Threshold = 1
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Detector{
		logger:   logger,
		metrics:  metricsStore,
		alerts:   alertsStore,
		notifier: notifier,
		blocker:  blocker,
		opts:     opts,
		access:   buildAccessControl(opts.Whitelist),
		now:      time.Now,
		windows:  make(map[string]*FailureWindow),
		blocked:  make(map[string]time.Time),
	}
}

// SetClock replaces the time source used for pruning. Tests only.
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// RegisterFailure records one failed login from addr at ts. It returns the
// block record when this failure caused addr to be blocked.
func (d *Detector) RegisterFailure(ctx context.Context, addr string, ts time.Time) (model.BlockRecord, bool) {
	addr = normalizeAddress(addr)
	if addr == "" {
		return model.BlockRecord{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.access.IsWhitelisted(addr) {
		d.stats.Ignored++
		d.metrics.Ignored()
		return model.BlockRecord{}, false
	}
	if _, ok := d.blocked[addr]; ok {
		d.stats.Ignored++
		d.metrics.Ignored()
		return model.BlockRecord{}, false
	}
	d.stats.Registered++

	w, ok := d.windows[addr]
	if !ok {
		w = NewFailureWindow()
		d.windows[addr] = w
		d.metrics.SetTracked(len(d.windows))
	}
	w.Add(ts)
	now := d.now()
	w.Evict(now.Add(-d.opts.Interval))

	count := w.Count()
	if count < d.opts.Threshold || d.blocker == nil {
		return model.BlockRecord{}, false
	}
	if d.logger != nil {
		d.logger.Warn("blocking address",
			"address", addr,
			"failures", count,
			"interval_sec", int(d.opts.Interval.Seconds()),
		)
	}
	if err := d.blocker.Block(ctx, addr); err != nil {
		d.stats.BlockFailures++
		d.metrics.BlockError()
		if d.logger != nil {
			d.logger.Warn("block failed, will retry on next failure",
				"address", addr,
				"failures", count,
				"err", err,
			)
		}
		return model.BlockRecord{}, false
	}

	d.blocked[addr] = now
	delete(d.windows, addr)
	d.metrics.SetTracked(len(d.windows))
	d.metrics.Blocked(d.opts.Firewall)

	rec := model.BlockRecord{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		Address:   addr,
		Failures:  count,
		WindowSec: int(d.opts.Interval.Seconds()),
		Backend:   d.opts.Firewall,
		DryRun:    d.opts.DryRun,
	}
	d.alerts.Add(rec)
	if d.logger != nil {
		d.logger.Info("address blocked",
			"address", addr,
			"block_id", rec.ID,
			"firewall", rec.Backend,
			"dry_run", rec.DryRun,
		)
	}
	if err := d.notifier.Notify(ctx, rec); err != nil && d.logger != nil {
		d.logger.Warn("block notification failed", "address", addr, "err", err)
	}
	return rec, true
}

func (d *Detector) IsBlocked(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.blocked[normalizeAddress(addr)]
	return ok
}

// Failures is the number of failures currently held for addr, as of the last
// time it was pruned.
func (d *Detector) Failures(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.windows[normalizeAddress(addr)]; ok {
		return w.Count()
	}
	return 0
}

func (d *Detector) Blocked() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.blocked))
	for addr := range d.blocked {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (d *Detector) Stats() model.DetectorStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.stats
	st.Tracked = len(d.windows)
	st.Blocked = len(d.blocked)
	return st
}

func (d *Detector) Threshold() int {
	return d.opts.Threshold
}

func (d *Detector) Interval() time.Duration {
	return d.opts.Interval
}

func (d *Detector) WhitelistSize() int {
	return d.access.Len()
}
