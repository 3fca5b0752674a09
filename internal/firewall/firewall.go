package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"sshsentry/internal/command"
)

// Kind is the packet filter detected at startup. It never changes afterwards.
type Kind int

const (
	KindNone Kind = iota
	KindUFW
	KindIptables
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUFW:
		return "ufw"
	case KindIptables:
		return "iptables"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrNoBackend      = errors.New("no supported firewall (ufw/iptables) found")
	ErrInvalidAddress = errors.New("invalid address")
)

// CommandError is a firewall command that ran but exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
}

type probe struct {
	kind  Kind
	name  string
	args  []string
	check func(stdout string) bool
}

var probes = []probe{
	{kind: KindUFW, name: "ufw", args: []string{"status"}, check: func(out string) bool {
		return strings.Contains(out, "Status: active")
	}},
	{kind: KindIptables, name: "iptables", args: []string{"--version"}, check: func(string) bool {
		return true
	}},
}

// Detect probes ufw first and falls back to iptables. It returns KindNone and
// ErrNoBackend when neither is usable.
func Detect(ctx context.Context, runner command.Runner, logger *slog.Logger) (Kind, error) {
	for _, p := range probes {
		res, err := runner.Run(ctx, p.name, p.args...)
		if err != nil {
			if logger != nil {
				logger.Debug("firewall probe failed", "firewall", p.kind.String(), "err", err)
			}
			continue
		}
		if res.OK() && p.check(res.Stdout) {
			if logger != nil {
				logger.Info("firewall detected", "firewall", p.kind.String())
			}
			return p.kind, nil
		}
	}
	return KindNone, ErrNoBackend
}

type Firewall struct {
	kind   Kind
	dryRun bool
	runner command.Runner
	logger *slog.Logger
}

func New(kind Kind, dryRun bool, runner command.Runner, logger *slog.Logger) *Firewall {
	return &Firewall{kind: kind, dryRun: dryRun, runner: runner, logger: logger}
}

func (f *Firewall) Kind() Kind {
	return f.kind
}

func (f *Firewall) DryRun() bool {
	return f.dryRun
}

// Block denies all traffic from addr. Repeated calls for the same address do
// not add duplicate rules. A nil error means the address is blocked (or would
// have been, in dry-run mode).
func (f *Firewall) Block(ctx context.Context, addr string) error {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	addr = ip.String()
	if f.dryRun {
		if f.logger != nil {
			f.logger.Info("dry run: would block address", "address", addr, "firewall", f.kind.String())
		}
		return nil
	}
	switch f.kind {
	case KindUFW:
		return f.blockUFW(ctx, addr)
	case KindIptables:
		return f.blockIptables(ctx, addr)
	case KindNone:
		return ErrNoBackend
	default:
		return fmt.Errorf("unsupported firewall %s", f.kind)
	}
}

func (f *Firewall) blockUFW(ctx context.Context, addr string) error {
	return f.run(ctx, "ufw", "deny", "from", addr, "to", "any")
}

func (f *Firewall) blockIptables(ctx context.Context, addr string) error {
	res, err := f.runner.Run(ctx, "iptables", "-C", "INPUT", "-s", addr, "-j", "DROP")
	if err != nil {
		return fmt.Errorf("iptables check %s: %w", addr, err)
	}
	if res.OK() {
		if f.logger != nil {
			f.logger.Info("address already blocked", "address", addr, "firewall", f.kind.String())
		}
		return nil
	}
	return f.run(ctx, "iptables", "-A", "INPUT", "-s", addr, "-j", "DROP")
}

func (f *Firewall) run(ctx context.Context, name string, args ...string) error {
	res, err := f.runner.Run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", command.Line(name, args...), err)
	}
	if !res.OK() {
		return &CommandError{Command: command.Line(name, args...), ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}
