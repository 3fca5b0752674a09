package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"

	"sshsentry/internal/model"
)

const journalBuffer = 1024

// SplitCommand tokenizes a configured command line with shell quoting rules.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return args, nil
}

// JournalSource follows a long-running journal command and hands out its
// stdout line by line.
type JournalSource struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	lines  chan string
	done   chan struct{}
	logger *slog.Logger

	mu  sync.Mutex
	err error
}

func StartJournal(ctx context.Context, argv []string, logger *slog.Logger) (*JournalSource, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty journal command")
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	s := &JournalSource{
		cmd:    cmd,
		cancel: cancel,
		lines:  make(chan string, journalBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	if logger != nil {
		logger.Debug("journal follow started", "command", argv, "pid", cmd.Process.Pid)
	}
	go s.read(ctx, stdout, stderr)
	return s, nil
}

func (s *JournalSource) read(ctx context.Context, stdout io.Reader, stderr *tailBuffer) {
	defer close(s.done)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		select {
		case s.lines <- scanner.Text():
		case <-ctx.Done():
			_ = s.cmd.Wait()
			s.setErr(fmt.Errorf("%w: journal stopped", ErrSourceClosed))
			return
		}
	}
	scanErr := scanner.Err()
	waitErr := s.cmd.Wait()
	reason := "exited"
	switch {
	case scanErr != nil:
		reason = scanErr.Error()
	case waitErr != nil:
		reason = waitErr.Error()
	}
	if msg := stderr.String(); msg != "" {
		reason += ": " + msg
	}
	s.setErr(fmt.Errorf("%w: journal %s", ErrSourceClosed, reason))
}

func (s *JournalSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *JournalSource) Kind() model.SourceKind {
	return model.SourceJournal
}

func (s *JournalSource) Next() (string, bool, error) {
	select {
	case line := <-s.lines:
		return line, true, nil
	default:
	}
	select {
	case <-s.done:
		select {
		case line := <-s.lines:
			return line, true, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return "", false, s.err
	default:
		return "", false, nil
	}
}

func (s *JournalSource) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// tailBuffer keeps the last bytes a child wrote to stderr for error reports.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf))
}

