package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sshsentry/internal/ingest"
	"sshsentry/internal/model"
)

type scriptedSource struct {
	mu    sync.Mutex
	kind  model.SourceKind
	lines []string
	err   error
}

func (s *scriptedSource) Kind() model.SourceKind { return s.kind }

func (s *scriptedSource) push(lines ...string) {
	s.mu.Lock()
	s.lines = append(s.lines, lines...)
	s.mu.Unlock()
}

func (s *scriptedSource) failWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *scriptedSource) Next() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) > 0 {
		line := s.lines[0]
		s.lines = s.lines[1:]
		return line, true, nil
	}
	if s.err != nil {
		return "", false, s.err
	}
	return "", false, nil
}

func (s *scriptedSource) Close() error { return nil }

type recordingRegistrar struct {
	mu     sync.Mutex
	events []model.FailureEvent
}

func (r *recordingRegistrar) RegisterFailure(_ context.Context, addr string, ts time.Time) (model.BlockRecord, bool) {
	r.mu.Lock()
	r.events = append(r.events, model.FailureEvent{Address: addr, OccurredAt: ts})
	r.mu.Unlock()
	return model.BlockRecord{}, false
}

func (r *recordingRegistrar) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func newTestMonitor(src *scriptedSource, reg *recordingRegistrar) *Monitor {
	now := time.Date(2026, time.January, 5, 12, 0, 0, 0, time.UTC)
	parser := ingest.NewParser(time.UTC).WithClock(func() time.Time { return now })
	return New(src, parser, reg, Options{PollInterval: 5 * time.Millisecond}, nil, nil)
}

func TestMonitorRegistersFailures(t *testing.T) {
	src := &scriptedSource{kind: model.SourceFile}
	reg := &recordingRegistrar{}
	m := newTestMonitor(src, reg)
	m.Start(context.Background())
	defer m.Stop(time.Second)

	src.push(
		"Jan  5 10:00:01 host sshd[1234]: Failed password for root from 203.0.113.7 port 5555 ssh2",
		"Jan  5 10:00:02 host CRON[99]: pam_unix(cron:session): session opened for user root",
		"Jan  5 10:00:03 host sshd[1235]: Failed password for invalid user admin from 203.0.113.7 port 5556 ssh2",
	)
	waitFor(t, func() bool { return reg.count() == 2 })

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.events[0].Address != "203.0.113.7" {
		t.Fatalf("unexpected address: %+v", reg.events[0])
	}
	want := time.Date(2026, time.January, 5, 10, 0, 1, 0, time.UTC)
	if !reg.events[0].OccurredAt.Equal(want) {
		t.Fatalf("timestamp: got %v want %v", reg.events[0].OccurredAt, want)
	}
}

func TestMonitorDropsBadTimestamps(t *testing.T) {
	src := &scriptedSource{kind: model.SourceFile}
	reg := &recordingRegistrar{}
	m := newTestMonitor(src, reg)
	m.Start(context.Background())
	defer m.Stop(time.Second)

	src.push(
		"Feb 30 10:00:01 host sshd[1]: Failed password for root from 198.51.100.2 port 1 ssh2",
		"Jan  5 10:00:01 host sshd[2]: Failed password for root from 198.51.100.3 port 1 ssh2",
	)
	waitFor(t, func() bool { return reg.count() == 1 })
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.events[0].Address != "198.51.100.3" {
		t.Fatalf("bad timestamp line should be dropped, got %+v", reg.events)
	}
}

func TestMonitorStopsOnSourceError(t *testing.T) {
	src := &scriptedSource{kind: model.SourceJournal}
	reg := &recordingRegistrar{}
	m := newTestMonitor(src, reg)
	m.Start(context.Background())

	src.failWith(ingest.ErrSourceClosed)
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor did not exit after source error")
	}
	if !errors.Is(m.Err(), ingest.ErrSourceClosed) {
		t.Fatalf("expected source error, got %v", m.Err())
	}
	if !m.Stop(time.Second) {
		t.Fatalf("stop after exit should succeed")
	}
}

func TestMonitorStopIsBounded(t *testing.T) {
	src := &scriptedSource{kind: model.SourceFile}
	m := newTestMonitor(src, &recordingRegistrar{})
	m.Start(context.Background())
	if !m.Running() {
		t.Fatalf("expected running")
	}
	start := time.Now()
	if !m.Stop(time.Second) {
		t.Fatalf("stop timed out")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("stop took too long: %v", time.Since(start))
	}
	if m.Running() {
		t.Fatalf("expected stopped")
	}
	if m.Err() != nil {
		t.Fatalf("clean stop must not record an error: %v", m.Err())
	}
}

func TestMonitorStartTwiceIsNoop(t *testing.T) {
	src := &scriptedSource{kind: model.SourceFile}
	m := newTestMonitor(src, &recordingRegistrar{})
	m.Start(context.Background())
	first := m.Done()
	m.Start(context.Background())
	if m.Done() != first {
		t.Fatalf("second start replaced the running loop")
	}
	m.Stop(time.Second)
}

func TestMonitorStopWithoutStart(t *testing.T) {
	m := newTestMonitor(&scriptedSource{kind: model.SourceFile}, &recordingRegistrar{})
	if !m.Stop(10 * time.Millisecond) {
		t.Fatalf("stop on idle monitor should report stopped")
	}
}

// slowRegistrar holds each registration open, like a firewall command that is
// still running, and reports whether its context was cancelled meanwhile.
type slowRegistrar struct {
	entered  chan struct{}
	release  chan struct{}
	ctxError chan error
}

func (r *slowRegistrar) RegisterFailure(ctx context.Context, _ string, _ time.Time) (model.BlockRecord, bool) {
	close(r.entered)
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	r.ctxError <- ctx.Err()
	return model.BlockRecord{}, false
}

func TestMonitorStopDoesNotCancelInFlightBlock(t *testing.T) {
	src := &scriptedSource{kind: model.SourceFile}
	reg := &slowRegistrar{
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		ctxError: make(chan error, 1),
	}
	now := time.Date(2026, time.January, 5, 12, 0, 0, 0, time.UTC)
	parser := ingest.NewParser(time.UTC).WithClock(func() time.Time { return now })
	m := New(src, parser, reg, Options{PollInterval: 5 * time.Millisecond}, nil, nil)
	m.Start(context.Background())

	src.push("Jan  5 10:00:01 host sshd[1234]: Failed password for root from 203.0.113.7 port 5555 ssh2")
	select {
	case <-reg.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("registration never started")
	}

	stopped := make(chan bool, 1)
	go func() { stopped <- m.Stop(2 * time.Second) }()
	time.Sleep(50 * time.Millisecond)
	close(reg.release)

	if err := <-reg.ctxError; err != nil {
		t.Fatalf("in-flight registration context was cancelled by Stop: %v", err)
	}
	if !<-stopped {
		t.Fatalf("stop should complete once the registration returns")
	}
}
