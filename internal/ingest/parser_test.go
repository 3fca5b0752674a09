package ingest

import (
	"errors"
	"testing"
	"time"

	"sshsentry/internal/model"
)

func fixedParser(now time.Time) *Parser {
	return NewParser(time.UTC).WithClock(func() time.Time { return now })
}

func TestParseFileFailedPassword(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	p := fixedParser(now)
	line := "Jan  5 10:00:01 host sshd[123]: Failed password for invalid user bob from 10.0.0.5 port 4444"
	ev, ok, err := p.Parse(line, model.SourceFile)
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if ev.Address != "10.0.0.5" {
		t.Fatalf("address: %s", ev.Address)
	}
	want := time.Date(2026, time.January, 5, 10, 0, 1, 0, time.UTC)
	if !ev.OccurredAt.Equal(want) {
		t.Fatalf("timestamp: got %s want %s", ev.OccurredAt, want)
	}
}

func TestParseFileInvalidUser(t *testing.T) {
	p := fixedParser(time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC))
	line := "May 31 23:10:00 bastion sshd[9981]: Invalid user admin from 198.51.100.7 port 50022"
	ev, ok, err := p.Parse(line, model.SourceFile)
	if err != nil || !ok || ev.Address != "198.51.100.7" {
		t.Fatalf("unexpected result: %+v ok=%v err=%v", ev, ok, err)
	}
}

func TestParseFileSessionProcess(t *testing.T) {
	p := fixedParser(time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC))
	line := "May 31 23:10:00 bastion sshd-session[77]: Failed password for root from 192.0.2.44 port 2222 ssh2"
	if _, ok, err := p.Parse(line, model.SourceFile); !ok || err != nil {
		t.Fatalf("expected sshd-session line to match, ok=%v err=%v", ok, err)
	}
}

func TestParseYearRollover(t *testing.T) {
	now := time.Date(2027, time.January, 1, 0, 0, 30, 0, time.UTC)
	p := fixedParser(now)
	line := "Dec 31 23:59:59 host sshd[1]: Failed password for root from 10.1.2.3 port 22 ssh2"
	ev, ok, err := p.Parse(line, model.SourceFile)
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	want := time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC)
	if !ev.OccurredAt.Equal(want) {
		t.Fatalf("rollover: got %s want %s", ev.OccurredAt, want)
	}
}

func TestParseNoRolloverWithinADay(t *testing.T) {
	now := time.Date(2026, time.July, 10, 23, 0, 0, 0, time.UTC)
	p := fixedParser(now)
	line := "Jul 11 08:00:00 host sshd[1]: Failed password for root from 10.1.2.3 port 22 ssh2"
	ev, ok, _ := p.Parse(line, model.SourceFile)
	if !ok || ev.OccurredAt.Year() != 2026 {
		t.Fatalf("entry less than a day ahead must keep the current year: %+v", ev)
	}
}

func TestParseJournal(t *testing.T) {
	p := fixedParser(time.Now())
	cases := []struct {
		line string
		want time.Time
	}{
		{
			line: "2026-01-05T10:00:01+0000 host sshd[123]: Failed password for root from 10.0.0.5 port 4444 ssh2",
			want: time.Date(2026, 1, 5, 10, 0, 1, 0, time.UTC),
		},
		{
			line: "2026-01-05T12:00:01+02:00 host sshd[123]: Invalid user bob from 10.0.0.6 port 4444",
			want: time.Date(2026, 1, 5, 10, 0, 1, 0, time.UTC),
		},
		{
			line: "2026-01-05 10:00:01 host sshd[123]: Failed password for invalid user x from 10.0.0.7 port 1 ssh2",
			want: time.Date(2026, 1, 5, 10, 0, 1, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		ev, ok, err := p.Parse(tc.line, model.SourceJournal)
		if err != nil || !ok {
			t.Fatalf("%q: ok=%v err=%v", tc.line, ok, err)
		}
		if !ev.OccurredAt.Equal(tc.want) {
			t.Fatalf("%q: got %s want %s", tc.line, ev.OccurredAt, tc.want)
		}
	}
}

func TestParseNonMatchingLinesAreSilent(t *testing.T) {
	p := fixedParser(time.Now())
	lines := []struct {
		line string
		kind model.SourceKind
	}{
		{"Jan  5 10:00:01 host sshd[123]: Accepted publickey for alice from 10.0.0.5 port 4444 ssh2", model.SourceFile},
		{"Jan  5 10:00:01 host CRON[99]: pam_unix(cron:session): session opened for user root", model.SourceFile},
		{"", model.SourceFile},
		{"2026-01-05T10:00:01+0000 host sshd[1]: Connection closed by 10.0.0.5 port 22", model.SourceJournal},
		{"Jan  5 10:00:01 host sshd[123]: Failed password for root from 10.0.0.5 port 4444", model.SourceJournal},
		{"Jan  5 10:00:01 host sshd[123]: Failed password for root from 999.0.0.5 port 4444", model.SourceFile},
	}
	for _, tc := range lines {
		if _, ok, err := p.Parse(tc.line, tc.kind); ok || err != nil {
			t.Fatalf("%q: expected silent miss, got ok=%v err=%v", tc.line, ok, err)
		}
	}
}

func TestParseBadTimestamp(t *testing.T) {
	p := fixedParser(time.Now())
	line := "Feb 30 10:00:01 host sshd[123]: Failed password for root from 10.0.0.5 port 4444"
	_, ok, err := p.Parse(line, model.SourceFile)
	var tsErr *TimestampError
	if ok || !errors.As(err, &tsErr) {
		t.Fatalf("expected TimestampError, got ok=%v err=%v", ok, err)
	}
	if tsErr.Kind != model.SourceFile {
		t.Fatalf("kind: %s", tsErr.Kind)
	}
}

func TestParseLeapDayInCommonYear(t *testing.T) {
	p := fixedParser(time.Date(2027, time.March, 2, 12, 0, 0, 0, time.UTC))
	_, ok, err := p.Parse("Feb 29 10:00:00 host sshd[7]: Failed password for root from 192.0.2.44 port 22 ssh2", model.SourceFile)
	var tsErr *TimestampError
	if ok || !errors.As(err, &tsErr) {
		t.Fatalf("expected timestamp error for Feb 29 in 2027, got ok=%v err=%v", ok, err)
	}

	p = fixedParser(time.Date(2028, time.March, 2, 12, 0, 0, 0, time.UTC))
	ev, ok, err := p.Parse("Feb 29 10:00:00 host sshd[7]: Failed password for root from 192.0.2.44 port 22 ssh2", model.SourceFile)
	if err != nil || !ok || ev.OccurredAt.Day() != 29 {
		t.Fatalf("Feb 29 in a leap year should parse, got ok=%v err=%v ts=%v", ok, err, ev.OccurredAt)
	}
}
