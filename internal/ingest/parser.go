package ingest

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"sshsentry/internal/model"
)

var (
	reFileFailure = regexp.MustCompile(
		`([A-Z][a-z]{2}\s+\d{1,2}\s+\d{1,2}:\d{2}:\d{2}).*sshd(?:-session)?\[\d+\]:\s+(?:Failed password|Invalid user).*from\s+(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
	reJournalFailure = regexp.MustCompile(
		`(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?).*sshd(?:-session)?\[\d+\]:\s+(?:Failed password|Invalid user).*from\s+(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
)

const syslogLayout = "Jan 2 15:04:05"

var journalLayouts = []string{
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-0700",
}

// TimestampError reports a line that looked like an authentication failure
// but whose timestamp could not be read. The line is dropped.
type TimestampError struct {
	Kind  model.SourceKind
	Value string
	Err   error
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("invalid %s timestamp %q: %v", e.Kind, e.Value, e.Err)
}

func (e *TimestampError) Unwrap() error {
	return e.Err
}

var errUnknownKind = errors.New("unknown source kind")

type Parser struct {
	loc *time.Location
	now func() time.Time
}

func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	return &Parser{loc: loc, now: time.Now}
}

// WithClock replaces the parser's notion of now; the year of syslog
// timestamps is derived from it.
func (p *Parser) WithClock(now func() time.Time) *Parser {
	p.now = now
	return p
}

// Parse returns ok=false with a nil error for lines that are not SSH
// authentication failures. A *TimestampError means the line matched but the
// event had to be dropped.
func (p *Parser) Parse(line string, kind model.SourceKind) (model.FailureEvent, bool, error) {
	var re *regexp.Regexp
	switch kind {
	case model.SourceFile:
		re = reFileFailure
	case model.SourceJournal:
		re = reJournalFailure
	default:
		return model.FailureEvent{}, false, errUnknownKind
	}
	m := re.FindStringSubmatch(line)
	if m == nil {
		return model.FailureEvent{}, false, nil
	}
	addr, err := netip.ParseAddr(m[2])
	if err != nil {
		return model.FailureEvent{}, false, nil
	}
	var ts time.Time
	switch kind {
	case model.SourceFile:
		ts, err = p.parseSyslog(m[1])
	case model.SourceJournal:
		ts, err = p.parseJournal(m[1])
	}
	if err != nil {
		return model.FailureEvent{}, false, &TimestampError{Kind: kind, Value: m[1], Err: err}
	}
	return model.FailureEvent{Address: addr.String(), OccurredAt: ts}, true, nil
}

// parseSyslog reads "Jan  5 10:00:01". The year is not in the line, so the
// current year is assumed and pulled back by one when that puts the entry
// more than a day in the future (a December line read in January).
func (p *Parser) parseSyslog(value string) (time.Time, error) {
	value = strings.Join(strings.Fields(value), " ")
	t, err := time.ParseInLocation(syslogLayout, value, p.loc)
	if err != nil {
		return time.Time{}, err
	}
	now := p.now().In(p.loc)
	ts := time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, p.loc)
	if ts.After(now.Add(24 * time.Hour)) {
		ts = time.Date(now.Year()-1, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, p.loc)
	}
	// Parsing without a year accepts Feb 29; time.Date would roll it into March.
	if ts.Day() != t.Day() {
		return time.Time{}, fmt.Errorf("day %d out of range for %s %d", t.Day(), t.Month(), ts.Year())
	}
	return ts, nil
}

func (p *Parser) parseJournal(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range journalLayouts {
		t, err := time.ParseInLocation(layout, value, p.loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
