package model

import "time"

// SourceKind identifies which log provider produced a line. The two kinds use
// different line formats, so the parser needs to know which one is active.
type SourceKind int

const (
	SourceFile SourceKind = iota + 1
	SourceJournal
)

func (k SourceKind) String() string {
	switch k {
	case SourceFile:
		return "file"
	case SourceJournal:
		return "journal"
	default:
		return "unknown"
	}
}

type FailureEvent struct {
	Address    string    `json:"address"`
	OccurredAt time.Time `json:"occurred_at"`
}

type BlockRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Address   string    `json:"address"`
	Failures  int       `json:"failures"`
	WindowSec int       `json:"window_sec"`
	Backend   string    `json:"backend"`
	DryRun    bool      `json:"dry_run"`
}

type DetectorStats struct {
	Tracked       int `json:"tracked"`
	Blocked       int `json:"blocked"`
	Registered    int `json:"registered"`
	Ignored       int `json:"ignored"`
	BlockFailures int `json:"block_failures"`
}
