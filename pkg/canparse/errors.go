// Package canparse decodes CAN bus text logs into structured records. It
// drives the line extractor and the bit-level decode engine over a log,
// serially or across a worker pool, and streams the accumulated records
// out as JSON, per-message CSV files, or a SQLite database.
package canparse

import (
	"fmt"
	"strings"
)

// ErrorMode selects how per-line failures are handled during a parse.
type ErrorMode int

const (
	// ModeStrict fails the whole run on the first malformed line.
	ModeStrict ErrorMode = iota
	// ModeWarn records the failure as an Issue and continues; unknown
	// identifiers still emit a minimal record.
	ModeWarn
	// ModeIgnore silently drops failing lines.
	ModeIgnore
)

var modeNames = [...]string{"strict", "warn", "ignore"}

func (m ErrorMode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "strict"
}

// ParseErrorMode maps a mode name onto an ErrorMode.
func ParseErrorMode(s string) (ErrorMode, error) {
	switch strings.ToLower(s) {
	case "strict":
		return ModeStrict, nil
	case "warn", "warning":
		return ModeWarn, nil
	case "ignore", "silent":
		return ModeIgnore, nil
	default:
		return ModeStrict, fmt.Errorf("unknown error mode %q", s)
	}
}

// IssueKind classifies a per-line or per-signal failure.
type IssueKind int

const (
	// IssuePattern is a line that does not match the configured pattern.
	IssuePattern IssueKind = iota
	// IssuePayload is a malformed hex payload (odd length or non-hex).
	IssuePayload
	// IssueUnknownID is a frame whose identifier matches no filtered
	// message definition.
	IssueUnknownID
	// IssueBitRange is a signal whose bit range exceeds the actual
	// payload; it degrades only that field.
	IssueBitRange
)

var issueKindNames = [...]string{"pattern", "payload", "unknown-id", "bit-range"}

func (k IssueKind) String() string {
	if int(k) < len(issueKindNames) {
		return issueKindNames[k]
	}
	return "unknown"
}

// Issue is one recorded failure, accumulated in warn mode and exposed
// through Parser.Issues.
type Issue struct {
	// Line is the 1-based line number within the parsed batch or file;
	// zero when the failure is not tied to a line.
	Line int
	Kind IssueKind
	Err  error
}

func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("line %d: %s: %v", i.Line, i.Kind, i.Err)
	}
	return fmt.Sprintf("%s: %v", i.Kind, i.Err)
}

// ExtractError is a line that could not be turned into a frame.
type ExtractError struct {
	Kind   IssueKind // IssuePattern or IssuePayload
	Reason string
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extracting frame: %s", e.Reason)
}

// DecodeError is a frame or signal that could not be decoded against the
// filtered specification.
type DecodeError struct {
	Kind   IssueKind // IssueUnknownID or IssueBitRange
	ID     uint32
	Signal string // set for per-signal failures
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("decoding 0x%X: signal %s: %s", e.ID, e.Signal, e.Reason)
	}
	return fmt.Sprintf("decoding 0x%X: %s", e.ID, e.Reason)
}
