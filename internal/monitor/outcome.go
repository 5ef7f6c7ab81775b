package monitor

import "time"

// OutcomeKind classifies the per-vehicle result of one tick for the
// log-rendering boundary
type OutcomeKind int

const (
	// Information covers session-level notices: deferred start, fallback
	// duration, empty polls, stop.
	Information OutcomeKind = iota
	// LoggedPosition means the report was accepted and one row was written.
	LoggedPosition
	// SkippedPosition means the report was rejected (bad datetime or
	// outside the monitored segment). Not an error.
	SkippedPosition
)

// String returns the log tag for a kind
func (k OutcomeKind) String() string {
	switch k {
	case LoggedPosition:
		return "logged_position"
	case SkippedPosition:
		return "skipped_position"
	default:
		return "information"
	}
}

// Outcome is one human-readable log record produced by the pipeline or the
// controller, exactly one per vehicle observation
type Outcome struct {
	Kind    OutcomeKind
	Time    time.Time
	Message string
}
