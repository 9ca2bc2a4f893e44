package models

import "time"

// RunState is the lifecycle state of a scraper run.
type RunState int

const (
	StateIdle RunState = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PageFailure records a page that could not be processed.
type PageFailure struct {
	URL        string
	CategoryID string
	PageIndex  int
	Kind       string
	Message    string
}

// RunResult holds the overall result of a scraping run.
type RunResult struct {
	RunID            string
	State            RunState
	StartTime        time.Time
	EndTime          time.Time
	RecordsWritten   int
	RecordsExtracted int
	Duplicates       int
	Skipped          int
	PagesVisited     int
	DetailPages      int
	RetryCount       int
	Failures         []PageFailure
	FailuresByKind   map[string]int
	Interrupted      bool
	LimitReached     bool
	OutputFile       string
}

// ExitCode maps the run state to a process exit code.
func (r *RunResult) ExitCode() int {
	if r == nil || r.State != StateCompleted {
		return 1
	}
	return 0
}

// Duration returns the wall-clock length of the run.
func (r *RunResult) Duration() time.Duration {
	if r == nil || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
