// Package ingest fetches subject volumes from the remote store, shrinks each
// one exactly once and keeps the run's accounting.
package ingest

import "time"

// Status is the outcome of fetching one subject.
type Status int

const (
	// StatusExists means a non-empty local copy was already present.
	StatusExists Status = iota
	// StatusDownloaded means the volume was transferred in this run.
	StatusDownloaded
	// StatusMissing means the store has no such object.
	StatusMissing
	// StatusError is any other failure. The run continues.
	StatusError
	// StatusPlanned is a transfer skipped by a dry run.
	StatusPlanned
)

func (s Status) String() string {
	switch s {
	case StatusExists:
		return "exists"
	case StatusDownloaded:
		return "downloaded"
	case StatusMissing:
		return "missing"
	case StatusError:
		return "error"
	case StatusPlanned:
		return "planned"
	default:
		return "unknown"
	}
}

// Completion is what the prober found on disk.
type Completion int

const (
	// CompletionMissing means no usable local file.
	CompletionMissing Completion = iota
	// CompletionPresentLarge means a full-resolution file awaits reduction.
	CompletionPresentLarge
	// CompletionPresentSmall means a reduced file is present. Nothing to do.
	CompletionPresentSmall
)

func (c Completion) String() string {
	switch c {
	case CompletionMissing:
		return "missing"
	case CompletionPresentLarge:
		return "present-large"
	case CompletionPresentSmall:
		return "present-small"
	default:
		return "unknown"
	}
}

// State is a subject's lifecycle position.
type State string

// Subject states.
const (
	StateMissing         State = "missing"
	StatePartial         State = "partial"
	StateCompleteRaw     State = "complete-raw"
	StateCompleteReduced State = "complete-reduced"
	StateInvalid         State = "invalid"
	StateError           State = "error"
)

// Subject is one remote volume and its local copy.
type Subject struct {
	ID    string
	Key   string
	Path  string
	State State
	Size  int64
}

// Result is the record of one subject's trip through the pipeline.
type Result struct {
	Subject  Subject
	Status   Status
	Bytes    int64 // Bytes transferred
	Reduced  bool  // Reduced in this run
	Duration time.Duration
	Err      error
}
