package pipeline

import (
	"github.com/gigapi/gigapi-ingest/core"
)

// State is a step of a batch run.
type State int

const (
	StateExtracting State = iota
	StateChecking
	StateTransforming
	StateLoading
	StateSucceeded
	StateFailed
	StateFailedFinal
	// StateCanceled: the context ended while the batch was being retried.
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateExtracting:
		return "extracting"
	case StateChecking:
		return "checking"
	case StateTransforming:
		return "transforming"
	case StateLoading:
		return "loading"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateFailedFinal:
		return "failed_final"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// TableStatus is what happened to one table in an attempt.
type TableStatus int

const (
	// TablePending: the attempt ended before the table was finished.
	TablePending TableStatus = iota
	TableLoaded
	// TableDropped: removed by extraction, checks or transformation.
	TableDropped
	// TableEmpty: nothing left after checks.
	TableEmpty
	// TableUnsaved: the load failed.
	TableUnsaved
)

func (s TableStatus) String() string {
	switch s {
	case TablePending:
		return "pending"
	case TableLoaded:
		return "loaded"
	case TableDropped:
		return "dropped"
	case TableEmpty:
		return "empty"
	case TableUnsaved:
		return "unsaved"
	default:
		return "unknown"
	}
}

// TableOutcome is the result for one table of the batch.
type TableOutcome struct {
	Table  string
	File   string
	Status TableStatus
	Kind   core.Kind
	Err    error
	Rows   int
	Path   string
}

// BatchOutcome aggregates the table outcomes of the last attempt.
type BatchOutcome struct {
	RunID     string
	Partition core.Partition
	State     State
	Attempts  int
	Tables    []TableOutcome
	// Err is the fatal error of the last failed attempt.
	Err error
}

// Loaded counts the tables written to the destination.
func (b BatchOutcome) Loaded() int {
	n := 0
	for _, t := range b.Tables {
		if t.Status == TableLoaded {
			n++
		}
	}
	return n
}

// Count returns the number of tables with status s.
func (b BatchOutcome) Count(s TableStatus) int {
	n := 0
	for _, t := range b.Tables {
		if t.Status == s {
			n++
		}
	}
	return n
}

func (b BatchOutcome) Succeeded() bool {
	return b.State == StateSucceeded
}
