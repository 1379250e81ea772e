package batch

import "fmt"

// Status describes how a batch loop ended without error
type Status int

const (
	// StatusComplete means the server reported no further work
	StatusComplete Status = iota
	// StatusStalled means processed_cases stopped advancing; counts are partial but usable
	StatusStalled
	// StatusCancelled means a stop was observed before the next batch
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusStalled:
		return "stalled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Accumulator holds the running totals of one batch loop. Counters are the
// server's cumulative values, overwritten on every response.
type Accumulator struct {
	Processed int64
	Created   int64
	Updated   int64
	Failed    int64
	Total     int64

	LastProcessed int64
	StuckCount    int
	NeedsContinue bool
	Batches       int
}

// Percent returns processed/total as a percentage, 0 when total is 0
func (a Accumulator) Percent() float64 {
	if a.Total <= 0 {
		return 0
	}
	return float64(a.Processed) / float64(a.Total) * 100
}

// Summary renders the counters for display
func (a Accumulator) Summary() string {
	return fmt.Sprintf("%d/%d processed (%d created, %d updated, %d failed)",
		a.Processed, a.Total, a.Created, a.Updated, a.Failed)
}

// Result is the outcome of a batch loop
type Result struct {
	Accumulator
	Status Status
}
