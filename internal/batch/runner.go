package batch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"bragsync/internal/remote"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultStallThreshold = 3
	DefaultBackoff        = 500 * time.Millisecond
)

// ProgressFunc receives a status line and a 0..100 percentage per batch
type ProgressFunc func(message string, percent float64)

// Observer is notified of batches and stalls
type Observer interface {
	IncBatch()
	IncStall()
}

// Options contains runner configuration
type Options struct {
	StallThreshold int
	Backoff        time.Duration
	// Stopped is polled before every batch; a true result ends the loop
	Stopped func() bool
}

// Runner repeatedly invokes a batch operation until the server reports no
// further work, progress stalls, or a stop is requested.
type Runner struct {
	invoker  remote.Invoker
	opts     Options
	observer Observer
	logger   *zap.Logger
}

// NewRunner creates a batch runner. observer may be nil.
func NewRunner(invoker remote.Invoker, opts Options, observer Observer, logger *zap.Logger) *Runner {
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = DefaultStallThreshold
	}
	if opts.Backoff < 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Stopped == nil {
		opts.Stopped = func() bool { return false }
	}

	return &Runner{
		invoker:  invoker,
		opts:     opts,
		observer: observer,
		logger:   logger,
	}
}

// Run executes the batch loop for op. On error the returned Result still
// carries everything accumulated before the failure.
func (r *Runner) Run(ctx context.Context, op remote.Operation, timeout time.Duration, onProgress ProgressFunc) (Result, error) {
	var acc Accumulator
	logger := r.logger.With(zap.String("operation", string(op)))

	for {
		if r.opts.Stopped() {
			logger.Info("Batch loop stopped by request", zap.Int("batches", acc.Batches))
			return Result{Accumulator: acc, Status: StatusCancelled}, nil
		}

		data, err := r.invoker.Invoke(ctx, op, remote.Params{
			"batch_number": strconv.Itoa(acc.Batches + 1),
		}, timeout)
		if err != nil {
			return Result{Accumulator: acc}, fmt.Errorf("batch %d: %w", acc.Batches+1, err)
		}

		r.apply(&acc, data, logger)
		if r.observer != nil {
			r.observer.IncBatch()
		}

		percent := acc.Percent()
		if p := data.Get("progress"); p.Exists() {
			percent = p.Float()
		}
		if onProgress != nil {
			onProgress("Processing cases: "+acc.Summary(), percent)
		}

		logger.Debug("Batch processed",
			zap.Int("batch", acc.Batches),
			zap.Int64("processed", acc.Processed),
			zap.Int64("total", acc.Total),
			zap.Bool("needs_continue", acc.NeedsContinue),
			zap.Int("stuck_count", acc.StuckCount),
		)

		if acc.StuckCount >= r.opts.StallThreshold {
			acc.NeedsContinue = false
			if r.observer != nil {
				r.observer.IncStall()
			}
			logger.Warn("Batch loop stalled",
				zap.Int64("processed", acc.Processed),
				zap.Int("attempts", acc.StuckCount),
			)
			return Result{Accumulator: acc, Status: StatusStalled}, nil
		}

		if !acc.NeedsContinue {
			return Result{Accumulator: acc, Status: StatusComplete}, nil
		}

		if err := sleep(ctx, r.opts.Backoff); err != nil {
			return Result{Accumulator: acc}, err
		}
	}
}

// apply overwrites the counters from a batch response and updates stall state.
// StuckCount is the length of the current run of readings that did not
// advance processed_cases, the first reading of a value included, so a
// threshold of 3 stops after the third identical reading.
func (r *Runner) apply(acc *Accumulator, data gjson.Result, logger *zap.Logger) {
	processed := data.Get("processed_cases").Int()

	switch {
	case acc.Batches == 0 || processed > acc.LastProcessed:
		acc.StuckCount = 1
	default:
		acc.StuckCount++
		if processed < acc.LastProcessed {
			logger.Warn("Server reported fewer processed cases than before",
				zap.Int64("previous", acc.LastProcessed),
				zap.Int64("current", processed),
			)
		}
	}
	acc.Batches++
	acc.LastProcessed = processed

	acc.Processed = processed
	acc.Created = data.Get("created_posts").Int()
	acc.Updated = data.Get("updated_posts").Int()
	acc.Failed = data.Get("failed_cases").Int()
	acc.Total = data.Get("total_cases").Int()
	acc.NeedsContinue = data.Get("needs_continue").Bool()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
