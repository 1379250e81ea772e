package orphans

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bragsync/internal/remote"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ErrNothingToDelete is returned by ConfirmDelete outside the preview state
var ErrNothingToDelete = errors.New("no orphan candidates to delete")

var errUnlistedOrphans = errors.New("the server reported orphaned items but did not list any")

// Options tunes panel timing and preview size
type Options struct {
	NoneDismiss   time.Duration
	ReportDismiss time.Duration
	SampleCap     int
	Timeout       time.Duration
}

// Flow detects orphaned records and deletes them after confirmation
type Flow struct {
	invoker   remote.Invoker
	confirmer Confirmer
	presenter Presenter
	opts      Options
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	candidates []Record
	generation int
	timer      *time.Timer
}

// NewFlow creates a reconciliation flow
func NewFlow(invoker remote.Invoker, confirmer Confirmer, presenter Presenter, opts Options, logger *zap.Logger) *Flow {
	if opts.NoneDismiss <= 0 {
		opts.NoneDismiss = 5 * time.Second
	}
	if opts.ReportDismiss <= 0 {
		opts.ReportDismiss = 10 * time.Second
	}
	if opts.SampleCap <= 0 {
		opts.SampleCap = 5
	}

	return &Flow{
		invoker:   invoker,
		confirmer: confirmer,
		presenter: presenter,
		opts:      opts,
		logger:    logger.With(zap.String("component", "orphans")),
	}
}

// State returns the current state
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Candidates returns a copy of the pending deletion set
func (f *Flow) Candidates() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.candidates...)
}

// Detect asks the server for orphans. An empty result shows a panel that
// dismisses itself; otherwise the candidates are kept for preview.
func (f *Flow) Detect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == StateDetecting || f.state == StateDeleting {
		f.mu.Unlock()
		return nil
	}
	f.cancelTimerLocked()
	f.state = StateDetecting
	f.candidates = nil
	f.mu.Unlock()

	data, err := f.invoker.Invoke(ctx, remote.OpDetectOrphans, nil, f.opts.Timeout)
	if err != nil {
		f.setState(StateIdle)
		f.presenter.ShowError(remote.Message(err))
		return fmt.Errorf("detect orphans: %w", err)
	}

	records := parseRecords(data.Get("orphans"))
	total := int(data.Get("total").Int())
	if total < len(records) {
		total = len(records)
	}

	if total == 0 {
		f.logger.Info("No orphaned items found")
		f.mu.Lock()
		f.state = StateIdle
		f.scheduleDismissLocked(f.opts.NoneDismiss)
		f.mu.Unlock()
		f.presenter.ShowNone()
		return nil
	}

	if len(records) == 0 {
		f.logger.Warn("Orphan total reported without any listed items", zap.Int("total", total))
		f.setState(StateIdle)
		f.presenter.ShowError("The server reported orphaned items but did not list any")
		return errUnlistedOrphans
	}

	f.logger.Info("Orphaned items found", zap.Int("total", total))
	f.mu.Lock()
	f.candidates = records
	f.state = StatePreviewing
	f.mu.Unlock()

	f.presenter.ShowPreview(total, GroupRecords(records, f.opts.SampleCap))
	return nil
}

// ConfirmDelete asks for confirmation and sends the full candidate set for
// deletion. It returns false when the user declines. On failure the
// candidates stay in place so the deletion can be retried.
func (f *Flow) ConfirmDelete(ctx context.Context) (bool, error) {
	f.mu.Lock()
	if f.state != StatePreviewing || len(f.candidates) == 0 {
		f.mu.Unlock()
		return false, ErrNothingToDelete
	}
	candidates := append([]Record(nil), f.candidates...)
	f.mu.Unlock()

	body := fmt.Sprintf("This will permanently delete %d item(s) that no longer exist in the remote catalog. This cannot be undone.", len(candidates))
	ok, err := f.confirmer.Confirm(ctx, "Delete orphaned items?", body)
	if err != nil {
		return false, fmt.Errorf("confirm deletion: %w", err)
	}
	if !ok {
		return false, nil
	}

	payload, err := json.Marshal(candidates)
	if err != nil {
		return false, fmt.Errorf("encode orphans: %w", err)
	}

	f.setState(StateDeleting)

	data, err := f.invoker.Invoke(ctx, remote.OpDeleteOrphans, remote.Params{"orphans": string(payload)}, f.opts.Timeout)
	if err != nil {
		f.setState(StatePreviewing)
		f.presenter.ShowError(remote.Message(err))
		return false, fmt.Errorf("delete orphans: %w", err)
	}

	report := Report{
		Deleted:      parseRecords(data.Get("deleted")),
		DeletedCount: int(data.Get("deleted_count").Int()),
	}
	for _, e := range data.Get("errors").Array() {
		report.Errors = append(report.Errors, e.String())
	}
	if report.DeletedCount == 0 {
		report.DeletedCount = len(report.Deleted)
	}

	f.logger.Info("Orphaned items deleted",
		zap.Int("deleted", report.DeletedCount),
		zap.Int("errors", len(report.Errors)),
	)

	f.mu.Lock()
	f.candidates = nil
	f.state = StateIdle
	f.scheduleDismissLocked(f.opts.ReportDismiss)
	f.mu.Unlock()

	f.presenter.ShowReport(report)
	return true, nil
}

// Dismiss clears the candidate set and closes the panel
func (f *Flow) Dismiss() {
	f.mu.Lock()
	f.cancelTimerLocked()
	f.candidates = nil
	f.state = StateIdle
	f.mu.Unlock()

	f.presenter.Dismiss()
}

func (f *Flow) setState(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *Flow) cancelTimerLocked() {
	f.generation++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// scheduleDismissLocked closes the panel after d unless something else
// happens to the flow first
func (f *Flow) scheduleDismissLocked(d time.Duration) {
	f.cancelTimerLocked()
	gen := f.generation
	f.timer = time.AfterFunc(d, func() {
		f.mu.Lock()
		if f.generation != gen {
			f.mu.Unlock()
			return
		}
		f.timer = nil
		f.mu.Unlock()
		f.presenter.Dismiss()
	})
}
