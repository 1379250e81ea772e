package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"bragsync/internal/batch"
	"bragsync/internal/journal"
	"bragsync/internal/poller"
	"bragsync/internal/remote"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCancelled is returned when a user stop is observed at a stage or batch boundary
var ErrCancelled = errors.New("sync stopped by user")

// Reconciler runs the post-sync orphan check
type Reconciler interface {
	Detect(ctx context.Context) error
}

// Archiver stores the final report of a run
type Archiver interface {
	Archive(ctx context.Context, record *journal.RunRecord) (string, error)
}

// Recorder receives run lifecycle metrics
type Recorder interface {
	RunStarted()
	RunFinished(kind, status string)
}

// Config contains orchestrator configuration
type Config struct {
	DefaultTimeout     time.Duration
	Stage2Timeout      time.Duration
	Stage3BatchTimeout time.Duration
	PollInterval       time.Duration
	StallThreshold     int
	BatchBackoff       time.Duration
}

// Deps are the collaborators of an Orchestrator. Reconciler, Journal,
// Archiver, Recorder and BatchObserver may be nil.
type Deps struct {
	Invoker       remote.Invoker
	Poller        *poller.Poller
	Reporter      Reporter
	Notifier      Notifier
	Reconciler    Reconciler
	Journal       journal.Store
	Archiver      Archiver
	Recorder      Recorder
	BatchObserver batch.Observer
	Logger        *zap.Logger
}

// Outcome describes a finished run
type Outcome struct {
	RunID   string
	Kind    string
	Status  journal.RunStatus
	Counts  batch.Accumulator
	Message string
	// Skipped is set when the request was ignored because a run was active
	Skipped bool
}

// Orchestrator sequences the three sync stages. Only one run may be active;
// start requests while running are ignored.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	runner *batch.Runner
	logger *zap.Logger

	mu    sync.Mutex
	state State
	runID string

	shouldStop atomic.Bool
	polls      poller.Slot
	events     broadcaster
}

// New creates an orchestrator
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(zap.String("component", "orchestrator")),
	}

	o.runner = batch.NewRunner(deps.Invoker, batch.Options{
		StallThreshold: cfg.StallThreshold,
		Backoff:        cfg.BatchBackoff,
		Stopped:        o.shouldStop.Load,
	}, deps.BatchObserver, o.logger)

	return o
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Running reports whether a run is active
func (o *Orchestrator) Running() bool {
	return o.State() != StateIdle
}

// Subscribe returns a channel of state transitions. Slow subscribers miss events.
func (o *Orchestrator) Subscribe() <-chan StateEvent {
	return o.events.subscribe()
}

// Unsubscribe closes a channel returned by Subscribe
func (o *Orchestrator) Unsubscribe(ch <-chan StateEvent) {
	o.events.unsubscribe(ch)
}

// RequestStop asks the active run to stop at its next boundary and stops the
// progress poller. The in-flight request is allowed to finish. It returns
// false when nothing is running.
func (o *Orchestrator) RequestStop() bool {
	if !o.Running() {
		return false
	}
	o.shouldStop.Store(true)
	o.polls.Stop()
	o.logger.Info("Stop requested, waiting for the current request to finish")
	return true
}

// RunStage1 fetches the remote catalog in a single call
func (o *Orchestrator) RunStage1(ctx context.Context) (*Outcome, error) {
	return o.run(ctx, StateRunningStage1, func(r *runState) error {
		return o.stage1(ctx, r, fullWindow)
	})
}

// RunStage2 builds the identifier manifest in one long call; progress comes
// only from the poller
func (o *Orchestrator) RunStage2(ctx context.Context) (*Outcome, error) {
	return o.run(ctx, StateRunningStage2, func(r *runState) error {
		return o.stage2(ctx, r, fullWindow)
	})
}

// RunStage3 materializes content records through the batch loop, then runs
// orphan detection when the loop completes
func (o *Orchestrator) RunStage3(ctx context.Context) (*Outcome, error) {
	return o.run(ctx, StateRunningStage3, func(r *runState) error {
		return o.stage3(ctx, r, fullWindow)
	})
}

// RunFullSync runs stages 1 to 3 in order, checking for a stop request before
// each stage. Overall progress maps to [0,33], [33,66] and [66,100].
func (o *Orchestrator) RunFullSync(ctx context.Context) (*Outcome, error) {
	return o.run(ctx, StateRunningFullSync, func(r *runState) error {
		stages := [3]func(context.Context, *runState, window) error{o.stage1, o.stage2, o.stage3}
		for i, stage := range stages {
			if o.shouldStop.Load() {
				o.logger.Info("Full sync stopped at stage boundary", zap.Int("next_stage", i+1))
				return ErrCancelled
			}
			if err := stage(ctx, r, fullSyncWindows[i]); err != nil {
				return err
			}
		}
		r.message = "Full sync complete: " + r.counts.Summary()
		if r.status == journal.StatusPartial {
			r.message = "Full sync finished with incomplete stage 3: " + r.counts.Summary()
		}
		return nil
	})
}

type runState struct {
	id      string
	kind    string
	status  journal.RunStatus
	message string
	counts  batch.Accumulator
	notes   []string
	started time.Time
	logger  *zap.Logger
}

func (o *Orchestrator) begin(state State) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle {
		return "", false
	}
	o.state = state
	o.runID = uuid.NewString()
	o.shouldStop.Store(false)

	o.events.publish(StateEvent{RunID: o.runID, From: StateIdle, To: state, At: time.Now()})
	return o.runID, true
}

func (o *Orchestrator) end(state State, runID string) {
	o.polls.Stop()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.state = StateIdle
	o.runID = ""
	o.shouldStop.Store(false)
	o.events.publish(StateEvent{RunID: runID, From: state, To: StateIdle, At: time.Now()})
}

// run wraps a stage body with the re-entrancy guard, the journal record,
// user-facing notices and the guaranteed return to idle.
func (o *Orchestrator) run(ctx context.Context, state State, body func(*runState) error) (out *Outcome, err error) {
	runID, ok := o.begin(state)
	if !ok {
		o.logger.Debug("Run request ignored, another run is active", zap.String("requested", state.String()))
		return &Outcome{Kind: state.Kind(), Skipped: true}, nil
	}

	r := &runState{
		id:      runID,
		kind:    state.Kind(),
		status:  journal.StatusRunning,
		started: time.Now(),
		logger:  o.logger.With(zap.String("run_id", runID), zap.String("kind", state.Kind())),
	}

	if o.deps.Recorder != nil {
		o.deps.Recorder.RunStarted()
	}
	o.saveRecord(ctx, r)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s run panicked: %v", r.kind, p)
			r.status = journal.StatusFailed
			r.message = err.Error()
		}
		out = o.finish(ctx, state, r, err)
	}()

	r.logger.Info("Run started")
	err = body(r)
	return nil, err
}

// finish classifies the result, notifies, persists and returns to idle
func (o *Orchestrator) finish(ctx context.Context, state State, r *runState, err error) *Outcome {
	defer o.end(state, r.id)

	switch {
	case err == nil && r.status == journal.StatusPartial:
		o.notify(NoticeWarning, r.message)
		r.logger.Warn("Run finished with partial results", zap.String("message", r.message))
	case err == nil:
		r.status = journal.StatusCompleted
		o.notify(NoticeSuccess, r.message)
		r.logger.Info("Run completed", zap.String("message", r.message))
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		r.status = journal.StatusCancelled
		r.message = "Sync stopped by user"
		if r.counts.Batches > 0 {
			r.message += ": " + r.counts.Summary()
		}
		o.notify(NoticeInfo, r.message)
		r.logger.Info("Run stopped by user")
	default:
		r.status = journal.StatusFailed
		if r.message == "" {
			r.message = fmt.Sprintf("%s failed: %s", stageTitle(r.kind), remote.Message(err))
		}
		o.notify(NoticeError, r.message)
		r.logger.Error("Run failed", zap.Error(err))
	}

	if o.deps.Recorder != nil {
		o.deps.Recorder.RunFinished(r.kind, string(r.status))
	}

	// The caller's context may already be cancelled; persistence still has to happen.
	persistCtx := context.WithoutCancel(ctx)
	record := o.saveRecord(persistCtx, r)
	if o.deps.Archiver != nil && record != nil {
		if _, aerr := o.deps.Archiver.Archive(persistCtx, record); aerr != nil {
			r.logger.Warn("Failed to archive run report", zap.Error(aerr))
		}
	}

	return &Outcome{
		RunID:   r.id,
		Kind:    r.kind,
		Status:  r.status,
		Counts:  r.counts,
		Message: r.message,
	}
}

func (o *Orchestrator) saveRecord(ctx context.Context, r *runState) *journal.RunRecord {
	record := &journal.RunRecord{
		ID:        r.id,
		Kind:      r.kind,
		Status:    r.status,
		Processed: r.counts.Processed,
		Created:   r.counts.Created,
		Updated:   r.counts.Updated,
		Failed:    r.counts.Failed,
		Total:     r.counts.Total,
		Message:   r.message,
		Notes:     r.notes,
		StartedAt: r.started,
	}
	if r.status != journal.StatusRunning {
		now := time.Now()
		record.FinishedAt = &now
	}

	if o.deps.Journal == nil {
		return record
	}
	if err := o.deps.Journal.SaveRun(ctx, record); err != nil {
		r.logger.Warn("Failed to save run to journal", zap.Error(err))
	}
	return record
}

func (o *Orchestrator) notify(kind NoticeKind, message string) {
	if o.deps.Notifier != nil {
		o.deps.Notifier.Notify(kind, message)
	}
}

func (o *Orchestrator) report(w window, message string, stagePercent float64) {
	if o.deps.Reporter != nil {
		o.deps.Reporter.ReportProgress(message, w.mapPercent(stagePercent))
	}
}

// startPolling replaces any running poller with one scoped to window w
func (o *Orchestrator) startPolling(ctx context.Context, w window) {
	if o.deps.Poller == nil || o.shouldStop.Load() {
		return
	}
	o.polls.Start(ctx, o.deps.Poller, o.cfg.PollInterval, func(snap poller.Snapshot) {
		o.report(w, snap.Message(), snap.OverallPercentage)
		if rec, ok := o.deps.Reporter.(SnapshotRecorder); ok {
			rec.RecordSnapshot(snap)
		}
	})
}

func (o *Orchestrator) stage1(ctx context.Context, r *runState, w window) error {
	o.report(w, "Stage 1: fetching remote catalog...", 0)
	o.startPolling(ctx, w)
	defer o.polls.Stop()

	data, err := o.deps.Invoker.Invoke(ctx, remote.OpRunStage1, nil, o.cfg.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("stage 1: %w", err)
	}

	created := data.Get("procedures_created").Int()
	updated := data.Get("procedures_updated").Int()
	r.message = fmt.Sprintf("Stage 1 complete: %d procedures created, %d updated", created, updated)
	r.notes = append(r.notes, r.message)
	r.logger.Info("Stage 1 complete",
		zap.Int64("procedures_created", created),
		zap.Int64("procedures_updated", updated),
	)

	o.report(w, r.message, 100)
	return nil
}

func (o *Orchestrator) stage2(ctx context.Context, r *runState, w window) error {
	o.report(w, "Stage 2: building manifest...", 0)
	o.startPolling(ctx, w)
	defer o.polls.Stop()

	data, err := o.deps.Invoker.Invoke(ctx, remote.OpRunStage2, nil, o.cfg.Stage2Timeout)
	if err != nil {
		return fmt.Errorf("stage 2: %w", err)
	}

	r.message = "Stage 2 complete: manifest built"
	if msg := data.Get("message").String(); msg != "" {
		r.message = "Stage 2 complete: " + msg
	}
	if n := data.Get("total_cases"); n.Exists() {
		r.message += fmt.Sprintf(" (%d cases)", n.Int())
	}
	r.notes = append(r.notes, r.message)
	r.logger.Info("Stage 2 complete", zap.String("message", r.message))

	o.report(w, r.message, 100)
	return nil
}

func (o *Orchestrator) stage3(ctx context.Context, r *runState, w window) error {
	o.report(w, "Stage 3: processing cases...", 0)
	o.startPolling(ctx, w)

	res, err := o.runner.Run(ctx, remote.OpRunStage3, o.cfg.Stage3BatchTimeout, func(message string, percent float64) {
		o.report(w, message, percent)
	})
	o.polls.Stop()

	r.counts = res.Accumulator
	if err != nil {
		note := "Stage 3 failed at batch " + strconv.Itoa(r.counts.Batches+1)
		if r.counts.Batches > 0 {
			note += " after " + r.counts.Summary()
		}
		if remote.Retryable(err) {
			note += "; running stage 3 again continues from the server's saved position"
		}
		r.notes = append(r.notes, note)
		r.logger.Warn("Stage 3 batch failed",
			zap.Int("batch", r.counts.Batches+1),
			zap.Stringer("kind", remote.KindOf(err)),
			zap.Bool("retryable", remote.Retryable(err)),
			zap.Error(err),
		)
		return fmt.Errorf("stage 3: %w", err)
	}

	switch res.Status {
	case batch.StatusCancelled:
		return ErrCancelled
	case batch.StatusStalled:
		r.status = journal.StatusPartial
		r.message = fmt.Sprintf("Stage 3 stopped making progress after %d attempts: %s", res.StuckCount, res.Summary())
		r.notes = append(r.notes, r.message)
		o.report(w, r.message, res.Percent())
		return nil
	}

	r.message = "Stage 3 complete: " + res.Summary()
	r.notes = append(r.notes, r.message)
	o.report(w, r.message, 100)

	o.reconcile(ctx, r)
	return nil
}

// reconcile runs orphan detection; its failure never fails the run
func (o *Orchestrator) reconcile(ctx context.Context, r *runState) {
	if o.deps.Reconciler == nil {
		return
	}
	if err := o.deps.Reconciler.Detect(ctx); err != nil {
		r.logger.Warn("Orphan detection failed", zap.Error(err))
		r.notes = append(r.notes, "Orphan detection failed: "+remote.Message(err))
		o.notify(NoticeWarning, "Orphan detection failed: "+remote.Message(err))
	}
}

func stageTitle(kind string) string {
	switch kind {
	case "stage1":
		return "Stage 1"
	case "stage2":
		return "Stage 2"
	case "stage3":
		return "Stage 3"
	case "full":
		return "Full sync"
	default:
		return "Sync"
	}
}
