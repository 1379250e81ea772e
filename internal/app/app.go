package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"bragsync/internal/config"
	"bragsync/internal/journal"
	"bragsync/internal/metrics"
	"bragsync/internal/orchestrator"
	"bragsync/internal/orphans"
	"bragsync/internal/poller"
	"bragsync/internal/progress"
	"bragsync/internal/remote"
	"bragsync/internal/storage"

	"go.uber.org/zap"
)

// RunKind selects which orchestrated run to start
type RunKind string

const (
	RunStage1   RunKind = "stage1"
	RunStage2   RunKind = "stage2"
	RunStage3   RunKind = "stage3"
	RunFullSync RunKind = "full"
)

// Options controls the terminal side of the application
type Options struct {
	In           io.Reader
	Out          io.Writer
	AssumeYes    bool
	ShowProgress bool
}

// Syncer wires the remote client, orchestrator, orphan flow and local
// journal into the command-line application
type Syncer struct {
	cfg      *config.Config
	logger   *zap.Logger
	out      io.Writer
	showBar  bool
	client   *remote.Client
	poller   *poller.Poller
	tracker  *progress.Tracker
	journal  journal.Store
	archiver *storage.Archiver
	metrics  *metrics.Collector
	server   *http.Server
	console  *Console
	orphans  *orphans.Flow
	orch     *orchestrator.Orchestrator
}

// New creates a new syncer instance
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Syncer, error) {
	metricsCollector := metrics.New()

	client := remote.NewClient(remote.Config{
		URL:            cfg.Server.URL,
		Nonce:          cfg.Server.Nonce,
		NonceField:     cfg.Server.NonceField,
		ActionPrefix:   cfg.Server.ActionPrefix,
		DefaultTimeout: cfg.Timeouts.Default,
	}, metricsCollector, logger)

	// Create journal store
	journalStore, err := journal.NewSQLiteStore(cfg.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal store: %w", err)
	}

	// Create report archiver
	var archiver *storage.Archiver
	if cfg.Archive.Enabled() {
		storageClient, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Secure:    cfg.Archive.Secure,
		})
		if err != nil {
			journalStore.Close()
			return nil, fmt.Errorf("failed to create archive client: %w", err)
		}
		archiver = storage.NewArchiver(storageClient, cfg.Archive.Bucket, cfg.Archive.Prefix, logger)
	}

	console := NewConsole(opts.In, opts.Out, opts.AssumeYes, logger)
	tracker := progress.NewTracker()
	progressPoller := poller.New(client, cfg.Timeouts.Default, metricsCollector, logger)

	orphanFlow := orphans.NewFlow(client, console, console, orphans.Options{
		NoneDismiss:   cfg.Orphans.NoneDismiss,
		ReportDismiss: cfg.Orphans.ReportDismiss,
		SampleCap:     cfg.Orphans.SampleCap,
		Timeout:       cfg.Timeouts.Default,
	}, logger)

	deps := orchestrator.Deps{
		Invoker:       client,
		Poller:        progressPoller,
		Reporter:      tracker,
		Notifier:      console,
		Reconciler:    orphanFlow,
		Journal:       journalStore,
		Recorder:      metricsCollector,
		BatchObserver: metricsCollector,
		Logger:        logger,
	}
	if archiver != nil {
		deps.Archiver = archiver
	}

	orch := orchestrator.New(orchestrator.Config{
		DefaultTimeout:     cfg.Timeouts.Default,
		Stage2Timeout:      cfg.Timeouts.Stage2,
		Stage3BatchTimeout: cfg.Timeouts.Stage3Batch,
		PollInterval:       cfg.Poll.StageInterval,
		StallThreshold:     cfg.Batch.StallThreshold,
		BatchBackoff:       cfg.Batch.Backoff,
	}, deps)

	s := &Syncer{
		cfg:      cfg,
		logger:   logger,
		out:      opts.Out,
		showBar:  opts.ShowProgress,
		client:   client,
		poller:   progressPoller,
		tracker:  tracker,
		journal:  journalStore,
		archiver: archiver,
		metrics:  metricsCollector,
		console:  console,
		orphans:  orphanFlow,
		orch:     orch,
	}

	if cfg.Metrics.Addr != "" {
		s.startMetricsServer(cfg.Metrics.Addr)
	}

	return s, nil
}

func (s *Syncer) startMetricsServer(addr string) {
	srv, errCh := s.metrics.StartServer(addr)
	s.server = srv
	s.logger.Info("Metrics server started", zap.String("addr", addr))

	go func() {
		for err := range errCh {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Orchestrator exposes the stage orchestrator, mainly for stop requests
func (s *Syncer) Orchestrator() *orchestrator.Orchestrator {
	return s.orch
}

// Run executes one orchestrated run with a terminal progress display. When
// the run leaves orphan candidates in preview, deletion is offered before
// returning.
func (s *Syncer) Run(ctx context.Context, kind RunKind) (*orchestrator.Outcome, error) {
	s.logger.Info("Starting sync",
		zap.String("kind", string(kind)),
		zap.String("server", s.cfg.Server.URL),
	)

	if s.archiver != nil {
		if err := s.archiver.Check(ctx); err != nil {
			s.logger.Warn("Report archive unavailable, reports will only be kept locally", zap.Error(err))
		}
	}

	s.tracker.Reset(string(kind))
	display := s.startDisplay()

	var (
		out *orchestrator.Outcome
		err error
	)
	switch kind {
	case RunStage1:
		out, err = s.orch.RunStage1(ctx)
	case RunStage2:
		out, err = s.orch.RunStage2(ctx)
	case RunStage3:
		out, err = s.orch.RunStage3(ctx)
	case RunFullSync:
		out, err = s.orch.RunFullSync(ctx)
	default:
		err = fmt.Errorf("unknown run kind %q", kind)
	}

	if display != nil {
		display.Stop()
	}

	if err == nil && s.orphans.State() == orphans.StatePreviewing {
		if _, derr := s.DeleteOrphans(ctx); derr != nil && !errors.Is(derr, context.Canceled) {
			s.logger.Warn("Orphan deletion failed", zap.Error(derr))
		}
	}

	return out, err
}

func (s *Syncer) startDisplay() *progress.Display {
	if !s.showBar {
		s.logger.Debug("Progress display disabled (disabled by flag)")
		return nil
	}
	if !progress.IsTerminalSupported() {
		s.logger.Debug("Progress display disabled (unsupported terminal)")
		return nil
	}

	d := progress.NewDisplay(s.tracker, 500*time.Millisecond, s.out)
	d.Start()
	return d
}

// DetectOrphans scans for orphaned records and shows the result
func (s *Syncer) DetectOrphans(ctx context.Context) error {
	return s.orphans.Detect(ctx)
}

// DeleteOrphans deletes the previewed candidates after confirmation. A
// declined confirmation dismisses the panel.
func (s *Syncer) DeleteOrphans(ctx context.Context) (bool, error) {
	deleted, err := s.orphans.ConfirmDelete(ctx)
	if err != nil {
		return false, err
	}
	if !deleted {
		s.console.Printf("Orphaned items were kept.\n")
		s.orphans.Dismiss()
	}
	return deleted, nil
}

// CurrentSync reports whether the server already has a sync in progress. Any
// failure is treated as idle.
func (s *Syncer) CurrentSync(ctx context.Context) (poller.Snapshot, bool) {
	data, err := s.client.Invoke(ctx, remote.OpGetProgress, nil, s.cfg.Timeouts.Default)
	if err != nil {
		s.logger.Debug("Progress check failed, assuming idle", zap.Error(err))
		return poller.Snapshot{}, false
	}

	snap := poller.ParseSnapshot(data)
	return snap, !snap.Idle()
}

// Watch follows the server's progress at the page poll interval until ctx
// is cancelled
func (s *Syncer) Watch(ctx context.Context) error {
	s.tracker.Reset("watch")
	display := s.startDisplay()

	var slot poller.Slot
	slot.Start(ctx, s.poller, s.cfg.Poll.PageInterval, func(snap poller.Snapshot) {
		s.tracker.ReportProgress(snap.Message(), snap.OverallPercentage)
		s.tracker.RecordSnapshot(snap)
		if display == nil {
			s.logger.Info("Sync progress",
				zap.String("stage", snap.Stage),
				zap.String("step", snap.CurrentStep),
				zap.Float64("overall_percentage", snap.OverallPercentage),
			)
		}
	})

	<-ctx.Done()
	slot.Stop()
	if display != nil {
		display.Stop()
	}
	return nil
}

// Close cleans up resources
func (s *Syncer) Close() error {
	var errs []error

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
	}

	return errors.Join(errs...)
}
