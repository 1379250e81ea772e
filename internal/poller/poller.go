package poller

import (
	"context"
	"sync"
	"time"

	"bragsync/internal/remote"

	"go.uber.org/zap"
)

const (
	// StageInterval is used while an orchestrated stage runs
	StageInterval = 2 * time.Second
	// PageInterval is used by the standalone watcher
	PageInterval = 1500 * time.Millisecond
)

// TickFunc receives every non-idle snapshot
type TickFunc func(Snapshot)

// Observer counts poll ticks by result (active, idle, error)
type Observer interface {
	IncPollTick(result string)
}

// Poller polls get-progress on a fixed interval, independent of the caller's
// own work. Failed ticks are logged and never end the loop.
type Poller struct {
	invoker  remote.Invoker
	timeout  time.Duration
	observer Observer
	logger   *zap.Logger
}

// New creates a poller. timeout bounds each get-progress call; observer may be nil.
func New(invoker remote.Invoker, timeout time.Duration, observer Observer, logger *zap.Logger) *Poller {
	return &Poller{
		invoker:  invoker,
		timeout:  timeout,
		observer: observer,
		logger:   logger.With(zap.String("component", "poller")),
	}
}

// Handle owns one running poll loop
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop ends the loop, aborting an in-flight tick, and waits for it to exit.
// It is safe to call more than once.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the loop has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start launches a poll loop. Only Stop (or cancelling ctx) ends it; an idle
// server state is skipped rather than treated as completion.
func (p *Poller) Start(ctx context.Context, interval time.Duration, onTick TickFunc) *Handle {
	if interval <= 0 {
		interval = StageInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.tick(loopCtx, onTick)
			}
		}
	}()

	return h
}

func (p *Poller) tick(ctx context.Context, onTick TickFunc) {
	data, err := p.invoker.Invoke(ctx, remote.OpGetProgress, nil, p.timeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.count("error")
		p.logger.Warn("Progress poll failed", zap.Error(err))
		return
	}

	snap := ParseSnapshot(data)
	if snap.Idle() {
		p.count("idle")
		return
	}

	p.count("active")
	if onTick != nil {
		onTick(snap)
	}
}

func (p *Poller) count(result string) {
	if p.observer != nil {
		p.observer.IncPollTick(result)
	}
}

// Slot holds at most one running poll loop. Starting a new loop stops the
// previous one first.
type Slot struct {
	mu     sync.Mutex
	active *Handle
}

// Start stops any active loop and starts a new one owned by the slot
func (s *Slot) Start(ctx context.Context, p *Poller, interval time.Duration, onTick TickFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.active.Stop()
	}
	s.active = p.Start(ctx, interval, onTick)
}

// Stop ends the active loop, if any
func (s *Slot) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.active.Stop()
		s.active = nil
	}
}

// Active reports whether a loop is running
func (s *Slot) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}
