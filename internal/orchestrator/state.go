package orchestrator

import (
	"sync"
	"time"

	"bragsync/internal/poller"
)

// State of the orchestrator. Runs may only start from StateIdle.
type State int

const (
	StateIdle State = iota
	StateRunningStage1
	StateRunningStage2
	StateRunningStage3
	StateRunningFullSync
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunningStage1:
		return "running_stage1"
	case StateRunningStage2:
		return "running_stage2"
	case StateRunningStage3:
		return "running_stage3"
	case StateRunningFullSync:
		return "running_full_sync"
	default:
		return "unknown"
	}
}

// Kind is the journal name of the run started from this state
func (s State) Kind() string {
	switch s {
	case StateRunningStage1:
		return "stage1"
	case StateRunningStage2:
		return "stage2"
	case StateRunningStage3:
		return "stage3"
	case StateRunningFullSync:
		return "full"
	default:
		return ""
	}
}

// NoticeKind is the severity of a user-facing notice
type NoticeKind int

const (
	NoticeInfo NoticeKind = iota
	NoticeSuccess
	NoticeWarning
	NoticeError
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeSuccess:
		return "success"
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	default:
		return "info"
	}
}

// Reporter receives progress lines and 0..100 percentages
type Reporter interface {
	ReportProgress(message string, percent float64)
}

// SnapshotRecorder is optionally implemented by a Reporter that wants the
// full server progress reading, not only the status line
type SnapshotRecorder interface {
	RecordSnapshot(snap poller.Snapshot)
}

// Notifier shows user-facing notices
type Notifier interface {
	Notify(kind NoticeKind, message string)
}

// StateEvent is broadcast on every state transition
type StateEvent struct {
	RunID string
	From  State
	To    State
	At    time.Time
}

const eventBufferSize = 16

type broadcaster struct {
	mu   sync.RWMutex
	subs []chan StateEvent
}

func (b *broadcaster) subscribe() <-chan StateEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StateEvent, eventBufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *broadcaster) unsubscribe(ch <-chan StateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == ch {
			close(sub)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

func (b *broadcaster) publish(ev StateEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			// Channel is full, skip to avoid blocking
		}
	}
}
