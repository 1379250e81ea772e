package progress

import (
	"fmt"
	"sync"
	"time"

	"bragsync/internal/poller"
)

const maxRecentCases = 5

// Status is the latest progress reported for a run
type Status struct {
	Stage          string
	Message        string
	Percent        float64
	RecentCases    []string
	Errors         []string
	Warnings       []string
	StartTime      time.Time
	LastUpdateTime time.Time
	Updates        int
}

// Tracker stores the most recent progress report. Reports from the batch loop
// and from the poller may interleave; the last write wins.
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			StartTime:      now,
			LastUpdateTime: now,
		},
	}
}

// Reset clears the tracker for a new stage
func (t *Tracker) Reset(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.status = Status{
		Stage:          stage,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// ReportProgress records a status line and a 0..100 percentage
func (t *Tracker) ReportProgress(message string, percent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Message = message
	t.status.Percent = clamp(percent)
	t.status.LastUpdateTime = time.Now()
	t.status.Updates++
}

// RecordSnapshot keeps the detail lists of a server progress reading
func (t *Tracker) RecordSnapshot(snap poller.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := snap.RecentCases
	if len(recent) > maxRecentCases {
		recent = recent[len(recent)-maxRecentCases:]
	}
	t.status.RecentCases = append([]string(nil), recent...)
	t.status.Errors = append([]string(nil), snap.Errors...)
	t.status.Warnings = append(append([]string(nil), snap.Warnings...), snap.TaxonomyMappingIssues...)
	if snap.Stage != "" {
		t.status.Stage = snap.Stage
	}
}

// GetStatus returns a copy of the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.status
	s.RecentCases = append([]string(nil), t.status.RecentCases...)
	s.Errors = append([]string(nil), t.status.Errors...)
	s.Warnings = append([]string(nil), t.status.Warnings...)
	return s
}

func clamp(p float64) float64 {
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
