package ingest

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zombor/gifticon-tracker/internal/gifticon"
)

// Session is one scan run. It is safe for concurrent use.
type Session struct {
	ID      string
	Options Options

	done            chan struct{}
	cancelRequested atomic.Bool

	mu         sync.Mutex
	status     Status
	progress   Progress
	saved      []*gifticon.Gifticon
	skipped    []SkippedItem
	err        error
	startedAt  time.Time
	finishedAt *time.Time
}

func newSession(id string, opts Options, now time.Time) *Session {
	return &Session{
		ID:        id,
		Options:   opts,
		done:      make(chan struct{}),
		status:    StatusScanning,
		progress:  Progress{CurrentTask: "Starting scan"},
		saved:     []*gifticon.Gifticon{},
		skipped:   []SkippedItem{},
		startedAt: now,
	}
}

// Done is closed once the session reaches a terminal status
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends and returns its result
func (s *Session) Wait() *Result {
	<-s.done
	return s.Result()
}

// Err returns the session-level error of a Failed session
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status returns the current status
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Result returns a copy of what the session has produced so far
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Result{
		SessionID:  s.ID,
		Status:     s.status,
		Saved:      slices.Clone(s.saved),
		Skipped:    slices.Clone(s.skipped),
		Progress:   s.progressLocked(),
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
	if s.err != nil {
		r.Error = s.err.Error()
	}
	return r
}

// requestCancel asks the worker to stop before the next asset
func (s *Session) requestCancel() bool {
	if s.Status().Terminal() {
		return false
	}
	s.cancelRequested.Store(true)
	return true
}

func (s *Session) cancelled() bool {
	return s.cancelRequested.Load()
}

func (s *Session) setTask(task string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.CurrentTask = task
}

func (s *Session) setTotal(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.TotalFetched = &n
}

func (s *Session) addSaved(g *gifticon.Gifticon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, g)
	s.progress.Processed++
}

func (s *Session) addSkipped(item SkippedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped = append(s.skipped, item)
	s.progress.Processed++
}

// finish moves the session to a terminal status. Only the first call wins.
func (s *Session) finish(status Status, err error, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.err = err
	s.finishedAt = &now
	switch status {
	case StatusCompleted:
		s.progress.CurrentTask = "Scan complete"
	case StatusCancelled:
		s.progress.CurrentTask = "Scan cancelled"
	case StatusFailed:
		s.progress.CurrentTask = "Scan failed"
	}
	return true
}

func (s *Session) progressLocked() Progress {
	p := s.progress
	if p.TotalFetched != nil {
		n := *p.TotalFetched
		p.TotalFetched = &n
	}
	return p
}

// snapshot builds the state surface of this session
func (s *Session) snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StateSnapshot{
		SessionID:  s.ID,
		Status:     s.status,
		IsScanning: s.status == StatusScanning,
		Progress:   s.progressLocked(),
		Saved:      slices.Clone(s.saved),
		Skipped:    slices.Clone(s.skipped),
	}
	if s.err != nil {
		msg := s.err.Error()
		snap.ScanError = &msg
	}
	return snap
}

// StateSnapshot is the observable state of the orchestrator
type StateSnapshot struct {
	SessionID  string               `json:"session_id,omitempty"`
	Status     Status               `json:"status"`
	IsScanning bool                 `json:"is_scanning"`
	Progress   Progress             `json:"scan_progress"`
	ScanError  *string              `json:"scan_error"`
	Saved      []*gifticon.Gifticon `json:"scanned_and_saved_gifticons"`
	Skipped    []SkippedItem        `json:"skipped_or_duplicate_gifticons"`
}

// EventKind distinguishes progress events
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventFetched  EventKind = "fetched"
	EventItem     EventKind = "item"
	EventFinished EventKind = "finished"
)

// Event is published to subscribers as a session advances
type Event struct {
	Kind      EventKind          `json:"kind"`
	SessionID string             `json:"session_id"`
	Status    Status             `json:"status"`
	Progress  Progress           `json:"progress"`
	Saved     *gifticon.Gifticon `json:"saved,omitempty"`
	Skipped   *SkippedItem       `json:"skipped,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func (s *Session) event(kind EventKind) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{Kind: kind, SessionID: s.ID, Status: s.status, Progress: s.progressLocked()}
	if s.err != nil {
		ev.Error = s.err.Error()
	}
	return ev
}
