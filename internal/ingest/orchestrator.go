// Package ingest drives gallery scans: it enumerates photos, extracts
// voucher fields, drops duplicates, saves new gifticons and records which
// photos were handled so the next scan only looks at what is new.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/gifticon-tracker/internal/dedup"
	"github.com/zombor/gifticon-tracker/internal/extraction"
	"github.com/zombor/gifticon-tracker/internal/gallery"
	"github.com/zombor/gifticon-tracker/internal/gifticon"
	"github.com/zombor/gifticon-tracker/internal/metrics"
	"github.com/zombor/gifticon-tracker/internal/scanstate"
)

// Enumerator lists the assets of a scope oldest first
type Enumerator interface {
	Enumerate(ctx context.Context, scope gallery.Scope) (*gallery.Enumeration, error)
}

// StateTracker persists which assets were handled. scanstate.BoltTracker
// satisfies it.
type StateTracker interface {
	LoadCursor(scope string) (*scanstate.Cursor, error)
	IsProcessed(scope, assetID string) (bool, error)
	MarkProcessed(scope, assetID string, ts time.Time) error
	ResetProcessedSet(scope string) error
}

// Extractor turns an asset into a candidate or a failure
type Extractor interface {
	Extract(ctx context.Context, asset gallery.Asset) extraction.Outcome
}

// Classifier decides whether a candidate is new
type Classifier interface {
	Classify(ctx context.Context, c *extraction.Candidate) (dedup.Decision, error)
}

// Persister stores a new gifticon
type Persister interface {
	SaveScanned(ctx context.Context, asset gallery.Asset, c *extraction.Candidate, fingerprint string) (*gifticon.Gifticon, error)
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Enumerator Enumerator
	Tracker    StateTracker
	Extractor  Extractor
	Classifier Classifier
	Persister  Persister
	// NewID generates session IDs. Defaults to UUIDs.
	NewID func() string
	// Now defaults to time.Now
	Now func() time.Time
}

// Orchestrator runs at most one scan session at a time
type Orchestrator struct {
	deps Deps

	mu      sync.Mutex
	current *Session

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSub     int
}

// New creates a new Orchestrator
func New(deps Deps) *Orchestrator {
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{
		deps:        deps,
		subscribers: make(map[int]chan Event),
	}
}

// StartScan validates opts and starts a session in the background. It
// returns ErrScanAlreadyInProgress while another session is scanning.
//
// ctx bounds the session: when it is done the session is cancelled the same
// way Cancel does, between assets. Work on the asset in flight is not
// interrupted.
func (o *Orchestrator) StartScan(ctx context.Context, opts Options) (*Session, error) {
	opts, err := opts.canonical()
	if err != nil {
		metrics.ScansRejectedTotal.WithLabelValues("invalid_options").Inc()
		return nil, err
	}

	o.mu.Lock()
	if o.current != nil && !o.current.Status().Terminal() {
		o.mu.Unlock()
		metrics.ScansRejectedTotal.WithLabelValues("in_progress").Inc()
		return nil, ErrScanAlreadyInProgress
	}
	s := newSession(o.deps.NewID(), opts, o.deps.Now())
	o.current = s
	o.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.requestCancel() })

	slog.Info("Scan started",
		"session", s.ID,
		"mode", opts.Mode,
		"album", opts.album(),
		"force", opts.ForceRescanProcessed,
	)
	metrics.ScanInProgress.Set(1)
	o.publish(s.event(EventStarted))

	go func() {
		defer stop()
		o.run(context.WithoutCancel(ctx), s)
	}()
	return s, nil
}

// Run starts a session and waits for it to end. The error is the
// session-level failure, if any.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	s, err := o.StartScan(ctx, opts)
	if err != nil {
		return nil, err
	}
	res := s.Wait()
	return res, s.Err()
}

// Cancel asks the running session to stop before its next asset. It
// reports whether a session was running.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()
	if s == nil {
		return false
	}
	if s.requestCancel() {
		slog.Info("Scan cancellation requested", "session", s.ID)
		return true
	}
	return false
}

// State returns the state of the running or most recent session
func (o *Orchestrator) State() StateSnapshot {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()
	if s == nil {
		return StateSnapshot{
			Status:  StatusIdle,
			Saved:   []*gifticon.Gifticon{},
			Skipped: []SkippedItem{},
		}
	}
	return s.snapshot()
}

// Current returns the running or most recent session, or nil
func (o *Orchestrator) Current() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Subscribe returns a channel of progress events and a function that
// unsubscribes and closes it. Events are dropped, not queued, when the
// buffer is full; State always has the latest view.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch
	o.subMu.Unlock()
	metrics.EventSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subscribers, id)
			o.subMu.Unlock()
			close(ch)
			metrics.EventSubscribers.Dec()
		})
	}
}

func (o *Orchestrator) publish(ev Event) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- ev:
		default:
			metrics.EventsDroppedTotal.Inc()
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, s *Session) {
	start := time.Now()
	status, err := o.scan(ctx, s)
	metrics.ScanInProgress.Set(0)
	s.finish(status, err, o.deps.Now())

	res := s.Result()
	if err != nil {
		slog.Error("Scan failed", "session", s.ID, "error", err)
	}
	slog.Info("Scan finished",
		"session", s.ID,
		"status", status,
		"processed", res.Progress.Processed,
		"saved", len(res.Saved),
		"skipped", len(res.Skipped),
		"duration", time.Since(start),
	)

	metrics.ScansTotal.WithLabelValues(string(status)).Inc()
	metrics.ScanDuration.Observe(time.Since(start).Seconds())

	o.publish(s.event(EventFinished))
	close(s.done)
}

// scan is the session body. It returns the terminal status and, for
// Failed, the cause.
func (o *Orchestrator) scan(ctx context.Context, s *Session) (Status, error) {
	opts := s.Options
	key := opts.scopeKey()
	forced := opts.ForceRescanProcessed

	s.setTask("Loading scan state")
	var since *time.Time
	if opts.Mode.newOnly() {
		cursor, err := o.deps.Tracker.LoadCursor(key)
		if err != nil {
			return StatusFailed, fmt.Errorf("%w: loading cursor: %w", ErrStateUnavailable, err)
		}
		if !cursor.LastSeen.IsZero() {
			t := cursor.LastSeen
			since = &t
		}
	}

	if forced {
		if err := o.deps.Tracker.ResetProcessedSet(key); err != nil {
			return StatusFailed, fmt.Errorf("%w: resetting processed set: %w", ErrStateUnavailable, err)
		}
	}

	s.setTask("Fetching photos")
	enum, err := o.deps.Enumerator.Enumerate(ctx, gallery.Scope{Album: opts.album(), Since: since})
	if err != nil {
		return StatusFailed, err
	}

	assets, err := o.pending(key, enum, since, forced)
	if err != nil {
		return StatusFailed, err
	}
	total := len(assets)
	s.setTotal(total)
	s.setTask(fmt.Sprintf("Found %d photos", total))
	o.publish(s.event(EventFetched))

	for i, asset := range assets {
		if s.cancelled() {
			return StatusCancelled, nil
		}
		s.setTask(fmt.Sprintf("Scanning photo %d of %d", i+1, total))
		if err := o.process(ctx, s, key, asset, forced); err != nil {
			return StatusFailed, err
		}
	}
	return StatusCompleted, nil
}

// pending drops assets sitting exactly on the inclusive since boundary that
// an earlier scan already handled, so an unchanged gallery rescans to
// nothing rather than to a repeat of its newest photo.
func (o *Orchestrator) pending(key string, enum *gallery.Enumeration, since *time.Time, forced bool) ([]gallery.Asset, error) {
	assets := make([]gallery.Asset, 0, enum.Len())
	for a := range enum.All() {
		if since != nil && !forced && a.CreatedAt.Equal(*since) {
			done, err := o.deps.Tracker.IsProcessed(key, a.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: checking processed set: %w", ErrStateUnavailable, err)
			}
			if done {
				continue
			}
		}
		assets = append(assets, a)
	}
	return assets, nil
}

// process resolves a single asset. Only scan state failures are returned;
// everything else becomes a skipped item.
func (o *Orchestrator) process(ctx context.Context, s *Session, key string, asset gallery.Asset, forced bool) error {
	var (
		saved   *gifticon.Gifticon
		skipped *SkippedItem
	)

	processed := false
	if !forced {
		var err error
		processed, err = o.deps.Tracker.IsProcessed(key, asset.ID)
		if err != nil {
			return fmt.Errorf("%w: checking processed set: %w", ErrStateUnavailable, err)
		}
	}

	if processed {
		skipped = &SkippedItem{Asset: asset, Reason: SkipAlreadyProcessed}
	} else {
		saved, skipped = o.ingest(ctx, asset)
	}

	// The processed entry is durable before the item counts as handled
	if err := o.deps.Tracker.MarkProcessed(key, asset.ID, asset.CreatedAt); err != nil {
		return fmt.Errorf("%w: marking %s processed: %w", ErrStateUnavailable, asset.ID, err)
	}

	outcome := "saved"
	if skipped != nil {
		outcome = string(skipped.Reason)
		s.addSkipped(*skipped)
	} else {
		s.addSaved(saved)
	}
	metrics.ScanItemsTotal.WithLabelValues(outcome).Inc()

	ev := s.event(EventItem)
	ev.Saved = saved
	ev.Skipped = skipped
	o.publish(ev)
	return nil
}

// ingest runs extraction, classification and persistence for one asset.
// Exactly one of the results is non-nil.
func (o *Orchestrator) ingest(ctx context.Context, asset gallery.Asset) (*gifticon.Gifticon, *SkippedItem) {
	out := o.deps.Extractor.Extract(ctx, asset)
	if f, failed := out.Failure(); failed {
		return nil, &SkippedItem{Asset: asset, Reason: skipReason(f.Reason), Detail: f.Error()}
	}
	c, _ := out.Candidate()

	decision, err := o.deps.Classifier.Classify(ctx, c)
	switch {
	case errors.Is(err, dedup.ErrInsufficientData):
		return nil, &SkippedItem{Asset: asset, Candidate: c, Reason: SkipInsufficientData}
	case err != nil:
		slog.Warn("Duplicate check failed", "uri", asset.URI, "error", err)
		return nil, &SkippedItem{Asset: asset, Candidate: c, Reason: SkipPersistenceError, Detail: err.Error()}
	case decision.Kind == dedup.KindDuplicate:
		return nil, &SkippedItem{Asset: asset, Candidate: c, Reason: SkipDuplicateOfExisting, Existing: decision.Existing}
	}

	g, err := o.deps.Persister.SaveScanned(ctx, asset, c, decision.Fingerprint)
	if err != nil {
		slog.Warn("Failed to save gifticon", "uri", asset.URI, "error", err)
		return nil, &SkippedItem{Asset: asset, Candidate: c, Reason: SkipPersistenceError, Detail: err.Error()}
	}
	return g, nil
}
