package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zombor/gifticon-tracker/internal/extraction"
	"github.com/zombor/gifticon-tracker/internal/gallery"
	"github.com/zombor/gifticon-tracker/internal/gifticon"
	"github.com/zombor/gifticon-tracker/internal/scanstate"
)

var (
	// ErrScanAlreadyInProgress is returned when a scan is started while
	// another one is running
	ErrScanAlreadyInProgress = errors.New("scan already in progress")

	// ErrAlbumRequired is returned for album modes without a target album
	ErrAlbumRequired = errors.New("target album is required for album scan modes")

	// ErrInvalidMode is returned for an unknown scan mode
	ErrInvalidMode = errors.New("invalid scan mode")

	// ErrStateUnavailable is returned when the scan state store cannot be
	// read or written
	ErrStateUnavailable = errors.New("scan state unavailable")
)

// Mode selects what a scan enumerates
type Mode string

const (
	ModeNewInAlbum   Mode = "NewInAlbum"
	ModeNewInGallery Mode = "NewInGallery"
	ModeAllInAlbum   Mode = "AllInAlbum"
	ModeAllInGallery Mode = "AllInGallery"
)

// ParseMode accepts a mode name in any case
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeNewInAlbum, ModeNewInGallery, ModeAllInAlbum, ModeAllInGallery} {
		if strings.EqualFold(s, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

func (m Mode) album() bool {
	return m == ModeNewInAlbum || m == ModeAllInAlbum
}

func (m Mode) newOnly() bool {
	return m == ModeNewInAlbum || m == ModeNewInGallery
}

// Options configures one scan session
type Options struct {
	TargetAlbum          string `json:"target_album,omitempty"`
	Mode                 Mode   `json:"scan_mode"`
	ForceRescanProcessed bool   `json:"force_rescan_processed"`
}

// Validate checks the options before a session starts
func (o Options) Validate() error {
	_, err := o.canonical()
	return err
}

// canonical returns the options with the mode spelled as its constant
func (o Options) canonical() (Options, error) {
	mode, err := ParseMode(string(o.Mode))
	if err != nil {
		return o, err
	}
	o.Mode = mode
	if o.Mode.album() && strings.TrimSpace(o.TargetAlbum) == "" {
		return o, ErrAlbumRequired
	}
	return o, nil
}

// album is the album to enumerate, empty for the whole gallery
func (o Options) album() string {
	if o.Mode.album() {
		return strings.TrimSpace(o.TargetAlbum)
	}
	return ""
}

func (o Options) scopeKey() string {
	return scanstate.ScopeKey(o.album())
}

// Status is the state of a scan session
type Status string

const (
	StatusIdle      Status = "Idle"
	StatusScanning  Status = "Scanning"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
	StatusFailed    Status = "Failed"
)

// Terminal reports whether no further transition can happen
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// SkipReason explains why an asset produced no new record
type SkipReason string

const (
	SkipAlreadyProcessed    SkipReason = "AlreadyProcessed"
	SkipNoContentDetected   SkipReason = "NoContentDetected"
	SkipEngineError         SkipReason = "EngineError"
	SkipTimeout             SkipReason = "Timeout"
	SkipInsufficientData    SkipReason = "InsufficientData"
	SkipDuplicateOfExisting SkipReason = "DuplicateOfExisting"
	SkipPersistenceError    SkipReason = "PersistenceError"
)

func skipReason(r extraction.Reason) SkipReason {
	switch r {
	case extraction.ReasonNoContentDetected:
		return SkipNoContentDetected
	case extraction.ReasonTimeout:
		return SkipTimeout
	default:
		return SkipEngineError
	}
}

// SkippedItem is an asset that did not produce a new record. Candidate is
// set when extraction succeeded; Existing when the candidate was a duplicate.
type SkippedItem struct {
	Asset     gallery.Asset         `json:"asset"`
	Candidate *extraction.Candidate `json:"candidate,omitempty"`
	Reason    SkipReason            `json:"reason"`
	Existing  *gifticon.Gifticon    `json:"existing,omitempty"`
	Detail    string                `json:"detail,omitempty"`
}

// Progress is the live counter set of a session
type Progress struct {
	CurrentTask string `json:"current_task"`
	Processed   int    `json:"processed"`
	// TotalFetched is nil until enumeration has finished
	TotalFetched *int `json:"total_fetched,omitempty"`
}

// Result is everything a session produced. Saved and Skipped keep the order
// in which the assets were enumerated.
type Result struct {
	SessionID  string               `json:"session_id"`
	Status     Status               `json:"status"`
	Saved      []*gifticon.Gifticon `json:"saved"`
	Skipped    []SkippedItem        `json:"skipped"`
	Progress   Progress             `json:"progress"`
	Error      string               `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}
