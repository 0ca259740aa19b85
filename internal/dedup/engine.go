// Package dedup decides whether an extracted candidate is a voucher the
// record store already holds.
package dedup

import (
	"context"
	"fmt"

	"github.com/zombor/gifticon-tracker/internal/extraction"
	"github.com/zombor/gifticon-tracker/internal/fingerprint"
	"github.com/zombor/gifticon-tracker/internal/gifticon"
)

// ErrInsufficientData is returned for candidates that cannot be fingerprinted
var ErrInsufficientData = fingerprint.ErrInsufficientData

// Kind is the classification of a candidate
type Kind string

const (
	KindNew       Kind = "New"
	KindDuplicate Kind = "Duplicate"
)

// Finder looks up stored records by fingerprint, oldest first.
// gifticon.DB satisfies it.
type Finder interface {
	FindByFingerprint(ctx context.Context, fingerprint string) ([]*gifticon.Gifticon, error)
}

// Decision is the result of classifying a candidate
type Decision struct {
	Kind        Kind
	Fingerprint string
	// Existing is the matched record when Kind is KindDuplicate
	Existing *gifticon.Gifticon
}

// Engine classifies candidates against the record store
type Engine struct {
	finder Finder
}

// NewEngine creates a new Engine
func NewEngine(finder Finder) *Engine {
	return &Engine{finder: finder}
}

// Classify fingerprints the candidate and looks for a stored record with
// the same fingerprint. When several match, the oldest wins.
func (e *Engine) Classify(ctx context.Context, c *extraction.Candidate) (Decision, error) {
	fp, err := fingerprint.Compute(fingerprint.Fields{
		Brand:   c.BrandName,
		Product: c.ProductName,
		Barcode: c.BarcodeValue,
		Expiry:  c.ExpiryDate,
	})
	if err != nil {
		return Decision{}, err
	}

	matches, err := e.finder.FindByFingerprint(ctx, fp)
	if err != nil {
		return Decision{}, fmt.Errorf("querying record store: %w", err)
	}
	if len(matches) > 0 {
		return Decision{Kind: KindDuplicate, Fingerprint: fp, Existing: matches[0]}, nil
	}
	return Decision{Kind: KindNew, Fingerprint: fp}, nil
}
