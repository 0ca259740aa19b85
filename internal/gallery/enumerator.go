package gallery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"
)

const defaultPageSize = 100

// Scope bounds one enumeration
type Scope struct {
	Album string
	// Since, when set, drops assets created before it. The bound is inclusive
	// so assets sharing the boundary timestamp are never lost.
	Since *time.Time
}

// Enumerator lists gallery assets oldest to newest
type Enumerator struct {
	source   Source
	pageSize int
}

// NewEnumerator creates a new Enumerator over source
func NewEnumerator(source Source) *Enumerator {
	return &Enumerator{source: source, pageSize: defaultPageSize}
}

// SetPageSize sets how many assets are requested from the source per call.
func (e *Enumerator) SetPageSize(n int) {
	if n > 0 {
		e.pageSize = n
	}
}

// Enumeration is the finished listing of one Enumerate call
type Enumeration struct {
	assets []Asset
}

// Len returns the number of assets in the enumeration
func (e *Enumeration) Len() int {
	return len(e.assets)
}

// All yields the assets oldest to newest
func (e *Enumeration) All() iter.Seq[Asset] {
	return func(yield func(Asset) bool) {
		for _, a := range e.assets {
			if !yield(a) {
				return
			}
		}
	}
}

// Enumerate drains the source for scope and orders the result by creation
// time, ties broken by ID. Any source failure is fatal and wraps
// ErrSourceUnavailable.
func (e *Enumerator) Enumerate(ctx context.Context, scope Scope) (*Enumeration, error) {
	var assets []Asset
	q := Query{Album: scope.Album, Limit: e.pageSize}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}

		page, err := e.source.List(ctx, q)
		if err != nil {
			if errors.Is(err, ErrSourceUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: listing assets: %w", ErrSourceUnavailable, err)
		}
		if page == nil {
			return nil, fmt.Errorf("%w: source returned no page", ErrSourceUnavailable)
		}

		for _, a := range page.Assets {
			if scope.Since != nil && a.CreatedAt.Before(*scope.Since) {
				continue
			}
			assets = append(assets, a)
		}

		// A source that hands back the same cursor would loop forever
		if !page.HasNext || page.Next == "" || page.Next == q.After {
			break
		}
		q.After = page.Next
	}

	slices.SortStableFunc(assets, func(a, b Asset) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	return &Enumeration{assets: assets}, nil
}
