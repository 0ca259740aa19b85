package gallery

import (
	"context"
	"errors"
	"time"
)

// ErrSourceUnavailable is returned when the photo source cannot be queried,
// for example because the library is missing or access was denied.
var ErrSourceUnavailable = errors.New("photo source unavailable")

// Asset is a single photo in the gallery
type Asset struct {
	ID          string    `json:"id"`
	URI         string    `json:"uri"`
	Album       string    `json:"album"`
	CreatedAt   time.Time `json:"created_at"`
	ContentType string    `json:"content_type"`
}

// Query selects one page of assets from a Source
type Query struct {
	// Album limits the listing to a single album. Empty means the whole gallery.
	Album string
	// After is the opaque cursor returned as Page.Next by the previous call.
	After string
	Limit int
}

// Page is one page of a Source listing
type Page struct {
	Assets  []Asset
	Next    string
	HasNext bool
}

// Source defines the interface for the device photo library
type Source interface {
	// List returns one page of assets. Order within and across pages is
	// source-defined.
	List(ctx context.Context, q Query) (*Page, error)

	// Open returns the raw bytes of the image at uri
	Open(ctx context.Context, uri string) ([]byte, error)
}
