package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zombor/gifticon-tracker/internal/gallery"
	"github.com/zombor/gifticon-tracker/internal/metrics"
	"github.com/zombor/gifticon-tracker/internal/scanning"
)

const (
	// DefaultTimeout bounds a single engine call
	DefaultTimeout = 45 * time.Second
	// DefaultCacheSize is the number of image digests remembered
	DefaultCacheSize = 512
)

// ImageReader reads asset bytes. gallery.Source satisfies it.
type ImageReader interface {
	Open(ctx context.Context, uri string) ([]byte, error)
}

// Options configures an Adapter
type Options struct {
	Timeout   time.Duration
	CacheSize int
}

// Adapter wraps a scanning.Extractor with a per-call timeout, a content
// cache and a value-only result contract.
//
// The timeout covers reading the asset and the engine call. An engine that
// ignores its context keeps running in its own goroutine until it returns;
// Extract does not wait for it and the late result is dropped.
type Adapter struct {
	extractor scanning.Extractor
	images    ImageReader
	timeout   time.Duration
	cache     *lru.Cache[string, Outcome]
}

// NewAdapter creates a new Adapter. Zero options take the defaults; a
// negative CacheSize disables the cache.
func NewAdapter(extractor scanning.Extractor, images ImageReader, opts Options) (*Adapter, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = DefaultCacheSize
	}

	a := &Adapter{
		extractor: extractor,
		images:    images,
		timeout:   opts.Timeout,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, Outcome](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating extraction cache: %w", err)
		}
		a.cache = cache
	}
	return a, nil
}

// Extract reads the asset and runs the engine on it. It never returns an
// error or panics; every result is an Outcome.
func (a *Adapter) Extract(ctx context.Context, asset gallery.Asset) Outcome {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	data, err := a.images.Open(ctx, asset.URI)
	if err != nil {
		slog.Warn("Failed to read asset", "uri", asset.URI, "error", err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Failed(ReasonTimeout, fmt.Errorf("reading asset: %w", context.DeadlineExceeded))
		}
		return Failed(ReasonEngineError, fmt.Errorf("reading asset: %w", err))
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if a.cache != nil {
		if cached, ok := a.cache.Get(digest); ok {
			metrics.ExtractionCacheHits.Inc()
			return cached.forImage(asset.URI)
		}
	}

	out := a.run(ctx, asset, data)

	// Engine errors and timeouts are transient and worth retrying on a later scan
	if a.cache != nil {
		if _, ok := out.Candidate(); ok {
			a.cache.Add(digest, out)
		} else if f, _ := out.Failure(); f.Reason == ReasonNoContentDetected {
			a.cache.Add(digest, out)
		}
	}
	return out
}

type engineResult struct {
	data *scanning.GifticonData
	err  error
}

// run calls the engine under ctx, which already carries the call deadline
func (a *Adapter) run(ctx context.Context, asset gallery.Asset, data []byte) Outcome {
	start := time.Now()
	done := make(chan engineResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- engineResult{err: fmt.Errorf("extractor panic: %v", r)}
			}
		}()
		d, err := a.extractor.ExtractGifticon(ctx, data, asset.ContentType)
		done <- engineResult{data: d, err: err}
	}()

	// The engine may ignore ctx, so the timeout is enforced here too. A late
	// result lands in the buffered channel and is dropped.
	var res engineResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = engineResult{err: ctx.Err()}
	}

	out := classify(asset, res)
	f, failed := out.Failure()
	result := "extracted"
	if failed {
		result = string(f.Reason)
		slog.Info("Extraction failed", "uri", asset.URI, "reason", f.Reason, "error", f.Err)
	}
	metrics.ExtractionDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return out
}

func classify(asset gallery.Asset, res engineResult) Outcome {
	switch {
	case res.err == nil && res.data != nil && !res.data.Empty():
		return Extracted(&Candidate{
			ImageURI:     asset.URI,
			BrandName:    res.data.BrandName,
			ProductName:  res.data.ProductName,
			BarcodeValue: res.data.BarcodeValue,
			ExpiryDate:   res.data.ExpiryDate,
		})
	case res.err == nil:
		return Failed(ReasonNoContentDetected, scanning.ErrNoContent)
	case errors.Is(res.err, scanning.ErrNoContent):
		return Failed(ReasonNoContentDetected, res.err)
	case errors.Is(res.err, context.DeadlineExceeded):
		return Failed(ReasonTimeout, res.err)
	default:
		return Failed(ReasonEngineError, res.err)
	}
}
