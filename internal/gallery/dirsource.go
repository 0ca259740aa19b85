package gallery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

const fileURIPrefix = "file://"

// contentTypes maps supported file extensions to MIME types. The standard
// mime package does not know HEIC/HEIF.
var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".pdf":  "application/pdf",
}

// DirSource implements the Source interface over a directory tree. Each
// immediate subdirectory of the root is an album; files directly under the
// root belong to no album and are only listed for whole-gallery queries.
type DirSource struct {
	root string
}

// NewDirSource creates a new DirSource rooted at root
func NewDirSource(root string) (*DirSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving gallery root: %w", err)
	}
	return &DirSource{root: abs}, nil
}

type entry struct {
	path  string
	album string
}

// List returns one page of assets. The cursor is the last path of the
// previous page; paths are listed in lexical order.
func (d *DirSource) List(ctx context.Context, q Query) (*Page, error) {
	entries, err := d.walk(q.Album)
	if err != nil {
		return nil, err
	}

	start := 0
	if q.After != "" {
		start, _ = slices.BinarySearchFunc(entries, q.After, func(e entry, after string) int {
			return strings.Compare(e.path, after)
		})
		if start < len(entries) && entries[start].path == q.After {
			start++
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	end := min(start+limit, len(entries))

	page := &Page{Assets: make([]Asset, 0, end-start)}
	for _, e := range entries[start:end] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page.Assets = append(page.Assets, d.asset(e))
	}
	if end < len(entries) {
		page.HasNext = true
		page.Next = entries[end-1].path
	}
	return page, nil
}

// Open reads the image behind a file:// URI. URIs outside the root are rejected.
func (d *DirSource) Open(ctx context.Context, uri string) ([]byte, error) {
	path, err := d.pathFromURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading asset: %w", err)
	}
	return data, nil
}

func (d *DirSource) pathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, fileURIPrefix) {
		return "", fmt.Errorf("unsupported asset uri: %s", uri)
	}
	path := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(uri, fileURIPrefix)))
	rel, err := filepath.Rel(d.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("asset outside gallery: %s", uri)
	}
	return path, nil
}

func (d *DirSource) walk(album string) ([]entry, error) {
	info, err := os.Stat(d.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSourceUnavailable, d.root)
	}

	var entries []entry
	if album != "" {
		dir := filepath.Join(d.root, album)
		if filepath.Dir(dir) != d.root {
			return nil, fmt.Errorf("invalid album name: %q", album)
		}
		files, err := listImages(dir, album)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// An album that does not exist yet is simply empty
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return files, nil
	}

	dirEntries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	rootFiles, err := listImages(d.root, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	entries = append(entries, rootFiles...)
	for _, de := range dirEntries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		files, err := listImages(filepath.Join(d.root, de.Name()), de.Name())
		if err != nil {
			slog.Warn("Skipping unreadable album", "album", de.Name(), "error", err)
			continue
		}
		entries = append(entries, files...)
	}

	slices.SortFunc(entries, func(a, b entry) int {
		return strings.Compare(a.path, b.path)
	})
	return entries, nil
}

func listImages(dir, album string) ([]entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var entries []entry
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		if _, ok := contentTypes[strings.ToLower(filepath.Ext(de.Name()))]; !ok {
			continue
		}
		entries = append(entries, entry{path: filepath.Join(dir, de.Name()), album: album})
	}
	return entries, nil
}

func (d *DirSource) asset(e entry) Asset {
	uri := fileURIPrefix + filepath.ToSlash(e.path)
	return Asset{
		ID:          uri,
		URI:         uri,
		Album:       e.album,
		CreatedAt:   creationTime(e.path),
		ContentType: contentTypes[strings.ToLower(filepath.Ext(e.path))],
	}
}

// creationTime prefers the EXIF capture time and falls back to the file
// modification time. Screenshots usually carry no EXIF.
func creationTime(path string) time.Time {
	if t, err := exifTime(path); err == nil && !t.IsZero() {
		return t.UTC()
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime().UTC()
}

func exifTime(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return time.Time{}, err
	}
	return x.DateTime()
}
