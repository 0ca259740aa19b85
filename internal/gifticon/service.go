package gifticon

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/zombor/gifticon-tracker/internal/extraction"
	"github.com/zombor/gifticon-tracker/internal/fingerprint"
	"github.com/zombor/gifticon-tracker/internal/gallery"
	"github.com/zombor/gifticon-tracker/internal/metrics"
)

const (
	dateLayout = "2006-01-02"

	// DefaultAlertDays is how many days ahead of expiry a voucher is flagged
	DefaultAlertDays = 7
)

var (
	// ErrDuplicate is returned when an edit would give a record the
	// fingerprint of another record
	ErrDuplicate = errors.New("another gifticon has the same fingerprint")

	// ErrInvalidInput is returned for malformed field values
	ErrInvalidInput = errors.New("invalid input")
)

// IDGenerator generates unique IDs for records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// ImageReader reads gallery images. gallery.Source satisfies it.
type ImageReader interface {
	Open(ctx context.Context, uri string) ([]byte, error)
}

// Options configures date handling of a Service
type Options struct {
	// Location decides which calendar day "today" is. Defaults to UTC.
	Location *time.Location
	// AlertDays is the look-ahead window of Alerts
	AlertDays int
}

// Service handles gifticon operations
type Service struct {
	db          DB
	storage     Storage
	images      ImageReader
	idGenerator IDGenerator
	timeSource  TimeSource
	location    *time.Location
	alertDays   int
}

// NewService creates a new Service with a UUID generator and the wall clock
func NewService(db DB, storage Storage, images ImageReader, opts Options) *Service {
	return NewServiceWithDeps(db, storage, images, opts, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, images ImageReader, opts Options, idGen IDGenerator, timeSrc TimeSource) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.AlertDays <= 0 {
		opts.AlertDays = DefaultAlertDays
	}
	return &Service{
		db:          db,
		storage:     storage,
		images:      images,
		idGenerator: idGen,
		timeSource:  timeSrc,
		location:    opts.Location,
		alertDays:   opts.AlertDays,
	}
}

// Summary is a gifticon as presented to callers, with its status resolved
// against today's date
type Summary struct {
	*Gifticon
	EffectiveStatus Status `json:"effective_status"`
	DaysLeft        *int   `json:"days_left,omitempty"`
}

// SaveScanned stores a new record for an extracted candidate. The image is
// copied into storage first; the copy is removed again if the insert fails.
func (s *Service) SaveScanned(ctx context.Context, asset gallery.Asset, c *extraction.Candidate, fp string) (*Gifticon, error) {
	now := s.timeSource.Now().UTC()
	g := &Gifticon{
		ID:            s.idGenerator.Generate(),
		ImageURI:      c.ImageURI,
		ContentType:   asset.ContentType,
		BrandName:     strings.TrimSpace(c.BrandName),
		ProductName:   strings.TrimSpace(c.ProductName),
		BarcodeValue:  strings.TrimSpace(c.BarcodeValue),
		ExpiryDate:    strings.TrimSpace(c.ExpiryDate),
		Fingerprint:   fp,
		Status:        StatusAvailable,
		SourceAssetID: asset.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if data, err := s.images.Open(ctx, asset.URI); err != nil {
		// The record still points at the gallery image
		slog.Warn("Failed to read image for copy", "uri", asset.URI, "error", err)
	} else if saved, err := s.storage.Save(data, imageExt(asset)); err != nil {
		slog.Warn("Failed to store image copy", "uri", asset.URI, "error", err)
	} else {
		g.ImagePath = saved
	}

	if err := s.db.SaveGifticon(ctx, g); err != nil {
		if g.ImagePath != "" {
			s.releaseImage(ctx, g.ImagePath, g.ID)
		}
		return nil, fmt.Errorf("saving gifticon to database: %w", err)
	}

	metrics.GifticonsSavedTotal.WithLabelValues("scan").Inc()
	slog.Info("Gifticon saved", "id", g.ID, "brand", g.BrandName, "product", g.ProductName)
	return g, nil
}

// Get retrieves a gifticon by ID
func (s *Service) Get(ctx context.Context, id string) (*Summary, error) {
	g, err := s.db.GetGifticon(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting gifticon: %w", err)
	}
	return s.summarize(g, s.today()), nil
}

// Tab selects which list a gifticon appears in
type Tab string

const (
	TabAll       Tab = ""
	TabAvailable Tab = "available"
	// TabUsed also holds expired vouchers
	TabUsed Tab = "used"
)

// SortOrder orders listed gifticons
type SortOrder string

const (
	// SortByExpiry puts the soonest expiry first and unknown expiry last
	SortByExpiry SortOrder = "expiry"
	// SortByCreated puts the newest record first
	SortByCreated SortOrder = "created"
)

// Filter narrows List
type Filter struct {
	Tab        Tab
	CategoryID string
	Sort       SortOrder
}

// List returns the gifticons matching the filter
func (s *Service) List(ctx context.Context, f Filter) ([]*Summary, error) {
	all, err := s.db.ListGifticons(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing gifticons: %w", err)
	}

	today := s.today()
	out := make([]*Summary, 0, len(all))
	for _, g := range all {
		if f.CategoryID != "" && g.CategoryID != f.CategoryID {
			continue
		}
		sum := s.summarize(g, today)
		switch f.Tab {
		case TabAvailable:
			if sum.EffectiveStatus != StatusAvailable {
				continue
			}
		case TabUsed:
			if sum.EffectiveStatus == StatusAvailable {
				continue
			}
		}
		out = append(out, sum)
	}

	sortSummaries(out, f.Sort)
	return out, nil
}

// Search returns gifticons whose brand or product contains the keyword,
// ignoring case. An empty keyword matches nothing.
func (s *Service) Search(ctx context.Context, keyword string) ([]*Summary, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return []*Summary{}, nil
	}

	all, err := s.db.ListGifticons(ctx)
	if err != nil {
		return nil, fmt.Errorf("searching gifticons: %w", err)
	}

	fold := cases.Fold()
	needle := fold.String(keyword)
	today := s.today()
	out := make([]*Summary, 0)
	for _, g := range all {
		if strings.Contains(fold.String(g.BrandName), needle) || strings.Contains(fold.String(g.ProductName), needle) {
			out = append(out, s.summarize(g, today))
		}
	}
	sortSummaries(out, SortByExpiry)
	return out, nil
}

// Update holds the editable fields of a gifticon. Nil fields are left as
// they are.
type Update struct {
	BrandName    *string `json:"brand_name"`
	ProductName  *string `json:"product_name"`
	BarcodeValue *string `json:"barcode_value"`
	ExpiryDate   *string `json:"expiry_date"`
	CategoryID   *string `json:"category_id"`
}

// Update edits a gifticon and recomputes its fingerprint
func (s *Service) Update(ctx context.Context, id string, u Update) (*Summary, error) {
	g, err := s.db.GetGifticon(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting gifticon for update: %w", err)
	}

	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	apply(&g.BrandName, u.BrandName)
	apply(&g.ProductName, u.ProductName)
	apply(&g.BarcodeValue, u.BarcodeValue)
	apply(&g.ExpiryDate, u.ExpiryDate)
	apply(&g.CategoryID, u.CategoryID)

	if g.ExpiryDate != "" {
		if _, err := time.Parse(dateLayout, g.ExpiryDate); err != nil {
			return nil, fmt.Errorf("%w: expiry date must be YYYY-MM-DD", ErrInvalidInput)
		}
	}
	if g.CategoryID != "" {
		if _, err := s.db.GetCategory(ctx, g.CategoryID); err != nil {
			return nil, fmt.Errorf("%w: unknown category %s", ErrInvalidInput, g.CategoryID)
		}
	}

	fp, err := fingerprint.Compute(fingerprint.Fields{
		Brand:   g.BrandName,
		Product: g.ProductName,
		Barcode: g.BarcodeValue,
		Expiry:  g.ExpiryDate,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	matches, err := s.db.FindByFingerprint(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("checking duplicates: %w", err)
	}
	for _, m := range matches {
		if m.ID != g.ID {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, m.ID)
		}
	}

	g.Fingerprint = fp
	g.UpdatedAt = s.timeSource.Now().UTC()
	if err := s.db.UpdateGifticon(ctx, g); err != nil {
		return nil, fmt.Errorf("updating gifticon: %w", err)
	}
	return s.summarize(g, s.today()), nil
}

// MarkUsed marks a gifticon as used
func (s *Service) MarkUsed(ctx context.Context, id string) (*Summary, error) {
	return s.setStatus(ctx, id, StatusUsed)
}

// MarkAvailable reverts a gifticon to available
func (s *Service) MarkAvailable(ctx context.Context, id string) (*Summary, error) {
	return s.setStatus(ctx, id, StatusAvailable)
}

func (s *Service) setStatus(ctx context.Context, id string, status Status) (*Summary, error) {
	g, err := s.db.GetGifticon(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting gifticon: %w", err)
	}

	now := s.timeSource.Now().UTC()
	g.Status = status
	g.UpdatedAt = now
	g.UsedAt = nil
	if status == StatusUsed {
		g.UsedAt = &now
	}

	if err := s.db.UpdateGifticon(ctx, g); err != nil {
		return nil, fmt.Errorf("updating gifticon status: %w", err)
	}
	return s.summarize(g, s.today()), nil
}

// Delete removes a gifticon and its stored image
func (s *Service) Delete(ctx context.Context, id string) error {
	g, err := s.db.GetGifticon(ctx, id)
	if err != nil {
		return fmt.Errorf("getting gifticon for deletion: %w", err)
	}

	if err := s.db.DeleteGifticon(ctx, id); err != nil {
		return fmt.Errorf("deleting gifticon from database: %w", err)
	}
	if g.ImagePath != "" {
		s.releaseImage(ctx, g.ImagePath, g.ID)
	}
	return nil
}

// DeleteUsedAndExpired removes every gifticon whose effective status is used
// or expired and returns how many were removed
func (s *Service) DeleteUsedAndExpired(ctx context.Context) (int, error) {
	all, err := s.db.ListGifticons(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing gifticons: %w", err)
	}

	today := s.today()
	var deleted []*Gifticon
	for _, g := range all {
		if s.summarize(g, today).EffectiveStatus == StatusAvailable {
			continue
		}
		if err := s.db.DeleteGifticon(ctx, g.ID); err != nil {
			return len(deleted), fmt.Errorf("deleting gifticon %s: %w", g.ID, err)
		}
		deleted = append(deleted, g)
	}

	for _, g := range deleted {
		if g.ImagePath != "" {
			s.releaseImage(ctx, g.ImagePath, g.ID)
		}
	}
	if len(deleted) > 0 {
		slog.Info("Deleted used and expired gifticons", "count", len(deleted))
	}
	return len(deleted), nil
}

// GetImage returns the stored image of a gifticon, falling back to the
// gallery original when no copy exists
func (s *Service) GetImage(ctx context.Context, id string) ([]byte, string, error) {
	g, err := s.db.GetGifticon(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting gifticon: %w", err)
	}

	if g.ImagePath != "" {
		data, err := s.storage.Get(g.ImagePath)
		if err == nil {
			return data, g.ContentType, nil
		}
		slog.Warn("Stored image missing, reading gallery original", "id", g.ID, "error", err)
	}

	data, err := s.images.Open(ctx, g.ImageURI)
	if err != nil {
		return nil, "", fmt.Errorf("reading gifticon image: %w", err)
	}
	return data, g.ContentType, nil
}

// AlertKind classifies an expiry alert
type AlertKind string

const (
	AlertExpired AlertKind = "expired"
	AlertToday   AlertKind = "today"
	AlertDDay    AlertKind = "d-day"
)

// Alert is one expiry notice
type Alert struct {
	Gifticon *Gifticon `json:"gifticon"`
	Kind     AlertKind `json:"kind"`
	DaysLeft int       `json:"days_left"`
}

// Alerts groups expiry notices. ToCheck is sorted soonest first, Expired
// most recently expired first.
type Alerts struct {
	ToCheck []Alert `json:"to_check"`
	Expired []Alert `json:"expired"`
}

// Alerts computes expiry notices for vouchers that are not used
func (s *Service) Alerts(ctx context.Context) (*Alerts, error) {
	all, err := s.db.ListGifticons(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing gifticons for alerts: %w", err)
	}

	today := s.today()
	out := &Alerts{ToCheck: []Alert{}, Expired: []Alert{}}
	for _, g := range all {
		if g.Status == StatusUsed {
			continue
		}
		days, ok := daysUntil(g.ExpiryDate, today)
		if !ok {
			continue
		}
		switch {
		case days < 0:
			out.Expired = append(out.Expired, Alert{Gifticon: g, Kind: AlertExpired, DaysLeft: days})
		case days == 0:
			out.ToCheck = append(out.ToCheck, Alert{Gifticon: g, Kind: AlertToday})
		case days <= s.alertDays:
			out.ToCheck = append(out.ToCheck, Alert{Gifticon: g, Kind: AlertDDay, DaysLeft: days})
		}
	}

	slices.SortStableFunc(out.ToCheck, func(a, b Alert) int {
		return cmp.Compare(a.Gifticon.ExpiryDate, b.Gifticon.ExpiryDate)
	})
	slices.SortStableFunc(out.Expired, func(a, b Alert) int {
		return cmp.Compare(b.Gifticon.ExpiryDate, a.Gifticon.ExpiryDate)
	})
	return out, nil
}

// CreateCategory adds a category
func (s *Service) CreateCategory(ctx context.Context, name, icon, color string) (*Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: category name is required", ErrInvalidInput)
	}

	c := &Category{
		ID:        s.idGenerator.Generate(),
		Name:      name,
		Icon:      strings.TrimSpace(icon),
		Color:     strings.TrimSpace(color),
		CreatedAt: s.timeSource.Now().UTC(),
	}
	if err := s.db.SaveCategory(ctx, c); err != nil {
		return nil, fmt.Errorf("saving category: %w", err)
	}
	return c, nil
}

// GetCategory retrieves a category by ID
func (s *Service) GetCategory(ctx context.Context, id string) (*Category, error) {
	c, err := s.db.GetCategory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting category: %w", err)
	}
	return c, nil
}

// ListCategories returns all categories
func (s *Service) ListCategories(ctx context.Context) ([]*Category, error) {
	list, err := s.db.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	return list, nil
}

// DeleteCategory removes a category; its gifticons become uncategorized
func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	if _, err := s.db.GetCategory(ctx, id); err != nil {
		return fmt.Errorf("getting category for deletion: %w", err)
	}
	if err := s.db.DeleteCategory(ctx, id); err != nil {
		return fmt.Errorf("deleting category: %w", err)
	}
	return nil
}

// EffectiveStatus resolves the displayed status of g for the current day
func (s *Service) EffectiveStatus(g *Gifticon) Status {
	return s.summarize(g, s.today()).EffectiveStatus
}

func (s *Service) summarize(g *Gifticon, today time.Time) *Summary {
	sum := &Summary{Gifticon: g, EffectiveStatus: StatusAvailable}
	days, ok := daysUntil(g.ExpiryDate, today)
	if ok {
		sum.DaysLeft = &days
	}
	switch {
	case g.Status == StatusUsed:
		sum.EffectiveStatus = StatusUsed
	case ok && days < 0:
		sum.EffectiveStatus = StatusExpired
	}
	return sum
}

// today is the current calendar day in the service's location, as a UTC
// midnight so day arithmetic is exact
func (s *Service) today() time.Time {
	y, m, d := s.timeSource.Now().In(s.location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysUntil(expiry string, today time.Time) (int, bool) {
	if expiry == "" {
		return 0, false
	}
	t, err := time.Parse(dateLayout, expiry)
	if err != nil {
		return 0, false
	}
	return int(t.Sub(today).Hours() / 24), true
}

func sortSummaries(list []*Summary, order SortOrder) {
	switch order {
	case SortByCreated:
		slices.SortStableFunc(list, func(a, b *Summary) int {
			return b.CreatedAt.Compare(a.CreatedAt)
		})
	default:
		slices.SortStableFunc(list, func(a, b *Summary) int {
			switch {
			case a.ExpiryDate == b.ExpiryDate:
				return 0
			case a.ExpiryDate == "":
				return 1
			case b.ExpiryDate == "":
				return -1
			}
			return cmp.Compare(a.ExpiryDate, b.ExpiryDate)
		})
	}
}

// releaseImage deletes a stored copy unless another record still uses it.
// Copies are content addressed, so identical images share a file.
func (s *Service) releaseImage(ctx context.Context, imagePath, ownerID string) {
	all, err := s.db.ListGifticons(ctx)
	if err != nil {
		slog.Warn("Failed to check image references", "path", imagePath, "error", err)
		return
	}
	for _, g := range all {
		if g.ID != ownerID && g.ImagePath == imagePath {
			return
		}
	}
	if err := s.storage.Delete(imagePath); err != nil {
		slog.Warn("Failed to delete file", "path", imagePath, "error", err)
	}
}

func imageExt(asset gallery.Asset) string {
	if u, err := url.Parse(asset.URI); err == nil {
		if ext := path.Ext(u.Path); ext != "" {
			return ext
		}
	}
	if exts, err := mime.ExtensionsByType(asset.ContentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
