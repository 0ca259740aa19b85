package gifticon

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zombor/gifticon-tracker/internal/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when a gifticon or category does not exist
	ErrNotFound = errors.New("not found")
)

// DB defines the interface for record store operations
type DB interface {
	// SaveGifticon inserts a new gifticon
	SaveGifticon(ctx context.Context, g *Gifticon) error

	// UpdateGifticon overwrites an existing gifticon
	UpdateGifticon(ctx context.Context, g *Gifticon) error

	// GetGifticon retrieves a gifticon by ID
	GetGifticon(ctx context.Context, id string) (*Gifticon, error)

	// ListGifticons returns all gifticons, oldest first
	ListGifticons(ctx context.Context) ([]*Gifticon, error)

	// FindByFingerprint returns the gifticons sharing a fingerprint, oldest first
	FindByFingerprint(ctx context.Context, fingerprint string) ([]*Gifticon, error)

	// DeleteGifticon removes a gifticon
	DeleteGifticon(ctx context.Context, id string) error

	SaveCategory(ctx context.Context, c *Category) error
	GetCategory(ctx context.Context, id string) (*Category, error)
	ListCategories(ctx context.Context) ([]*Category, error)

	// DeleteCategory removes a category and clears it from gifticons
	DeleteCategory(ctx context.Context, id string) error

	// Close closes the database connection
	Close() error
}

// SQLiteDB implements the DB interface using SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens the database at path and applies pending migrations
func NewSQLiteDB(ctx context.Context, path string) (*SQLiteDB, error) {
	if err := runMigrations(path); err != nil {
		return nil, err
	}

	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single writer; WAL still serves concurrent readers
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	slog.Info("Record store opened", "path", path)
	return &SQLiteDB{db: db}, nil
}

func runMigrations(path string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, "sqlite3://"+path)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	slog.Debug("Migrations applied", "version", version, "dirty", dirty)
	return nil
}

// observe records the outcome of a query once it returns
func observe(operation string, start time.Time, errp *error) {
	status := "success"
	if err := *errp; err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

const gifticonColumns = `id, image_uri, image_path, content_type, brand_name, product_name,
	barcode_value, expiry_date, fingerprint, status, category_id, source_asset_id,
	created_at, updated_at, used_at`

// SaveGifticon inserts a new gifticon
func (s *SQLiteDB) SaveGifticon(ctx context.Context, g *Gifticon) (err error) {
	defer observe("save_gifticon", time.Now(), &err)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gifticons (`+gifticonColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.ImageURI, g.ImagePath, g.ContentType, g.BrandName, g.ProductName,
		g.BarcodeValue, g.ExpiryDate, g.Fingerprint, string(g.Status), nullString(g.CategoryID), g.SourceAssetID,
		g.CreatedAt.UnixNano(), g.UpdatedAt.UnixNano(), nullTime(g.UsedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting gifticon: %w", err)
	}
	return nil
}

// UpdateGifticon overwrites an existing gifticon
func (s *SQLiteDB) UpdateGifticon(ctx context.Context, g *Gifticon) (err error) {
	defer observe("update_gifticon", time.Now(), &err)

	res, err := s.db.ExecContext(ctx, `
		UPDATE gifticons SET image_uri = ?, image_path = ?, content_type = ?, brand_name = ?,
			product_name = ?, barcode_value = ?, expiry_date = ?, fingerprint = ?, status = ?,
			category_id = ?, source_asset_id = ?, updated_at = ?, used_at = ?
		WHERE id = ?`,
		g.ImageURI, g.ImagePath, g.ContentType, g.BrandName,
		g.ProductName, g.BarcodeValue, g.ExpiryDate, g.Fingerprint, string(g.Status),
		nullString(g.CategoryID), g.SourceAssetID, g.UpdatedAt.UnixNano(), nullTime(g.UsedAt),
		g.ID,
	)
	if err != nil {
		return fmt.Errorf("updating gifticon: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("gifticon %s: %w", g.ID, ErrNotFound)
	}
	return nil
}

// GetGifticon retrieves a gifticon by ID
func (s *SQLiteDB) GetGifticon(ctx context.Context, id string) (g *Gifticon, err error) {
	defer observe("get_gifticon", time.Now(), &err)

	row := s.db.QueryRowContext(ctx, `SELECT `+gifticonColumns+` FROM gifticons WHERE id = ?`, id)
	g, err = scanGifticon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gifticon %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading gifticon: %w", err)
	}
	return g, nil
}

// ListGifticons returns all gifticons, oldest first
func (s *SQLiteDB) ListGifticons(ctx context.Context) (list []*Gifticon, err error) {
	defer observe("list_gifticons", time.Now(), &err)

	list, err = s.queryGifticons(ctx, `SELECT `+gifticonColumns+` FROM gifticons ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("listing gifticons: %w", err)
	}
	return list, nil
}

// FindByFingerprint returns the gifticons sharing a fingerprint, oldest first
func (s *SQLiteDB) FindByFingerprint(ctx context.Context, fingerprint string) (list []*Gifticon, err error) {
	defer observe("find_by_fingerprint", time.Now(), &err)

	list, err = s.queryGifticons(ctx,
		`SELECT `+gifticonColumns+` FROM gifticons WHERE fingerprint = ? ORDER BY created_at, rowid`,
		fingerprint)
	if err != nil {
		return nil, fmt.Errorf("finding gifticons by fingerprint: %w", err)
	}
	return list, nil
}

// DeleteGifticon removes a gifticon
func (s *SQLiteDB) DeleteGifticon(ctx context.Context, id string) (err error) {
	defer observe("delete_gifticon", time.Now(), &err)

	if _, err = s.db.ExecContext(ctx, `DELETE FROM gifticons WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting gifticon: %w", err)
	}
	return nil
}

// SaveCategory inserts or replaces a category
func (s *SQLiteDB) SaveCategory(ctx context.Context, c *Category) (err error) {
	defer observe("save_category", time.Now(), &err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, icon, color, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, icon = excluded.icon, color = excluded.color`,
		c.ID, c.Name, c.Icon, c.Color, c.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving category: %w", err)
	}
	return nil
}

// GetCategory retrieves a category by ID
func (s *SQLiteDB) GetCategory(ctx context.Context, id string) (c *Category, err error) {
	defer observe("get_category", time.Now(), &err)

	c, err = scanCategory(s.db.QueryRowContext(ctx,
		`SELECT id, name, icon, color, created_at FROM categories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("category %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading category: %w", err)
	}
	return c, nil
}

// ListCategories returns all categories in creation order
func (s *SQLiteDB) ListCategories(ctx context.Context) (list []*Category, err error) {
	defer observe("list_categories", time.Now(), &err)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, icon, color, created_at FROM categories ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	defer rows.Close()

	list = make([]*Category, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning category: %w", err)
		}
		list = append(list, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating categories: %w", err)
	}
	return list, nil
}

// DeleteCategory removes a category and clears it from gifticons
func (s *SQLiteDB) DeleteCategory(ctx context.Context, id string) (err error) {
	defer observe("delete_category", time.Now(), &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `UPDATE gifticons SET category_id = NULL WHERE category_id = ?`, id); err != nil {
		return fmt.Errorf("clearing category from gifticons: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting category: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing category deletion: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) queryGifticons(ctx context.Context, query string, args ...any) ([]*Gifticon, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]*Gifticon, 0)
	for rows.Next() {
		g, err := scanGifticon(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning gifticon: %w", err)
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGifticon(row rowScanner) (*Gifticon, error) {
	var (
		g                    Gifticon
		status               string
		categoryID           sql.NullString
		createdAt, updatedAt int64
		usedAt               sql.NullInt64
	)
	err := row.Scan(&g.ID, &g.ImageURI, &g.ImagePath, &g.ContentType, &g.BrandName, &g.ProductName,
		&g.BarcodeValue, &g.ExpiryDate, &g.Fingerprint, &status, &categoryID, &g.SourceAssetID,
		&createdAt, &updatedAt, &usedAt)
	if err != nil {
		return nil, err
	}

	g.Status = Status(status)
	g.CategoryID = categoryID.String
	g.CreatedAt = time.Unix(0, createdAt).UTC()
	g.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if usedAt.Valid {
		t := time.Unix(0, usedAt.Int64).UTC()
		g.UsedAt = &t
	}
	return &g, nil
}

func scanCategory(row rowScanner) (*Category, error) {
	var (
		c         Category
		createdAt int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Icon, &c.Color, &createdAt); err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	return &c, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
