// Package sqlite implements the crawl's product store as an in-memory SQLite
// database that is checkpointed to a single file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	// Registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const defaultFlushThreshold = 50

// ErrNotFound is returned by lookups for unknown products.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS products (
	product_key  TEXT PRIMARY KEY,
	product_id   TEXT,
	name         TEXT,
	brand        TEXT,
	model        TEXT,
	category     TEXT,
	condition    TEXT,
	price        REAL,
	currency     TEXT,
	rating       REAL,
	review_count INTEGER,
	product_url  TEXT NOT NULL,
	last_seen    TEXT,
	data_json    TEXT
);
CREATE TABLE IF NOT EXISTS images (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	product_key  TEXT NOT NULL,
	url          TEXT NOT NULL,
	position     INTEGER DEFAULT 0,
	is_primary   INTEGER DEFAULT 0,
	local_path   TEXT,
	content_type TEXT,
	width        INTEGER,
	height       INTEGER,
	last_seen    TEXT,
	UNIQUE(product_key, url)
);
CREATE INDEX IF NOT EXISTS idx_images_product ON images(product_key);
`

const (
	productColumns = `product_key, product_id, name, brand, model, category, condition,
	price, currency, rating, review_count, product_url, last_seen, data_json`
	imageColumns = `product_key, url, position, is_primary, local_path, content_type,
	width, height, last_seen`
)

const upsertProductSQL = `
INSERT INTO products (` + productColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(product_key) DO UPDATE SET
	product_id   = excluded.product_id,
	name         = excluded.name,
	brand        = excluded.brand,
	model        = excluded.model,
	category     = excluded.category,
	condition    = excluded.condition,
	price        = excluded.price,
	currency     = excluded.currency,
	rating       = excluded.rating,
	review_count = excluded.review_count,
	product_url  = excluded.product_url,
	last_seen    = excluded.last_seen,
	data_json    = excluded.data_json`

// Known local files, content types and dimensions are never replaced by
// empty values from a later observation.
const upsertImageSQL = `
INSERT INTO images (` + imageColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(product_key, url) DO UPDATE SET
	position     = excluded.position,
	is_primary   = excluded.is_primary,
	last_seen    = excluded.last_seen,
	local_path   = COALESCE(NULLIF(excluded.local_path, ''), images.local_path),
	content_type = COALESCE(NULLIF(excluded.content_type, ''), images.content_type),
	width        = COALESCE(excluded.width, images.width),
	height       = COALESCE(excluded.height, images.height)`

// Config controls the store.
type Config struct {
	// Path is the database file rewritten on every flush.
	Path string
	// FlushThreshold is the number of pending writes that triggers a
	// non-forced flush.
	FlushThreshold int
	Logger         *zap.Logger
}

// Store implements crawler.ProductStore. All statements run on one dedicated
// connection because the in-memory database exists only on that connection.
type Store struct {
	db        *sql.DB
	conn      *sql.Conn
	path      string
	threshold int
	logger    *zap.Logger

	mu      sync.Mutex
	pending int
	closed  bool
}

// Open creates the in-memory database and loads any existing file at
// cfg.Path into it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = defaultFlushThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("acquire sqlite connection: %w", err)
	}
	s := &Store{
		db:        db,
		conn:      conn,
		path:      cfg.Path,
		threshold: cfg.FlushThreshold,
		logger:    logger,
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		s.closeQuietly()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := s.load(ctx); err != nil {
		s.closeQuietly()
		return nil, err
	}
	return s, nil
}

// load copies the on-disk snapshot, if any, into memory.
func (s *Store) load(ctx context.Context) error {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat store file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("store path %s is a directory", s.path)
	}

	if _, err := s.conn.ExecContext(ctx, `ATTACH DATABASE ? AS disk`, s.path); err != nil {
		return fmt.Errorf("attach store file: %w", err)
	}
	defer func() {
		if _, err := s.conn.ExecContext(context.WithoutCancel(ctx), `DETACH DATABASE disk`); err != nil {
			s.logger.Warn("detach store file failed", zap.Error(err))
		}
	}()

	for _, copyStmt := range []struct{ table, columns string }{
		{"products", productColumns},
		{"images", imageColumns},
	} {
		var n int
		err := s.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM disk.sqlite_master WHERE type = 'table' AND name = ?`, copyStmt.table,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("inspect store file: %w", err)
		}
		if n == 0 {
			continue
		}
		stmt := fmt.Sprintf(`INSERT OR REPLACE INTO main.%[1]s (%[2]s) SELECT %[2]s FROM disk.%[1]s`,
			copyStmt.table, copyStmt.columns)
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("load %s: %w", copyStmt.table, err)
		}
	}

	products, images, err := s.countLocked(ctx)
	if err == nil {
		s.logger.Info("store loaded", zap.String("path", s.path), zap.Int("products", products), zap.Int("images", images))
	}
	return nil
}

// UpsertProduct inserts or updates a product by key.
func (s *Store) UpsertProduct(ctx context.Context, p crawler.Product) error {
	if p.Key == "" || p.URL == "" {
		return fmt.Errorf("%w: product key and url are required", crawler.ErrPersistenceWriteFailed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", crawler.ErrPersistenceWriteFailed)
	}

	var data any
	if len(p.Data) > 0 {
		data = string(p.Data)
	}
	_, err := s.conn.ExecContext(ctx, upsertProductSQL,
		p.Key,
		nullString(p.ExternalID),
		nullString(p.Name),
		nullString(p.Brand),
		nullString(p.Model),
		nullString(p.Category),
		nullString(p.Condition),
		p.Price,
		nullString(p.Currency),
		p.Rating,
		p.ReviewCount,
		p.URL,
		formatTime(p.LastSeen),
		data,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert product %s: %w", crawler.ErrPersistenceWriteFailed, p.Key, err)
	}
	s.pending++
	return nil
}

// UpsertImages writes a product's image records in one transaction. A batch
// carrying a primary image demotes the product's previous primary.
func (s *Store) UpsertImages(ctx context.Context, images []crawler.ImageRecord) error {
	if len(images) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", crawler.ErrPersistenceWriteFailed)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin image tx: %w", crawler.ErrPersistenceWriteFailed, err)
	}
	if err := upsertImagesTx(ctx, tx, images); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %w", crawler.ErrPersistenceWriteFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit image tx: %w", crawler.ErrPersistenceWriteFailed, err)
	}
	s.pending += len(images)
	return nil
}

func upsertImagesTx(ctx context.Context, tx *sql.Tx, images []crawler.ImageRecord) error {
	demoted := map[string]bool{}
	for _, img := range images {
		if img.IsPrimary && !demoted[img.ProductKey] {
			if _, err := tx.ExecContext(ctx,
				`UPDATE images SET is_primary = 0 WHERE product_key = ? AND is_primary = 1`, img.ProductKey,
			); err != nil {
				return fmt.Errorf("demote primary image: %w", err)
			}
			demoted[img.ProductKey] = true
		}
	}

	stmt, err := tx.PrepareContext(ctx, upsertImageSQL)
	if err != nil {
		return fmt.Errorf("prepare image upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, img := range images {
		if img.ProductKey == "" || img.URL == "" {
			return fmt.Errorf("image product key and url are required")
		}
		if _, err := stmt.ExecContext(ctx,
			img.ProductKey,
			img.URL,
			img.Position,
			boolInt(img.IsPrimary),
			nullString(img.LocalPath),
			nullString(img.ContentType),
			nullPositive(img.Width),
			nullPositive(img.Height),
			formatTime(img.LastSeen),
		); err != nil {
			return fmt.Errorf("upsert image %s: %w", img.URL, err)
		}
	}
	return nil
}

// Flush writes the whole database to Path when force is set or the pending
// write count reached the threshold. It reports whether a write happened.
func (s *Store) Flush(ctx context.Context, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, nil
	}
	if !force && s.pending < s.threshold {
		return false, nil
	}
	if err := s.writeSnapshot(ctx); err != nil {
		return false, err
	}
	s.logger.Debug("store flushed", zap.String("path", s.path), zap.Int("writes", s.pending), zap.Bool("forced", force))
	s.pending = 0
	return true, nil
}

// writeSnapshot uses VACUUM INTO a temp file in the destination directory and
// renames it over Path so readers see either the old or the new file.
func (s *Store) writeSnapshot(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: create store dir: %w", crawler.ErrPersistenceWriteFailed, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", crawler.ErrPersistenceWriteFailed, err)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(tmpName); err != nil {
		return fmt.Errorf("%w: reserve temp file: %w", crawler.ErrPersistenceWriteFailed, err)
	}

	if _, err := s.conn.ExecContext(ctx, `VACUUM INTO ?`, tmpName); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: vacuum into %s: %w", crawler.ErrPersistenceWriteFailed, tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: replace store file: %w", crawler.ErrPersistenceWriteFailed, err)
	}
	return nil
}

// Pending returns the number of writes since the last flush.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Close runs a forced flush and releases the database.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	flushErr := s.writeSnapshot(ctx)
	if flushErr == nil {
		s.pending = 0
	}
	s.closed = true
	closeErr := errors.Join(s.conn.Close(), s.db.Close())
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("close sqlite: %w", closeErr)
	}
	return nil
}

func (s *Store) closeQuietly() {
	_ = s.conn.Close()
	_ = s.db.Close()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// nullPositive stores unknown dimensions as NULL.
func nullPositive(v int) any {
	if v <= 0 {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
