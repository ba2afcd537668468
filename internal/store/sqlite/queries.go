package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Checkpoint returns every key the dedup index should treat as done: each
// persisted product key plus the key derived from its product URL, so pages
// can be skipped before they are fetched.
func (s *Store) Checkpoint(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.QueryContext(ctx, `SELECT product_key, product_url FROM products ORDER BY product_key`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key, productURL string
		if err := rows.Scan(&key, &productURL); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		keys = append(keys, key)
		if urlKey := crawler.KeyFromURL(productURL); urlKey != key {
			keys = append(keys, urlKey)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint: %w", err)
	}
	return keys, nil
}

// Counts returns the number of stored products and images.
func (s *Store) Counts(ctx context.Context) (products, images int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(ctx)
}

func (s *Store) countLocked(ctx context.Context) (int, int, error) {
	var products, images int
	err := s.conn.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM products), (SELECT COUNT(*) FROM images)`,
	).Scan(&products, &images)
	if err != nil {
		return 0, 0, fmt.Errorf("count rows: %w", err)
	}
	return products, images, nil
}

// Product loads one product by key.
func (s *Store) Product(ctx context.Context, key string) (crawler.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		p                                       crawler.Product
		externalID, name, brand, model          sql.NullString
		category, condition, currency, lastSeen sql.NullString
		data                                    sql.NullString
		price, rating                           sql.NullFloat64
		reviewCount                             sql.NullInt64
	)
	err := s.conn.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE product_key = ?`, key).Scan(
		&p.Key, &externalID, &name, &brand, &model, &category, &condition,
		&price, &currency, &rating, &reviewCount, &p.URL, &lastSeen, &data,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Product{}, fmt.Errorf("product %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return crawler.Product{}, fmt.Errorf("query product: %w", err)
	}

	p.ExternalID = externalID.String
	p.Name = name.String
	p.Brand = brand.String
	p.Model = model.String
	p.Category = category.String
	p.Condition = condition.String
	p.Currency = currency.String
	p.LastSeen = parseTime(lastSeen)
	if price.Valid {
		p.Price = &price.Float64
	}
	if rating.Valid {
		p.Rating = &rating.Float64
	}
	if reviewCount.Valid {
		n := int(reviewCount.Int64)
		p.ReviewCount = &n
	}
	if data.Valid {
		p.Data = json.RawMessage(data.String)
	}
	return p, nil
}

// Images returns a product's image records ordered by position.
func (s *Store) Images(ctx context.Context, productKey string) ([]crawler.ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE product_key = ? ORDER BY position, id`, productKey)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []crawler.ImageRecord
	for rows.Next() {
		var (
			rec                          crawler.ImageRecord
			primary                      int
			localPath, contentType, seen sql.NullString
			width, height                sql.NullInt64
		)
		if err := rows.Scan(
			&rec.ProductKey, &rec.URL, &rec.Position, &primary,
			&localPath, &contentType, &width, &height, &seen,
		); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		rec.IsPrimary = primary != 0
		rec.LocalPath = localPath.String
		rec.ContentType = contentType.String
		rec.Width = int(width.Int64)
		rec.Height = int(height.Int64)
		rec.LastSeen = parseTime(seen)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return out, nil
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
