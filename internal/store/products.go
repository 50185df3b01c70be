package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"catalog-ingest/internal/models"
)

const productColumns = `id, sku, sku_normalized, name, description, price_cents, active, created_at, updated_at`

// ProductInput carries the writable fields of a product.
type ProductInput struct {
	SKU         string
	Name        string
	Description *string
	PriceCents  *int64
	Active      bool
}

// ProductFilter narrows ListProducts. Page is 1-based.
type ProductFilter struct {
	Query   string
	SKU     string
	Active  *bool
	Page    int
	PerPage int
}

// ListProducts returns one page of products, newest first, and the total number of matches.
func (s *Store) ListProducts(ctx context.Context, f ProductFilter) ([]models.Product, int64, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SKU != "" {
		where = append(where, "sku_normalized = "+arg(normalizeSKU(f.SKU)))
	}
	if f.Query != "" {
		p := arg("%" + f.Query + "%")
		where = append(where, "(name ILIKE "+p+" OR description ILIKE "+p+")")
	}
	if f.Active != nil {
		where = append(where, "active = "+arg(*f.Active))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	if f.Page < 1 {
		f.Page = 1
	}
	limit := arg(f.PerPage)
	offset := arg((f.Page - 1) * f.PerPage)
	rows, err := s.pool.Query(ctx, `SELECT `+productColumns+` FROM products`+clause+
		` ORDER BY id DESC LIMIT `+limit+` OFFSET `+offset, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	items := make([]models.Product, 0, f.PerPage)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan product: %w", err)
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// GetProduct fetches a product by id.
func (s *Store) GetProduct(ctx context.Context, id int64) (models.Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Product{}, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Product{}, fmt.Errorf("scan product: %w", err)
	}
	return p, nil
}

// UpsertProduct inserts or overwrites the product with the same normalized SKU in one statement.
func (s *Store) UpsertProduct(ctx context.Context, in ProductInput) (models.Product, error) {
	sku := strings.TrimSpace(in.SKU)
	p, err := scanProduct(s.pool.QueryRow(ctx, `
		INSERT INTO products (sku, sku_normalized, name, description, price_cents, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (sku_normalized) DO UPDATE
		SET sku = EXCLUDED.sku,
		    name = EXCLUDED.name,
		    description = EXCLUDED.description,
		    price_cents = EXCLUDED.price_cents,
		    active = EXCLUDED.active,
		    updated_at = NOW()
		RETURNING `+productColumns,
		sku, normalizeSKU(sku), in.Name, in.Description, in.PriceCents, in.Active))
	if err != nil {
		return models.Product{}, fmt.Errorf("upsert product: %w", err)
	}
	return p, nil
}

// UpdateProduct overwrites a product by id. Renaming onto another product's SKU yields ErrConflict.
func (s *Store) UpdateProduct(ctx context.Context, id int64, in ProductInput) (models.Product, error) {
	sku := strings.TrimSpace(in.SKU)
	p, err := scanProduct(s.pool.QueryRow(ctx, `
		UPDATE products
		SET sku = $2, sku_normalized = $3, name = $4, description = $5, price_cents = $6, active = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING `+productColumns,
		id, sku, normalizeSKU(sku), in.Name, in.Description, in.PriceCents, in.Active))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return models.Product{}, fmt.Errorf("product %d: %w", id, ErrNotFound)
	case isUniqueViolation(err):
		return models.Product{}, fmt.Errorf("sku %q: %w", sku, ErrConflict)
	case err != nil:
		return models.Product{}, fmt.Errorf("update product: %w", err)
	}
	return p, nil
}

// DeleteProduct removes a product by id.
func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAllProducts empties the catalog and reports how many rows went.
func (s *Store) DeleteAllProducts(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM products`)
	if err != nil {
		return 0, fmt.Errorf("delete products: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountProducts returns the total and active product counts.
func (s *Store) CountProducts(ctx context.Context) (total, active int64, err error) {
	err = s.pool.QueryRow(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE active) FROM products`).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("count products: %w", err)
	}
	return total, active, nil
}

func normalizeSKU(sku string) string {
	return strings.ToLower(strings.TrimSpace(sku))
}

func scanProduct(row pgx.Row) (models.Product, error) {
	var p models.Product
	var desc pgtype.Text
	var price pgtype.Int8
	if err := row.Scan(&p.ID, &p.SKU, &p.SKUNormalized, &p.Name, &desc, &price, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Product{}, err
	}
	p.Description = textPtr(desc)
	if price.Valid {
		p.PriceCents = &price.Int64
	}
	return p, nil
}
