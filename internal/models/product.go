package models

import "time"

// Product is a canonical catalog row keyed by its normalized SKU.
type Product struct {
	ID            int64     `json:"id"`
	SKU           string    `json:"sku"`
	SKUNormalized string    `json:"sku_normalized"`
	Name          string    `json:"name"`
	Description   *string   `json:"description"`
	PriceCents    *int64    `json:"price_cents"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProductRow is one normalized record bound for a staging area.
// Position is the row's order inside its batch; higher positions win on duplicate SKUs.
type ProductRow struct {
	SKU         string
	Name        string
	Description *string
	PriceCents  *int64
	Position    int
}
