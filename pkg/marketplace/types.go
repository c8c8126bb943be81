// Package marketplace defines the capability interface implemented by every
// provider adapter and the shared domain types exchanged with the commerce
// backend. Marketplace-specific field semantics (SKU mapping, price formats)
// are translated inside each adapter; this package only carries the common
// shapes.
package marketplace

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a marketplace listing as the commerce backend sees it.
type Product struct {
	SKU       string          `json:"sku"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	Stock     int             `json:"stock"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OrderItem is one line of a marketplace order.
type OrderItem struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Order is a marketplace order header with its lines.
type Order struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Items    []OrderItem     `json:"items"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`
	PlacedAt time.Time       `json:"placed_at"`
}

// StockUpdate sets the available quantity for one SKU.
type StockUpdate struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// PriceUpdate sets the listing price for one SKU.
type PriceUpdate struct {
	SKU      string          `json:"sku"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
}

// UpdateResult is the provider's acknowledgement for one SKU update.
type UpdateResult struct {
	SKU     string `json:"sku"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ListOrdersParams selects an order page. Providers with numbered pages use
// Page; cursor-based providers use Cursor. PageSize applies to both.
type ListOrdersParams struct {
	Page     int
	Cursor   string
	PageSize int
	Status   string
}

// OrderPage is one page of orders. TotalPages is set by numbered-page
// providers, NextCursor by cursor-based providers ("" when exhausted).
type OrderPage struct {
	Orders     []Order
	Page       int
	TotalPages int
	NextCursor string
}
