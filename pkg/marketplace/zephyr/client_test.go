package zephyr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/commercehub/marketplace-connect/internal/testutil"
	"github.com/commercehub/marketplace-connect/pkg/auth"
	"github.com/commercehub/marketplace-connect/pkg/marketplace"
)

func newTestClient(t *testing.T) (*Client, *testutil.MockMarketplace) {
	t.Helper()

	mock := testutil.NewMockMarketplace()
	t.Cleanup(mock.Close)

	cfg := DefaultConfig(mock.URL(), auth.Credential{
		AccessToken:  "seed-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	client, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	client.Executor().SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	return client, mock
}

func TestGetProduct(t *testing.T) {
	client, mock := newTestClient(t)
	mock.HandleResponse("/api/products/SKU-1", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"sku":"SKU-1","name":"Widget","price_cents":1999,"currency":"EUR","available":42,"modified_at":1773568800}`,
	})

	product, err := client.GetProduct(context.Background(), "SKU-1")
	if err != nil {
		t.Fatalf("GetProduct() error: %v", err)
	}

	if product.SKU != "SKU-1" || product.Title != "Widget" {
		t.Errorf("product = %+v", product)
	}
	if !product.Price.Equal(decimal.RequireFromString("19.99")) {
		t.Errorf("Price = %s, want 19.99 from 1999 cents", product.Price)
	}
	if product.Stock != 42 {
		t.Errorf("Stock = %d, want 42", product.Stock)
	}
	if product.UpdatedAt != time.Unix(1773568800, 0).UTC() {
		t.Errorf("UpdatedAt = %v", product.UpdatedAt)
	}
}

func TestGetProduct_BearerOnly(t *testing.T) {
	client, mock := newTestClient(t)
	mock.HandleResponse("/api/products/SKU-1", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"sku":"SKU-1"}`,
	})

	if _, err := client.GetProduct(context.Background(), "SKU-1"); err != nil {
		t.Fatalf("GetProduct() error: %v", err)
	}

	if got := mock.LastHeader.Get("Authorization"); got != "Bearer seed-token" {
		t.Errorf("Authorization = %q, Zephyr calls carry the bearer token only", got)
	}
}

func TestListOrders_CursorPagination(t *testing.T) {
	client, mock := newTestClient(t)

	var query map[string][]string
	mock.Handle("/api/orders", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		io.WriteString(w, `{
			"orders": [
				{
					"id": "Z-100",
					"state": "open",
					"items": [{"sku": "SKU-1", "count": 3, "unit_price_cents": 950}],
					"total_cents": 2850,
					"currency": "EUR",
					"created_at": 1773568800
				}
			],
			"next_cursor": "b3JkZXItMTAx"
		}`)
	})

	page, err := client.ListOrders(context.Background(), marketplace.ListOrdersParams{
		Cursor:   "b3JkZXItMTAw",
		PageSize: 25,
		Status:   "open",
	})
	if err != nil {
		t.Fatalf("ListOrders() error: %v", err)
	}

	if query["limit"][0] != "25" || query["cursor"][0] != "b3JkZXItMTAw" || query["state"][0] != "open" {
		t.Errorf("query = %v", query)
	}

	if page.NextCursor != "b3JkZXItMTAx" {
		t.Errorf("NextCursor = %q", page.NextCursor)
	}
	if len(page.Orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(page.Orders))
	}

	order := page.Orders[0]
	if order.ID != "Z-100" || order.Status != "open" {
		t.Errorf("order = %+v", order)
	}
	if !order.Total.Equal(decimal.RequireFromString("28.50")) {
		t.Errorf("Total = %s, want 28.50 from 2850 cents", order.Total)
	}
	if !order.Items[0].UnitPrice.Equal(decimal.RequireFromString("9.50")) {
		t.Errorf("UnitPrice = %s, want 9.50", order.Items[0].UnitPrice)
	}
}

func TestListOrders_FirstPageOmitsCursor(t *testing.T) {
	client, mock := newTestClient(t)

	var query map[string][]string
	mock.Handle("/api/orders", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		io.WriteString(w, `{"orders": [], "next_cursor": ""}`)
	})

	if _, err := client.ListOrders(context.Background(), marketplace.ListOrdersParams{}); err != nil {
		t.Fatalf("ListOrders() error: %v", err)
	}

	if _, present := query["cursor"]; present {
		t.Errorf("query = %v, first page must not send a cursor", query)
	}
	if query["limit"][0] != "50" {
		t.Errorf("limit = %v, want default 50", query["limit"])
	}
}

func TestUpdatePrice_SendsCents(t *testing.T) {
	client, mock := newTestClient(t)

	var body []byte
	mock.Handle("/api/prices", func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"sku": "SKU-1", "result": "ok", "detail": ""}`)
	})

	result, err := client.UpdatePrice(context.Background(), marketplace.PriceUpdate{
		SKU:      "SKU-1",
		Price:    decimal.RequireFromString("19.99"),
		Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("UpdatePrice() error: %v", err)
	}

	var sent struct {
		SKU        string `json:"sku"`
		PriceCents int64  `json:"price_cents"`
		Currency   string `json:"currency"`
	}
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("request body = %s: %v", body, err)
	}
	if sent.PriceCents != 1999 {
		t.Errorf("price_cents = %d, want 1999", sent.PriceCents)
	}
	if result.Status != "ok" {
		t.Errorf("result = %+v", result)
	}
}

func TestUpdateStock(t *testing.T) {
	client, mock := newTestClient(t)

	var method string
	var body []byte
	mock.Handle("/api/stock", func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		body, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"sku": "SKU-1", "result": "ok", "detail": ""}`)
	})

	result, err := client.UpdateStock(context.Background(), marketplace.StockUpdate{SKU: "SKU-1", Quantity: 7})
	if err != nil {
		t.Fatalf("UpdateStock() error: %v", err)
	}

	if method != http.MethodPost {
		t.Errorf("method = %q, want POST", method)
	}
	var sent struct {
		SKU       string `json:"sku"`
		Available int    `json:"available"`
	}
	if err := json.Unmarshal(body, &sent); err != nil || sent.SKU != "SKU-1" || sent.Available != 7 {
		t.Errorf("request body = %s", body)
	}
	if result.SKU != "SKU-1" || result.Status != "ok" {
		t.Errorf("result = %+v", result)
	}
}

func TestBulkUpdateStock_PerItemCalls(t *testing.T) {
	client, mock := newTestClient(t)

	var calls int
	mock.Handle("/api/stock", func(w http.ResponseWriter, r *http.Request) {
		calls++
		var sent struct {
			SKU string `json:"sku"`
		}
		json.NewDecoder(r.Body).Decode(&sent)
		if sent.SKU == "SKU-002" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		io.WriteString(w, `{"sku": "`+sent.SKU+`", "result": "ok"}`)
	})

	updates := []marketplace.StockUpdate{
		{SKU: "SKU-001", Quantity: 1},
		{SKU: "SKU-002", Quantity: 2},
		{SKU: "SKU-003", Quantity: 3},
	}

	report := client.BulkUpdateStock(context.Background(), updates)

	// No batch endpoint: one call per item.
	if calls != 3 {
		t.Errorf("calls = %d, want one per item", calls)
	}
	if report.FailedCount != 1 {
		t.Fatalf("FailedCount = %d, want 1: %+v", report.FailedCount, report.Failed)
	}
	if report.Failed[0].Item.SKU != "SKU-002" {
		t.Errorf("failed item = %+v, want SKU-002", report.Failed[0])
	}
	if len(report.Successful) != 2 {
		t.Errorf("successful = %d, want 2", len(report.Successful))
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}, zerolog.Nop()); err == nil {
		t.Error("New() should reject a missing base URL")
	}
	if _, err := New(Config{BaseURL: "http://x"}, zerolog.Nop()); err == nil {
		t.Error("New() should reject a missing refresh token")
	}
}

func TestProvider(t *testing.T) {
	client, _ := newTestClient(t)
	if client.Provider() != "zephyr" {
		t.Errorf("Provider() = %q", client.Provider())
	}
}
