package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestKey_String(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		expected string
	}{
		{
			name:     "no query",
			key:      Key{Provider: "nova", Path: "/v1/orders"},
			expected: "mkt:nova:v1/orders",
		},
		{
			name: "query sorted by name",
			key: Key{
				Provider: "nova",
				Path:     "/v1/orders",
				Query:    url.Values{"page": []string{"2"}, "per_page": []string{"50"}},
			},
			expected: "mkt:nova:v1/orders:page=2:per_page=50",
		},
		{
			name: "multiple values joined",
			key: Key{
				Provider: "zephyr",
				Path:     "/api/catalog",
				Query:    url.Values{"sku": []string{"A", "B"}},
			},
			expected: "mkt:zephyr:api/catalog:sku=A,B",
		},
		{
			name:     "path slashes trimmed",
			key:      Key{Provider: "nova", Path: "v1/products/"},
			expected: "mkt:nova:v1/products",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.expected {
				t.Errorf("Key.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestKey_String_Deterministic(t *testing.T) {
	key := Key{
		Provider: "nova",
		Path:     "/v1/orders",
		Query:    url.Values{"c": []string{"3"}, "a": []string{"1"}, "b": []string{"2"}},
	}

	first := key.String()
	for i := 0; i < 50; i++ {
		if got := key.String(); got != first {
			t.Fatalf("Key.String() unstable: %q then %q", first, got)
		}
	}
}

// setupRedis connects to a local Redis or skips the test.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at localhost:6379: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestStore_RoundTrip(t *testing.T) {
	client := setupRedis(t)
	store := NewStore(client, time.Minute)
	ctx := context.Background()

	key := Key{Provider: "nova", Path: "/v1/products/SKU-1"}
	entry := &Entry{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"sku":"SKU-1"}`),
		CachedAt:   time.Now().UTC(),
	}

	if err := store.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", got.StatusCode)
	}
	if string(got.Body) != `{"sku":"SKU-1"}` {
		t.Errorf("Body = %q", got.Body)
	}
	if got.Headers.Get("Content-Type") != "application/json" {
		t.Errorf("Headers = %v", got.Headers)
	}
}

func TestStore_Miss(t *testing.T) {
	client := setupRedis(t)
	store := NewStore(client, time.Minute)

	_, err := store.Get(context.Background(), Key{Provider: "nova", Path: "/v1/unknown"})
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	client := setupRedis(t)
	store := NewStore(client, 50*time.Millisecond)
	ctx := context.Background()

	key := Key{Provider: "nova", Path: "/v1/orders"}
	if err := store.Set(ctx, key, &Entry{StatusCode: 200, Body: []byte(`{}`)}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if _, err := store.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after TTL error = %v, want ErrCacheMiss", err)
	}
}

func TestStore_Delete(t *testing.T) {
	client := setupRedis(t)
	store := NewStore(client, time.Minute)
	ctx := context.Background()

	key := Key{Provider: "nova", Path: "/v1/orders"}
	if err := store.Set(ctx, key, &Entry{StatusCode: 200, Body: []byte(`{}`)}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	if _, err := store.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after delete error = %v, want ErrCacheMiss", err)
	}
}

func TestStore_CorruptEntry(t *testing.T) {
	client := setupRedis(t)
	store := NewStore(client, time.Minute)
	ctx := context.Background()

	key := Key{Provider: "nova", Path: "/v1/orders"}
	if err := client.Set(ctx, key.String(), "not json", time.Minute).Err(); err != nil {
		t.Fatalf("raw set error: %v", err)
	}

	if _, err := store.Get(ctx, key); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get() error = %v, want ErrInvalidEntry", err)
	}
}
