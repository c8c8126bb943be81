package signing

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func testRequest() Request {
	return Request{
		Method: "PUT",
		Path:   "/v1/inventory/SKU-100",
		Query: url.Values{
			"dry_run": []string{"false"},
			"async":   []string{"true"},
		},
		Headers: map[string]string{
			"Host":         "api.nova.example",
			"Content-Type": "application/json",
		},
		Body: []byte(`{"quantity":42}`),
	}
}

func TestSign_Deterministic(t *testing.T) {
	signer := NewSigner("eu-central", "marketplace")
	ts := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	first := signer.Sign(testRequest(), "client-id", "client-secret", ts)
	second := signer.Sign(testRequest(), "client-id", "client-secret", ts)

	if first != second {
		t.Errorf("Sign() not deterministic:\n first: %+v\nsecond: %+v", first, second)
	}
}

func TestSign_Output(t *testing.T) {
	signer := NewSigner("eu-central", "marketplace")
	ts := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	signed := signer.Sign(testRequest(), "client-id", "client-secret", ts)

	if signed.Timestamp != "20260315T103000Z" {
		t.Errorf("Timestamp = %q, want %q", signed.Timestamp, "20260315T103000Z")
	}

	wantPrefix := "NOVA1-HMAC-SHA256 Credential=client-id/20260315/eu-central/marketplace/nova1_request, "
	if !strings.HasPrefix(signed.Authorization, wantPrefix) {
		t.Errorf("Authorization = %q, want prefix %q", signed.Authorization, wantPrefix)
	}

	wantHeaders := "content-type;host;x-nova-content-sha256;x-nova-date"
	if signed.SignedHeaders != wantHeaders {
		t.Errorf("SignedHeaders = %q, want %q", signed.SignedHeaders, wantHeaders)
	}

	if len(signed.ContentHash) != 64 {
		t.Errorf("ContentHash length = %d, want 64 hex chars", len(signed.ContentHash))
	}

	if !strings.Contains(signed.Authorization, "Signature=") {
		t.Errorf("Authorization missing Signature component: %q", signed.Authorization)
	}
}

func TestSign_InputSensitivity(t *testing.T) {
	signer := NewSigner("eu-central", "marketplace")
	ts := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	base := signer.Sign(testRequest(), "client-id", "client-secret", ts)

	tests := []struct {
		name   string
		mutate func() SignedRequest
	}{
		{
			name: "different body",
			mutate: func() SignedRequest {
				req := testRequest()
				req.Body = []byte(`{"quantity":43}`)
				return signer.Sign(req, "client-id", "client-secret", ts)
			},
		},
		{
			name: "different path",
			mutate: func() SignedRequest {
				req := testRequest()
				req.Path = "/v1/inventory/SKU-101"
				return signer.Sign(req, "client-id", "client-secret", ts)
			},
		},
		{
			name: "different query value",
			mutate: func() SignedRequest {
				req := testRequest()
				req.Query = url.Values{"dry_run": []string{"true"}, "async": []string{"true"}}
				return signer.Sign(req, "client-id", "client-secret", ts)
			},
		},
		{
			name: "different secret",
			mutate: func() SignedRequest {
				return signer.Sign(testRequest(), "client-id", "other-secret", ts)
			},
		},
		{
			name: "different timestamp",
			mutate: func() SignedRequest {
				return signer.Sign(testRequest(), "client-id", "client-secret", ts.Add(time.Second))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.mutate(); got.Authorization == base.Authorization {
				t.Errorf("Authorization unchanged for %s", tt.name)
			}
		})
	}
}

func TestSign_HeaderCaseInsensitive(t *testing.T) {
	signer := NewSigner("eu-central", "marketplace")
	ts := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	lower := testRequest()
	lower.Headers = map[string]string{"host": "api.nova.example", "content-type": "application/json"}

	upper := testRequest()

	a := signer.Sign(lower, "client-id", "client-secret", ts)
	b := signer.Sign(upper, "client-id", "client-secret", ts)

	if a.Authorization != b.Authorization {
		t.Errorf("Header casing changed the signature:\n%q\n%q", a.Authorization, b.Authorization)
	}
}

func TestCanonicalQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    url.Values
		expected string
	}{
		{
			name:     "empty",
			query:    nil,
			expected: "",
		},
		{
			name:     "sorted by key",
			query:    url.Values{"b": []string{"2"}, "a": []string{"1"}},
			expected: "a=1&b=2",
		},
		{
			name:     "multiple values sorted",
			query:    url.Values{"sku": []string{"z", "a"}},
			expected: "sku=a&sku=z",
		},
		{
			name:     "values escaped",
			query:    url.Values{"q": []string{"a b"}},
			expected: "q=a+b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canonicalQuery(tt.query); got != tt.expected {
				t.Errorf("canonicalQuery() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{name: "empty", path: "", expected: "/"},
		{name: "missing leading slash", path: "v1/orders", expected: "/v1/orders"},
		{name: "already canonical", path: "/v1/orders", expected: "/v1/orders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canonicalPath(tt.path); got != tt.expected {
				t.Errorf("canonicalPath(%q) = %q, want %q", tt.path, got, tt.expected)
			}
		})
	}
}
