// Package metrics documents the Prometheus metrics exposed by the
// marketplace client layer. Metrics are defined in their owning packages
// (executor, retry, ratelimit, auth, batch, cache) via promauto to keep the
// packages independent; this package is the reference for all of them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the client layer.
// All metrics register automatically via promauto in their owning packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Reference
//
// Request metrics (pkg/executor):
//   - marketplace_requests_total{category, status} (Counter)
//   - marketplace_request_duration_seconds{category} (Histogram)
//   - marketplace_errors_total{kind} (Counter)
//   - marketplace_retry_exhausted_total{kind} (Counter)
//
// Retry metrics (pkg/retry):
//   - marketplace_retries_total{kind} (Counter)
//   - marketplace_retry_backoff_seconds{kind} (Histogram)
//
// Rate limit metrics (pkg/ratelimit):
//   - marketplace_rate_limit_remaining{category} (Gauge)
//   - marketplace_rate_limit_waits_total{category} (Counter)
//   - marketplace_rate_limit_updates_total{category} (Counter)
//
// Token metrics (pkg/auth):
//   - marketplace_token_refreshes_total{outcome} (Counter)
//   - marketplace_token_refresh_duration_seconds (Histogram)
//
// Batch metrics (pkg/batch):
//   - marketplace_batch_chunks_total{outcome} (Counter)
//   - marketplace_batch_items_total{outcome} (Counter)
//   - marketplace_batch_duration_seconds (Histogram)
//
// Cache metrics (pkg/cache):
//   - marketplace_cache_hits_total (Counter)
//   - marketplace_cache_misses_total (Counter)
//   - marketplace_cache_errors_total{operation} (Counter)
//
// Example queries:
//
//   # Error rate by kind
//   rate(marketplace_errors_total[5m])
//
//   # P95 outbound latency per category
//   histogram_quantile(0.95, rate(marketplace_request_duration_seconds_bucket[5m]))
//
//   # Most constrained bucket approaching exhaustion
//   marketplace_rate_limit_remaining < 10
//
//   # Batch failure ratio
//   rate(marketplace_batch_items_total{outcome="failure"}[15m]) /
//   rate(marketplace_batch_items_total[15m])
