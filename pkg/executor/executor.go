// Package executor composes the resilient outbound call pipeline shared by
// all marketplace adapters: ensure token -> sign -> consume rate limit ->
// send -> update limiter state, with a retry loop around the whole attempt.
//
// The pipeline is explicit function composition rather than interceptor
// chains, so stage ordering and side effects are auditable. The only shared
// mutable state is the limiter's bucket state and the credential cache.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/commercehub/marketplace-connect/pkg/apierr"
	"github.com/commercehub/marketplace-connect/pkg/auth"
	"github.com/commercehub/marketplace-connect/pkg/cache"
	"github.com/commercehub/marketplace-connect/pkg/ratelimit"
	"github.com/commercehub/marketplace-connect/pkg/retry"
	"github.com/commercehub/marketplace-connect/pkg/signing"
)

// Prometheus metrics for executor operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_requests_total",
		Help: "Total outbound requests by category and status",
	}, []string{"category", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_request_duration_seconds",
		Help:    "Outbound request duration in seconds by category",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"category"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_errors_total",
		Help: "Total outbound errors by kind",
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_retry_exhausted_total",
		Help: "Total calls that exhausted retry attempts, by kind",
	}, []string{"kind"})
)

// Request describes one outbound marketplace call.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte

	// Category selects the rate-limit bucket (e.g. "products", "orders").
	Category string

	// Sign requests HMAC signing in addition to the bearer token. Providers
	// without request signing leave it false.
	Sign bool

	// NoCache bypasses the response cache for this call.
	NoCache bool
}

// Response is the raw decoded provider response. Translation into canonical
// product/order shapes happens outside this layer.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte

	// FromCache is true when the response was served from the cache.
	FromCache bool
}

// Doer abstracts the HTTP transport (satisfied by *http.Client).
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds executor configuration.
type Config struct {
	// BaseURL is the provider API root, e.g. "https://api.nova.example".
	BaseURL string

	// Provider names the marketplace for cache keys and log context.
	Provider string

	// Timeout bounds each outbound attempt.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultConfig returns a safe default executor configuration.
func DefaultConfig(baseURL, provider string) Config {
	return Config{
		BaseURL:   baseURL,
		Provider:  provider,
		Timeout:   30 * time.Second,
		UserAgent: "marketplace-connect/1.0",
	}
}

// Executor wires the credential manager, signer, rate limiter, and retry
// policy around a single outbound call. Constructed per adapter instance.
type Executor struct {
	config     Config
	creds      *auth.Manager
	signer     *signing.Signer
	limiter    *ratelimit.Limiter
	policy     retry.Policy
	httpClient Doer
	respCache  *cache.Store
	logger     zerolog.Logger

	// sleep and now are injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates an executor. signer and respCache may be nil for providers
// without request signing or without a configured cache.
func New(cfg Config, creds *auth.Manager, signer *signing.Signer, limiter *ratelimit.Limiter, policy retry.Policy, logger zerolog.Logger) (*Executor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Provider == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential manager is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}

	return &Executor{
		config:  cfg,
		creds:   creds,
		signer:  signer,
		limiter: limiter,
		policy:  policy,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With().Str("provider", cfg.Provider).Logger(),
		sleep:  sleepCtx,
		now:    time.Now,
	}, nil
}

// SetHTTPClient sets a custom transport (for testing).
func (e *Executor) SetHTTPClient(client Doer) {
	e.httpClient = client
}

// SetCache enables the response cache for GET requests.
func (e *Executor) SetCache(store *cache.Store) {
	e.respCache = store
}

// SetSleep overrides the retry/rate-limit sleep (for testing).
func (e *Executor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}

// Execute performs one logical call with token management, signing, rate
// limiting, and retries. Transient failures are absorbed internally; only
// permanent errors, auth failure after the single forced refresh, and retry
// exhaustion surface to the caller.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	requestID := uuid.NewString()
	logger := e.logger.With().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("path", req.Path).
		Str("category", req.Category).
		Logger()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(req.Category).Observe(time.Since(start).Seconds())
	}()

	if cached := e.cacheLookup(ctx, req, logger); cached != nil {
		return cached, nil
	}

	var (
		lastErr     error
		authRetried bool
	)

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		resp, err := e.attempt(ctx, req, requestID, logger)
		if err == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Request succeeded after retry")
			}
			e.cacheStore(ctx, req, resp, logger)
			return resp, nil
		}

		lastErr = err
		kind := apierr.KindOf(err)
		errorsTotal.WithLabelValues(string(kind)).Inc()

		// Auth: exactly one forced refresh per logical call, then retry
		// immediately. A second 401, or a failed refresh, is fatal.
		if kind == apierr.KindAuth {
			if authRetried {
				logger.Error().Err(err).Msg("Authentication failed after forced refresh")
				return nil, err
			}
			authRetried = true
			if _, refreshErr := e.creds.ForceRefresh(ctx); refreshErr != nil {
				logger.Error().Err(refreshErr).Msg("Forced credential refresh failed")
				return nil, refreshErr
			}
			logger.Warn().Int("attempt", attempt).Msg("Credential refreshed after auth failure")
			continue
		}

		if !e.policy.ShouldRetry(kind, attempt) {
			if kind == apierr.KindPermanent {
				logger.Warn().Err(err).Int("attempt", attempt).Msg("Permanent error, not retrying")
				return nil, err
			}
			break
		}

		delay := e.policy.Delay(kind, attempt, serverWait(err))
		logger.Debug().
			Str("kind", string(kind)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := e.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w: %v", apierr.ErrContextCancelled, err)
		}
	}

	kind := apierr.KindOf(lastErr)
	retryExhaustedTotal.WithLabelValues(string(kind)).Inc()
	logger.Warn().
		Err(lastErr).
		Int("max_attempts", e.policy.MaxAttempts).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %v", apierr.ErrRetryExhausted, e.policy.MaxAttempts, lastErr)
}

// attempt performs one pipeline pass: token -> sign -> rate limit -> send ->
// update limiter.
func (e *Executor) attempt(ctx context.Context, req Request, requestID string, logger zerolog.Logger) (*Response, error) {
	token, err := e.creds.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := e.buildRequest(ctx, req, token, requestID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPermanent, err, "build request")
	}

	// Block until the category bucket has a token. Waiting here rather than
	// failing keeps concurrent batch workers from stampeding the provider.
	for {
		wait := e.limiter.Consume(req.Category)
		if wait <= 0 {
			break
		}
		logger.Debug().Dur("wait", wait).Msg("Waiting for rate limit bucket")
		if err := e.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("%w: %v", apierr.ErrContextCancelled, err)
		}
	}

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, apierr.Wrap(retry.Classify(0, err), err, "transport send")
	}
	defer httpResp.Body.Close()

	// Server-reported limits always win over the local estimate.
	e.limiter.UpdateFromHeaders(req.Category, httpResp.Header)

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransientNetwork, err, "read response body")
	}

	requestsTotal.WithLabelValues(req.Category, strconv.Itoa(httpResp.StatusCode)).Inc()

	if httpResp.StatusCode >= 400 {
		kind := retry.Classify(httpResp.StatusCode, nil)
		return nil, &apierr.APIError{
			Kind:       kind,
			StatusCode: httpResp.StatusCode,
			Message:    httpResp.Status,
			RetryAfter: retryAfterFrom(httpResp.Header),
		}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
	}, nil
}

// buildRequest assembles the outbound http.Request with authorization and,
// when requested, the HMAC signature headers.
func (e *Executor) buildRequest(ctx context.Context, req Request, token auth.Token, requestID string) (*http.Request, error) {
	u := e.config.BaseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("User-Agent", e.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-Id", requestID)
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)

	if req.Sign && e.signer != nil {
		cred := e.creds.Snapshot()
		signed := e.signer.Sign(signing.Request{
			Method:  req.Method,
			Path:    req.Path,
			Query:   req.Query,
			Headers: req.Headers,
			Body:    req.Body,
		}, cred.ClientID, cred.ClientSecret, e.now())

		httpReq.Header.Set("Authorization", signed.Authorization)
		httpReq.Header.Set(signing.HeaderContentHash, signed.ContentHash)
		httpReq.Header.Set(signing.HeaderTimestamp, signed.Timestamp)
	}

	return httpReq, nil
}

// cacheLookup serves idempotent GETs from the response cache when enabled.
func (e *Executor) cacheLookup(ctx context.Context, req Request, logger zerolog.Logger) *Response {
	if e.respCache == nil || req.NoCache || req.Method != http.MethodGet {
		return nil
	}

	entry, err := e.respCache.Get(ctx, cache.Key{
		Provider: e.config.Provider,
		Path:     req.Path,
		Query:    req.Query,
	})
	if err != nil {
		if err != cache.ErrCacheMiss {
			logger.Warn().Err(err).Msg("Response cache get failed")
		}
		return nil
	}

	logger.Debug().Msg("Serving response from cache")
	return &Response{
		StatusCode: entry.StatusCode,
		Headers:    entry.Headers,
		Body:       entry.Body,
		FromCache:  true,
	}
}

// cacheStore records a successful GET response.
func (e *Executor) cacheStore(ctx context.Context, req Request, resp *Response, logger zerolog.Logger) {
	if e.respCache == nil || req.NoCache || req.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
		return
	}

	err := e.respCache.Set(ctx, cache.Key{
		Provider: e.config.Provider,
		Path:     req.Path,
		Query:    req.Query,
	}, &cache.Entry{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		CachedAt:   time.Now(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Response cache set failed")
	}
}

// serverWait extracts the server-reported wait from a rate-limit error.
func serverWait(err error) time.Duration {
	var apiErr *apierr.APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// retryAfterFrom reads a Retry-After header given in seconds.
func retryAfterFrom(headers http.Header) time.Duration {
	v := headers.Get(ratelimit.HeaderRetryAfter)
	if v == "" {
		return 0
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
