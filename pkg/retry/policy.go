// Package retry implements error classification and backoff computation for
// outbound marketplace calls. The policy is pure: the retry decision is a
// function of (classification, attempt), and jitter comes from an injectable
// source so tests are deterministic.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/commercehub/marketplace-connect/pkg/apierr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry decisions.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})
)

// Policy holds the retry configuration for one logical call.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// BaseDelay is the backoff for the first retry before jitter.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// Jitter returns a value in [0, 1). Defaults to math/rand when nil.
	Jitter func() float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Classify maps an HTTP status or transport error to an error kind.
// A non-nil transport error always wins over the status code.
func Classify(statusCode int, err error) apierr.Kind {
	if err != nil {
		return apierr.KindTransientNetwork
	}

	switch {
	case statusCode == 401:
		return apierr.KindAuth
	case statusCode == 429:
		return apierr.KindRateLimited
	case statusCode >= 500:
		return apierr.KindTransientServer
	case statusCode >= 400:
		return apierr.KindPermanent
	default:
		return ""
	}
}

// ShouldRetry reports whether another attempt is allowed for the given
// classification. Attempt is 1-based: attempt 1 is the initial request.
// Auth errors are not retried here; the executor performs its single forced
// refresh before consulting the policy again.
func (p Policy) ShouldRetry(kind apierr.Kind, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}

	switch kind {
	case apierr.KindRateLimited, apierr.KindTransientServer, apierr.KindTransientNetwork:
		return true
	default:
		return false
	}
}

// Delay computes the wait before the next attempt. For rate-limited errors a
// positive server-reported wait takes precedence over computed backoff.
// Attempt is 1-based, so the first retry uses BaseDelay.
func (p Policy) Delay(kind apierr.Kind, attempt int, serverWait time.Duration) time.Duration {
	if kind == apierr.KindRateLimited && serverWait > 0 {
		retriesTotal.WithLabelValues(string(kind)).Inc()
		retryBackoffSeconds.WithLabelValues(string(kind)).Observe(serverWait.Seconds())
		return serverWait
	}

	jitterFn := p.Jitter
	if jitterFn == nil {
		jitterFn = rand.Float64
	}

	// delay = baseDelay * 2^(attempt-1) * jitter, jitter in [0.8, 1.2)
	exp := math.Pow(2, float64(attempt-1))
	jitter := 0.8 + jitterFn()*0.4
	delay := time.Duration(float64(p.BaseDelay) * exp * jitter)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	retriesTotal.WithLabelValues(string(kind)).Inc()
	retryBackoffSeconds.WithLabelValues(string(kind)).Observe(delay.Seconds())

	return delay
}
