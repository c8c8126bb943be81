package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for rate-limit tracking.
var (
	rateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketplace_rate_limit_remaining",
		Help: "Requests remaining in the current window by endpoint category",
	}, []string{"category"})

	rateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_rate_limit_waits_total",
		Help: "Total number of consume calls that required waiting, by category",
	}, []string{"category"})

	rateLimitUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_rate_limit_updates_total",
		Help: "Total number of server header updates applied, by category",
	}, []string{"category"})
)

// Config holds limiter configuration.
type Config struct {
	// DefaultLimit is the assumed bucket capacity before the provider
	// reports real values.
	DefaultLimit int

	// PaceRequestsPerSecond smooths request bursts between server updates.
	// Zero disables pacing.
	PaceRequestsPerSecond float64

	// PaceBurst is the pacer burst size. Defaults to DefaultLimit/10, min 1.
	PaceBurst int
}

// DefaultConfig returns a safe default limiter configuration.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:          100,
		PaceRequestsPerSecond: 10,
		PaceBurst:             5,
	}
}

// Limiter tracks one token bucket per endpoint category. It is constructed
// per adapter instance and shared by that adapter's concurrent callers.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*State
	pacers  map[string]*rate.Limiter
	config  Config
	logger  zerolog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter with the given configuration.
func NewLimiter(cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 100
	}
	if cfg.PaceBurst <= 0 {
		cfg.PaceBurst = 1
	}

	return &Limiter{
		buckets: make(map[string]*State),
		pacers:  make(map[string]*rate.Limiter),
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the limiter's clock (for testing).
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Consume takes one token from the category's bucket. It returns 0 when the
// call was admitted (and decrements remaining), otherwise the duration to
// wait before calling again. A positive wait never consumes anything: not a
// bucket token and not a pacer slot. The caller is responsible for sleeping.
func (l *Limiter) Consume(category string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketLocked(category, now)

	// Local window rollover: refill when the reset time has passed.
	if !b.ResetAt.IsZero() && now.After(b.ResetAt) {
		b.Remaining = b.Limit
		b.ResetAt = now.Add(DefaultWindow)
		b.ServerReported = false
	}

	if b.Exhausted() {
		wait := b.TimeUntilReset(now)
		rateLimitWaitsTotal.WithLabelValues(category).Inc()
		l.logger.Warn().
			Str("category", category).
			Dur("wait", wait).
			Time("reset_at", b.ResetAt).
			Msg("Rate limit bucket exhausted")
		return wait
	}

	// Pacing smooths bursts even while tokens remain. A delayed call backs
	// out of its reservation so the retry is not pushed behind phantom slots.
	if pacer := l.pacerLocked(category); pacer != nil {
		r := pacer.ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			rateLimitWaitsTotal.WithLabelValues(category).Inc()
			return delay
		}
	}

	b.Remaining--
	b.LastUpdate = now
	rateLimitRemaining.WithLabelValues(category).Set(float64(b.Remaining))

	return 0
}

// UpdateFromHeaders overwrites the category's bucket from the provider's
// response headers. The server is authoritative: reported values always win
// over the local estimate. Missing headers leave the local state untouched.
func (l *Limiter) UpdateFromHeaders(category string, headers http.Header) {
	limitStr := headers.Get(HeaderLimit)
	remainStr := headers.Get(HeaderRemaining)
	if limitStr == "" && remainStr == "" {
		// Retry-After alone still moves the reset time forward.
		if retryAfter := parseRetryAfter(headers); retryAfter > 0 {
			l.mu.Lock()
			defer l.mu.Unlock()
			now := l.now()
			b := l.bucketLocked(category, now)
			b.Remaining = 0
			b.ResetAt = now.Add(retryAfter)
			b.LastUpdate = now
			b.ServerReported = true
			rateLimitUpdatesTotal.WithLabelValues(category).Inc()
			rateLimitRemaining.WithLabelValues(category).Set(0)
		}
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketLocked(category, now)

	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		b.Limit = limit
	}
	if remain, err := strconv.Atoi(remainStr); err == nil {
		if remain < 0 {
			remain = 0
		}
		b.Remaining = remain
	}
	if resetSeconds, err := strconv.Atoi(headers.Get(HeaderReset)); err == nil && resetSeconds >= 0 {
		b.ResetAt = now.Add(time.Duration(resetSeconds) * time.Second)
	}

	b.LastUpdate = now
	b.ServerReported = true
	rateLimitUpdatesTotal.WithLabelValues(category).Inc()
	rateLimitRemaining.WithLabelValues(category).Set(float64(b.Remaining))

	l.logger.Debug().
		Str("category", category).
		Int("limit", b.Limit).
		Int("remaining", b.Remaining).
		Time("reset_at", b.ResetAt).
		Msg("Rate limit state updated from headers")
}

// Status returns a copy of the most constrained bucket, or ok=false when no
// bucket exists yet. Constraint is measured by utilization, ties broken by
// the earlier reset time.
func (l *Limiter) Status() (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var worst *State
	for _, b := range l.buckets {
		if worst == nil {
			worst = b
			continue
		}
		if b.Utilization() > worst.Utilization() ||
			(b.Utilization() == worst.Utilization() && b.ResetAt.Before(worst.ResetAt)) {
			worst = b
		}
	}

	if worst == nil {
		return State{}, false
	}
	return *worst, true
}

// Snapshot returns a copy of the bucket for one category, or ok=false when
// the category has never been seen.
func (l *Limiter) Snapshot(category string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[category]
	if !ok {
		return State{}, false
	}
	return *b, true
}

// bucketLocked returns the bucket for a category, creating a default one on
// first use. Caller holds the lock.
func (l *Limiter) bucketLocked(category string, now time.Time) *State {
	b, ok := l.buckets[category]
	if !ok {
		b = &State{
			Category:  category,
			Limit:     l.config.DefaultLimit,
			Remaining: l.config.DefaultLimit,
			ResetAt:   now.Add(DefaultWindow),
		}
		l.buckets[category] = b
	}
	return b
}

// pacerLocked returns the pacer for a category, creating it on first use.
// Returns nil when pacing is disabled. Caller holds the lock.
func (l *Limiter) pacerLocked(category string) *rate.Limiter {
	if l.config.PaceRequestsPerSecond <= 0 {
		return nil
	}
	p, ok := l.pacers[category]
	if !ok {
		p = rate.NewLimiter(rate.Limit(l.config.PaceRequestsPerSecond), l.config.PaceBurst)
		l.pacers[category] = p
	}
	return p
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(headers http.Header) time.Duration {
	v := headers.Get(HeaderRetryAfter)
	if v == "" {
		return 0
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
