package auth

import (
	"context"
	"sync"
	"time"

	"github.com/commercehub/marketplace-connect/pkg/apierr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for token lifecycle.
var (
	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_token_refreshes_total",
		Help: "Total token refresh attempts by outcome",
	}, []string{"outcome"})

	tokenRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketplace_token_refresh_duration_seconds",
		Help:    "Token refresh duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
	})
)

// DefaultExpiryBuffer is how long before ExpiresAt a token is treated as
// expired, so callers never present a token about to lapse mid-request.
const DefaultExpiryBuffer = 5 * time.Minute

// Config holds manager configuration.
type Config struct {
	// ExpiryBuffer is how early before expiry a refresh is triggered.
	// Defaults to DefaultExpiryBuffer.
	ExpiryBuffer time.Duration
}

// Manager owns one provider's credential. Constructed per adapter instance;
// safe for concurrent use. At most one refresh is in flight at any time:
// concurrent callers during a refresh wait for the same pending exchange.
type Manager struct {
	mu     sync.Mutex
	cred   Credential
	source TokenSource
	buffer time.Duration
	group  singleflight.Group
	logger zerolog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewManager creates a credential manager for the given initial credential.
func NewManager(cred Credential, source TokenSource, cfg Config, logger zerolog.Logger) *Manager {
	buffer := cfg.ExpiryBuffer
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}

	return &Manager{
		cred:   cred,
		source: source,
		buffer: buffer,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the manager's clock (for testing).
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// EnsureValidToken returns a usable access token, refreshing first when the
// cached token is absent or inside the expiry buffer. Refresh failures are
// not retried here; retry is the executor's responsibility.
func (m *Manager) EnsureValidToken(ctx context.Context) (Token, error) {
	if tok, ok := m.cachedToken(); ok {
		return tok, nil
	}
	return m.refresh(ctx)
}

// ForceRefresh discards the cached token and performs a refresh. Used by the
// executor after an authentication failure from the provider.
func (m *Manager) ForceRefresh(ctx context.Context) (Token, error) {
	m.Invalidate()
	return m.refresh(ctx)
}

// Invalidate clears the cached access token so the next caller refreshes.
// The refresh token and client credentials are kept.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred.AccessToken = ""
	m.cred.ExpiresAt = time.Time{}
}

// cachedToken returns the cached token when it is present and outside the
// expiry buffer.
func (m *Manager) cachedToken() (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred.AccessToken == "" {
		return Token{}, false
	}
	if !m.now().Before(m.cred.ExpiresAt.Add(-m.buffer)) {
		return Token{}, false
	}
	return Token{AccessToken: m.cred.AccessToken, ExpiresAt: m.cred.ExpiresAt}, true
}

// refresh exchanges the refresh token single-flight. Concurrent callers
// share one underlying exchange instead of issuing duplicates.
func (m *Manager) refresh(ctx context.Context) (Token, error) {
	result, err, shared := m.group.Do("refresh", func() (interface{}, error) {
		// A caller that queued behind a completed refresh can use its result.
		if tok, ok := m.cachedToken(); ok {
			return tok, nil
		}
		return m.doRefresh(ctx)
	})
	if err != nil {
		return Token{}, err
	}

	if shared {
		m.logger.Debug().Msg("Token refresh coalesced with in-flight refresh")
	}

	return result.(Token), nil
}

// doRefresh performs the actual exchange and updates the cached credential.
// On failure the cached access token is cleared so the next caller starts
// from scratch rather than reusing known-bad state.
func (m *Manager) doRefresh(ctx context.Context) (Token, error) {
	m.mu.Lock()
	cred := m.cred
	m.mu.Unlock()

	if cred.RefreshToken == "" && cred.ClientSecret == "" {
		return Token{}, apierr.ErrNoCredential
	}

	start := time.Now()
	result, err := m.source.Refresh(ctx, cred)
	tokenRefreshDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		m.Invalidate()
		tokenRefreshesTotal.WithLabelValues("failure").Inc()
		m.logger.Error().Err(err).Msg("Token refresh failed")
		return Token{}, apierr.Wrap(apierr.KindAuth, err, "token refresh failed")
	}

	m.mu.Lock()
	m.cred.AccessToken = result.AccessToken
	m.cred.ExpiresAt = result.ExpiresAt
	if result.RefreshToken != "" {
		m.cred.RefreshToken = result.RefreshToken
	}
	tok := Token{AccessToken: m.cred.AccessToken, ExpiresAt: m.cred.ExpiresAt}
	m.mu.Unlock()

	tokenRefreshesTotal.WithLabelValues("success").Inc()
	m.logger.Info().
		Time("expires_at", tok.ExpiresAt).
		Msg("Token refreshed")

	return tok, nil
}

// Snapshot returns a copy of the current credential (for signing).
func (m *Manager) Snapshot() Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}
