// Package ratelimit implements per-endpoint-category token buckets for
// marketplace APIs. Local consumption is a best-effort estimate between
// server updates; whenever the provider reports its own rate-limit headers
// the reported values overwrite the local state.
package ratelimit

import (
	"time"
)

// Response headers carrying rate-limit signaling. Providers that use other
// names map them onto these before calling UpdateFromHeaders.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// DefaultWindow is the bucket window assumed before the first server update.
const DefaultWindow = 60 * time.Second

// State is the rate-limit state of one endpoint category.
type State struct {
	// Category is the endpoint category this bucket covers.
	Category string

	// Limit is the bucket capacity for the current window.
	Limit int

	// Remaining is the number of requests left in the window.
	// Never negative.
	Remaining int

	// ResetAt is when the window rolls over and Remaining refills to Limit.
	ResetAt time.Time

	// LastUpdate is when this state last changed, locally or from headers.
	LastUpdate time.Time

	// ServerReported is true once the provider has reported real values for
	// this category. Before that, the state is a local default.
	ServerReported bool
}

// Exhausted reports whether the bucket has no requests left.
func (s *State) Exhausted() bool {
	return s.Remaining <= 0
}

// TimeUntilReset returns the duration until the window rolls over, or 0 if
// the reset time has already passed.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Utilization reports how constrained the bucket is in [0, 1], where 1 means
// fully exhausted. Buckets with an unknown limit report 0.
func (s *State) Utilization() float64 {
	if s.Limit <= 0 {
		return 0
	}
	used := s.Limit - s.Remaining
	if used < 0 {
		used = 0
	}
	return float64(used) / float64(s.Limit)
}
