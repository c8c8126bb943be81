// Package auth manages OAuth-style marketplace credentials: token caching,
// proactive refresh before expiry, and single-flight coalescing of
// concurrent refreshes.
package auth

import (
	"context"
	"time"
)

// Credential holds one provider's credential set. It is supplied by the
// caller at adapter construction and mutated only by the Manager; refreshed
// tokens are not persisted across process restarts by this layer.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	ExpiresAt    time.Time
}

// Token is the access token handed to callers.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// RefreshResult is what a token source returns from a successful exchange.
// RefreshToken may be empty when the provider does not rotate refresh tokens.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenSource exchanges a refresh token for a new access token. The network
// call behind it is the provider's OAuth token endpoint.
type TokenSource interface {
	Refresh(ctx context.Context, cred Credential) (RefreshResult, error)
}

// TokenSourceFunc adapts a function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context, cred Credential) (RefreshResult, error)

// Refresh implements TokenSource.
func (f TokenSourceFunc) Refresh(ctx context.Context, cred Credential) (RefreshResult, error) {
	return f(ctx, cred)
}
