package nova

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/commercehub/marketplace-connect/pkg/auth"
)

// tokenSource exchanges refresh tokens at the Nova OAuth endpoint. It uses
// its own plain HTTP client: the token endpoint sits outside the signed,
// rate-limited request pipeline.
type tokenSource struct {
	baseURL    string
	httpClient *http.Client
}

func newTokenSource(baseURL string, timeout time.Duration) auth.TokenSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &tokenSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type novaTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Refresh implements auth.TokenSource.
func (s *tokenSource) Refresh(ctx context.Context, cred auth.Credential) (auth.RefreshResult, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", cred.ClientID)
	form.Set("client_secret", cred.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return auth.RefreshResult{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return auth.RefreshResult{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return auth.RefreshResult{}, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return auth.RefreshResult{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wire novaTokenResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return auth.RefreshResult{}, fmt.Errorf("decode token response: %w", err)
	}
	if wire.AccessToken == "" {
		return auth.RefreshResult{}, fmt.Errorf("token endpoint returned empty access token")
	}

	return auth.RefreshResult{
		AccessToken:  wire.AccessToken,
		RefreshToken: wire.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(wire.ExpiresIn) * time.Second),
	}, nil
}
