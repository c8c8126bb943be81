package zephyr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/commercehub/marketplace-connect/pkg/auth"
)

// tokenSource exchanges refresh tokens at the Zephyr auth endpoint, which
// speaks JSON rather than form encoding.
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

type zephyrTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Refresh implements auth.TokenSource. Zephyr does not rotate refresh
// tokens, so RefreshToken stays empty in the result.
func (s *tokenSource) Refresh(ctx context.Context, cred auth.Credential) (auth.RefreshResult, error) {
	payload, err := json.Marshal(map[string]string{
		"refresh_token": cred.RefreshToken,
		"client_id":     cred.ClientID,
	})
	if err != nil {
		return auth.RefreshResult{}, fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return auth.RefreshResult{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

	var wire zephyrTokenResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return auth.RefreshResult{}, fmt.Errorf("decode token response: %w", err)
	}
	if wire.Token == "" {
		return auth.RefreshResult{}, fmt.Errorf("token endpoint returned empty token")
	}

	return auth.RefreshResult{
		AccessToken: wire.Token,
		ExpiresAt:   time.Unix(wire.ExpiresAt, 0),
	}, nil
}
