package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"voxscribe/internal/models"
)

const remoteUserPath = "/auth/v1/user"

// RemoteVerifier asks the identity provider who owns a token.
type RemoteVerifier struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewRemoteVerifier(baseURL, apiKey string, timeout time.Duration) (*RemoteVerifier, error) {
	if baseURL == "" {
		return nil, errors.New("auth provider url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (v *RemoteVerifier) Resolve(ctx context.Context, token string) (models.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+remoteUserPath, nil)
	if err != nil {
		return models.User{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if v.apiKey != "" {
		req.Header.Set("apikey", v.apiKey)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return models.User{}, fmt.Errorf("auth provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.User{}, fmt.Errorf("read auth response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return models.User{}, ErrInvalidToken
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return models.User{}, fmt.Errorf("auth provider returned %d", resp.StatusCode)
	}
	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return models.User{}, fmt.Errorf("%w: provider returned no user id", ErrInvalidToken)
	}
	return models.User{ID: id}, nil
}
