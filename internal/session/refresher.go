package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rewardly/sync-bridge/internal/apierror"
	"github.com/rewardly/sync-bridge/internal/transport"
)

// HTTPRefresher refreshes tokens against the backend's refresh endpoint.
type HTTPRefresher struct {
	adapter  transport.Adapter
	endpoint string
	clock    func() time.Time
}

func NewHTTPRefresher(adapter transport.Adapter, baseURL, refreshPath string) (*HTTPRefresher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	return &HTTPRefresher{
		adapter:  adapter,
		endpoint: base.JoinPath(refreshPath).String(),
		clock:    time.Now,
	}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return Tokens{}, err
	}

	resp, err := r.adapter.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    r.endpoint,
		Body:   body,
	})
	if err != nil {
		return Tokens{}, err
	}
	if !resp.Successful() {
		return Tokens{}, apierror.FromResponse(resp)
	}

	var payload refreshResponse
	if err := resp.Decode(&payload); err != nil {
		return Tokens{}, fmt.Errorf("refresh response: %w", err)
	}

	tokens := Tokens{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
	if tokens.RefreshToken == "" {
		// servers that do not rotate refresh tokens omit it
		tokens.RefreshToken = refreshToken
	}
	if payload.ExpiresIn > 0 {
		tokens.ExpiresAt = r.clock().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}

	return tokens, nil
}
