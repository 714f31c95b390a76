package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/config"
	"bitbucket.org/mmdatafocus/ledger_export_backend/models"
	"github.com/sirupsen/logrus"
)

// TokenSource yields a valid OAuth2 access token for one business's ledger
// connection. Refresh exchanges happen lazily; access tokens live in an
// explicit keyed cache with TTL rather than process-local state, so every
// replica sees the same token.
type TokenSource interface {
	AccessToken(ctx context.Context, businessId string) (string, error)
	// Refresh forces a refresh exchange, returning the new access token.
	Refresh(ctx context.Context, businessId string) (string, error)
}

type oauthConfig struct {
	provider     string
	tokenURL     string
	clientId     string
	clientSecret string
}

type oauthTokenSource struct {
	cfg    oauthConfig
	conns  *models.LedgerConnectionStore
	http   *http.Client
	logger *logrus.Logger
}

func newOAuthTokenSource(cfg oauthConfig, conns *models.LedgerConnectionStore, logger *logrus.Logger) *oauthTokenSource {
	return &oauthTokenSource{
		cfg:    cfg,
		conns:  conns,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func tokenCacheKey(provider, businessId string) string {
	return fmt.Sprintf("ledger_token:%s:%s", provider, businessId)
}

func (s *oauthTokenSource) AccessToken(ctx context.Context, businessId string) (string, error) {
	token, found, err := config.GetRedisValue(tokenCacheKey(s.cfg.provider, businessId))
	if err != nil {
		return "", err
	}
	if found && token != "" {
		return token, nil
	}
	return s.Refresh(ctx, businessId)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (s *oauthTokenSource) Refresh(ctx context.Context, businessId string) (string, error) {
	conn, err := s.conns.Get(ctx, businessId, s.cfg.provider)
	if err != nil {
		return "", fmt.Errorf("ledger connection lookup: %w", err)
	}
	if conn.Status != models.ConnectionStatusConnected {
		return "", errors.New("ledger connection is not connected")
	}
	if s.cfg.tokenURL == "" {
		return "", errors.New("LEDGER_OAUTH_TOKEN_URL is not configured")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", conn.RefreshSecretRef)
	form.Set("client_id", s.cfg.clientId)
	form.Set("client_secret", s.cfg.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Body may echo credentials; report only the status. Also drop any
		// cached access token from the now-rejected grant so callers stop
		// reusing it.
		_ = config.RemoveRedisKey(tokenCacheKey(s.cfg.provider, businessId))
		_ = s.conns.UpdateStatus(ctx, conn.ID, models.ConnectionStatusError)
		return "", &APIError{Kind: ErrUnauthorized, Status: resp.StatusCode, Message: "token refresh rejected"}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if parsed.AccessToken == "" {
		return "", errors.New("token refresh returned empty access token")
	}

	ttl := time.Duration(parsed.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 25 * time.Minute
	}
	// Expire the cache slightly early so a cached token is never already dead.
	if ttl > 2*time.Minute {
		ttl -= time.Minute
	}
	if err := config.SetRedisValue(tokenCacheKey(s.cfg.provider, businessId), parsed.AccessToken, ttl); err != nil {
		config.LogError(s.logger, "ledger", "Refresh", "cache access token", nil, err)
	}

	if parsed.RefreshToken != "" && parsed.RefreshToken != conn.RefreshSecretRef {
		if err := s.conns.UpdateRefreshSecret(ctx, conn.ID, parsed.RefreshToken); err != nil {
			return "", fmt.Errorf("persist rotated refresh token: %w", err)
		}
	}

	return parsed.AccessToken, nil
}
