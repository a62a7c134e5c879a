// ============================================================================
// Beaver-Sync TokenManager - OAuth2 client-credentials token cache
// ============================================================================
//
// Package: internal/auth
// File: token_manager.go
// Purpose: Obtains, caches and refreshes the bearer token used by every call
//          to the remote job API.
//
// Exchange:
//   POST {token_url}
//   Authorization: Basic base64(client_id:client_secret)
//   Content-Type: application/x-www-form-urlencoded
//   body: grant_type=client_credentials
//   -> {"access_token": "...", "expires_in": 3600, "token_type": "bearer"}
//
// Cache rules:
//   - A token is served while now < expiry - SafetyMargin (default 5m).
//   - A stale token is refreshed synchronously before Token returns.
//   - Concurrent callers share one in-flight refresh (singleflight).
//   - A caller cancelling its ctx stops waiting but does not abort the
//     shared refresh other callers depend on.
//
// Errors:
//   - network / 429 / 5xx: retried with short exponential backoff
//   - 400 / 401 / 403: AuthError immediately, never retried
//   - client secret never appears in logs or error text
//
// ============================================================================

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/apperror"
	"github.com/ChuLiYu/beaver-sync/internal/clock"
	"github.com/ChuLiYu/beaver-sync/internal/retry"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSafetyMargin   = 5 * time.Minute
	DefaultRefreshTimeout = 2 * time.Minute
	defaultExpiresIn      = 3600
)

var (
	ErrMissingCredentials = errors.New("client id and client secret are required")
	ErrMissingTokenURL    = errors.New("token url is required")
)

// Config TokenManager 配置
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	HTTPClient     *http.Client
	Clock          clock.Clock
	Retry          retry.Policy
	SafetyMargin   time.Duration
	RefreshTimeout time.Duration
	Logger         *slog.Logger

	// OnRefresh is called after every refresh attempt with its outcome.
	OnRefresh func(err error)
}

// Token is an issued bearer token. It is replaced on refresh, never mutated.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

// Usable reports whether the token may still be handed out at now.
func (t *Token) Usable(now time.Time, margin time.Duration) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.Expiry.Add(-margin))
}

// AuthError is a credential or token endpoint failure. It is fatal to the
// operation that needed the token.
type AuthError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *AuthError) Error() string {
	msg := "authentication failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Code() apperror.Code { return apperror.Auth }
func (e *AuthError) Unwrap() error       { return e.Err }

// TokenManager 管理 access token 的取得、快取與刷新
type TokenManager struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger

	mu    sync.RWMutex
	token *Token

	group singleflight.Group
}

// NewTokenManager validates cfg and returns a manager with an empty cache.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.TokenURL == "" {
		return nil, ErrMissingTokenURL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultTransient()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TokenManager{
		cfg:    cfg,
		client: client,
		log:    logger.With("component", "token_manager"),
	}, nil
}

// Token returns a usable access token, refreshing it first when needed.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	ch := m.group.DoChan("token", func() (interface{}, error) {
		// 另一個 goroutine 可能剛完成刷新
		if tok, ok := m.cached(); ok {
			return tok, nil
		}

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
		defer cancel()

		tok, err := m.refresh(refreshCtx)
		if m.cfg.OnRefresh != nil {
			m.cfg.OnRefresh(err)
		}
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token so the next Token call refreshes.
// The API client calls this after a 401 from the job API.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

// Expiry returns the expiry of the cached token, if any.
func (m *TokenManager) Expiry() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return time.Time{}, false
	}
	return m.token.Expiry, true
}

func (m *TokenManager) cached() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token.Usable(m.cfg.Clock.Now(), m.cfg.SafetyMargin) {
		return m.token.AccessToken, true
	}
	return "", false
}

func (m *TokenManager) refresh(ctx context.Context) (*Token, error) {
	m.log.Debug("Refreshing access token")

	var tok *Token
	err := retry.Do(ctx, m.cfg.Clock, m.cfg.Retry, apperror.IsRetryable, func(ctx context.Context, attempt int) error {
		t, err := m.fetch(ctx)
		if err != nil {
			if apperror.IsRetryable(err) {
				m.log.Warn("Token request failed, retrying", "attempt", attempt, "error", err)
			}
			return err
		}
		tok = t
		return nil
	})
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &AuthError{Reason: "token endpoint unavailable", Err: err}
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()

	m.log.Info("Access token acquired", "expires_at", tok.Expiry.Format(time.RFC3339))
	return tok, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (m *TokenManager) fetch(ctx context.Context) (*Token, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{Reason: "invalid token url", Err: err}
	}
	req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := m.cfg.Clock.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperror.New(apperror.Transient, "token request", "").Wrap(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperror.New(apperror.Transient, "token request", "").Wrap(fmt.Errorf("HTTP %d", resp.StatusCode))
	default:
		// 回應內容可能回顯請求參數，僅保留狀態碼
		return nil, &AuthError{StatusCode: resp.StatusCode, Reason: "token request rejected"}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &AuthError{Reason: "malformed token response", Err: err}
	}
	if tr.AccessToken == "" {
		return nil, &AuthError{Reason: "token response has no access_token"}
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = defaultExpiresIn
	}

	return &Token{
		AccessToken: tr.AccessToken,
		Expiry:      issuedAt.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
