package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/providentiaww/sunrise/internal/models"
)

// Caller runs a provider API call with a valid access token.
type Caller interface {
	CallAuthenticated(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error
}

// Manager keeps the provider credential valid: it starts the PKCE flow, exchanges
// the authorization code, refreshes the pair and retries unauthorized API calls.
type Manager struct {
	cfg        Config
	oauth      *oauth2.Config
	store      CredentialStore
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	// refreshMu serializes refreshes so concurrent 401s rotate the pair once
	refreshMu sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a token lifecycle manager.
func NewManager(cfg Config, store CredentialStore, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	m := &Manager{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		store:      store,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AuthorizationURL starts a new PKCE flow. Any verifier from an earlier,
// unfinished flow is overwritten.
func (m *Manager) AuthorizationURL(ctx context.Context) (string, error) {
	verifier, err := NewCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("generate pkce verifier: %w", err)
	}

	session := &models.PkceSession{CodeVerifier: verifier, CreatedAt: m.now()}
	if err := m.store.SavePKCESession(ctx, session); err != nil {
		return "", fmt.Errorf("persist pkce session: %w", err)
	}

	return m.oauth.AuthCodeURL("",
		oauth2.SetAuthURLParam("code_challenge", CodeChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}

// ExchangeCode trades an authorization code for a token pair. The verifier is
// consumed before the request is sent, so a failed exchange needs a new
// AuthorizationURL.
func (m *Manager) ExchangeCode(ctx context.Context, code string) (*models.TokenPair, error) {
	session, err := m.store.ConsumePKCESession(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pkce session: %w", err)
	}
	if session == nil || session.CodeVerifier == "" {
		return nil, ErrSessionExpired
	}
	if m.cfg.PKCESessionTTL > 0 && m.now().Sub(session.CreatedAt) > m.cfg.PKCESessionTTL {
		return nil, ErrSessionExpired
	}

	tok, err := m.oauth.Exchange(m.tokenContext(ctx), code,
		oauth2.VerifierOption(session.CodeVerifier),
		oauth2.SetAuthURLParam("client_id", m.cfg.ClientID),
	)
	if err != nil {
		return nil, exchangeError("authorization_code", err)
	}

	pair := m.pairFromToken(tok)
	if err := m.store.SaveTokens(ctx, pair); err != nil {
		return nil, fmt.Errorf("persist tokens: %w", err)
	}
	m.logger.Info("stored provider tokens", zap.String("user_id", pair.UserID), zap.Time("expires_at", pair.ExpiresAt))
	return pair, nil
}

// Refresh exchanges the stored refresh token and replaces the stored pair.
func (m *Manager) Refresh(ctx context.Context) (*models.TokenPair, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	current, err := m.loadTokens(ctx)
	if err != nil {
		return nil, err
	}
	return m.refreshLocked(ctx, current)
}

// CallAuthenticated invokes fn with the stored access token. When fn reports
// ErrUnauthorized the pair is refreshed once and fn is retried once; a second
// ErrUnauthorized is returned as ErrAuthenticationExpired.
func (m *Manager) CallAuthenticated(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error {
	pair, err := m.loadTokens(ctx)
	if err != nil {
		return err
	}
	if pair.Expired(m.now()) {
		m.logger.Info("access token expired, refreshing before call")
		if pair, err = m.refreshIfStale(ctx, pair.AccessToken); err != nil {
			return err
		}
	}

	err = fn(ctx, pair.AccessToken)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	m.logger.Info("access token rejected, refreshing")
	refreshed, err := m.refreshIfStale(ctx, pair.AccessToken)
	if err != nil {
		return err
	}

	err = fn(ctx, refreshed.AccessToken)
	if errors.Is(err, ErrUnauthorized) {
		return fmt.Errorf("%w: %w", ErrAuthenticationExpired, err)
	}
	return err
}

// Call is CallAuthenticated for functions that return a value.
func Call[T any](ctx context.Context, c Caller, fn func(ctx context.Context, accessToken string) (T, error)) (T, error) {
	var out T
	err := c.CallAuthenticated(ctx, func(ctx context.Context, accessToken string) error {
		v, err := fn(ctx, accessToken)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Authenticated reports whether a token pair is stored.
func (m *Manager) Authenticated(ctx context.Context) (bool, error) {
	pair, err := m.store.LoadTokens(ctx)
	if err != nil {
		return false, err
	}
	return pair != nil, nil
}

// refreshIfStale refreshes unless another caller already replaced the token
// that was rejected.
func (m *Manager) refreshIfStale(ctx context.Context, rejected string) (*models.TokenPair, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	current, err := m.loadTokens(ctx)
	if err != nil {
		return nil, err
	}
	if current.AccessToken != rejected {
		return current, nil
	}
	return m.refreshLocked(ctx, current)
}

func (m *Manager) refreshLocked(ctx context.Context, current *models.TokenPair) (*models.TokenPair, error) {
	src := m.oauth.TokenSource(m.tokenContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, exchangeError("refresh_token", err)
	}

	pair := m.pairFromToken(tok)
	if pair.RefreshToken == "" {
		pair.RefreshToken = current.RefreshToken
	}
	if err := m.store.SaveTokens(ctx, pair); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}
	m.logger.Info("refreshed provider tokens", zap.Time("expires_at", pair.ExpiresAt))
	return pair, nil
}

func (m *Manager) loadTokens(ctx context.Context) (*models.TokenPair, error) {
	pair, err := m.store.LoadTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	if pair == nil || pair.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}
	return pair, nil
}

func (m *Manager) tokenContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) pairFromToken(tok *oauth2.Token) *models.TokenPair {
	pair := &models.TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
		IssuedAt:     m.now(),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		pair.Scope = scope
	}
	if userID, ok := tok.Extra("user_id").(string); ok {
		pair.UserID = userID
	}

	if pair.ExpiresAt.IsZero() || pair.UserID == "" {
		claims, err := ParseAccessClaims(tok.AccessToken)
		if err != nil {
			m.logger.Debug("access token is not a readable JWT", zap.Error(err))
			return pair
		}
		if pair.ExpiresAt.IsZero() {
			pair.ExpiresAt = claims.Expiry()
		}
		if pair.UserID == "" {
			pair.UserID = claims.Subject
		}
	}
	return pair
}

func exchangeError(grant string, err error) error {
	out := &TokenExchangeError{Grant: grant, Err: err}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		out.Payload = retrieveErr.Body
		out.ErrorCode = retrieveErr.ErrorCode
		if retrieveErr.Response != nil {
			out.StatusCode = retrieveErr.Response.StatusCode
		}
	}
	return out
}
