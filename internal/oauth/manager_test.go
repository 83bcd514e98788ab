package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/providentiaww/sunrise/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	tokens  *models.TokenPair
	session *models.PkceSession
	saves   int
}

func (s *memStore) LoadTokens(ctx context.Context) (*models.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil {
		return nil, nil
	}
	cp := *s.tokens
	return &cp, nil
}

func (s *memStore) SaveTokens(ctx context.Context, pair *models.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pair
	s.tokens = &cp
	s.saves++
	return nil
}

func (s *memStore) SavePKCESession(ctx context.Context, session *models.PkceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.session = &cp
	return nil
}

func (s *memStore) ConsumePKCESession(ctx context.Context) (*models.PkceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.session
	s.session = nil
	return session, nil
}

type tokenServer struct {
	*httptest.Server
	refreshes atomic.Int32
	exchanges atomic.Int32
	failWith  int
	lastForm  url.Values
	lastAuth  string
	mu        sync.Mutex
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		ts.mu.Lock()
		ts.lastForm = r.PostForm
		ts.lastAuth = r.Header.Get("Authorization")
		failWith := ts.failWith
		ts.mu.Unlock()

		if failWith != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(failWith)
			_, _ = w.Write([]byte(`{"errors":[{"errorType":"invalid_grant","message":"Authorization code invalid"}],"success":false}`))
			return
		}

		var access, refresh string
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			n := ts.exchanges.Add(1)
			access, refresh = "access-"+itoa(n), "refresh-"+itoa(n)
		case "refresh_token":
			n := ts.refreshes.Add(1)
			access, refresh = "refreshed-"+itoa(n), "rotated-"+itoa(n)
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"token_type":    "Bearer",
			"expires_in":    28800,
			"scope":         "sleep heartrate",
			"user_id":       "ABC123",
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) form() url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lastForm
}

func (ts *tokenServer) authorization() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lastAuth
}

func itoa(n int32) string {
	return strconv.Itoa(int(n))
}

func testManager(t *testing.T, ts *tokenServer, store CredentialStore) *Manager {
	t.Helper()
	cfg := Config{
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
		RedirectURL:    "http://localhost:5000/auth/callback",
		Scopes:         []string{"sleep", "heartrate"},
		AuthURL:        "https://provider.example/oauth2/authorize",
		TokenURL:       ts.URL,
		PKCESessionTTL: 10 * time.Minute,
	}
	return NewManager(cfg, store, nil, WithHTTPClient(ts.Client()))
}

func TestCodeChallengeMatchesS256(t *testing.T) {
	verifier, err := NewCodeVerifier()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(verifier), 43)
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(verifier), CodeChallenge(verifier))
}

func TestAuthorizationURL(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{}
	m := testManager(t, ts, store)

	raw, err := m.AuthorizationURL(context.Background())
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "sleep heartrate", q.Get("scope"))
	assert.Equal(t, "http://localhost:5000/auth/callback", q.Get("redirect_uri"))

	require.NotNil(t, store.session)
	assert.Equal(t, CodeChallenge(store.session.CodeVerifier), q.Get("code_challenge"))
}

func TestAuthorizationURLOverwritesVerifier(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{}
	m := testManager(t, ts, store)

	_, err := m.AuthorizationURL(context.Background())
	require.NoError(t, err)
	first := store.session.CodeVerifier

	_, err = m.AuthorizationURL(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, store.session.CodeVerifier)
}

func TestExchangeCode(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{}
	m := testManager(t, ts, store)
	ctx := context.Background()

	_, err := m.AuthorizationURL(ctx)
	require.NoError(t, err)
	verifier := store.session.CodeVerifier

	pair, err := m.ExchangeCode(ctx, "the-code")
	require.NoError(t, err)
	assert.Equal(t, "access-1", pair.AccessToken)
	assert.Equal(t, "refresh-1", pair.RefreshToken)
	assert.Equal(t, "ABC123", pair.UserID)
	assert.Equal(t, "sleep heartrate", pair.Scope)
	assert.False(t, pair.ExpiresAt.IsZero())

	form := ts.form()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, verifier, form.Get("code_verifier"))
	assert.Equal(t, "client-id", form.Get("client_id"))

	user, pass, ok := (&http.Request{Header: http.Header{"Authorization": {ts.authorization()}}}).BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "client-id", user)
	assert.Equal(t, "client-secret", pass)

	assert.Nil(t, store.session)
	require.NotNil(t, store.tokens)
	assert.Equal(t, "access-1", store.tokens.AccessToken)
}

func TestExchangeCodeWithoutVerifier(t *testing.T) {
	ts := newTokenServer(t)
	m := testManager(t, ts, &memStore{})

	_, err := m.ExchangeCode(context.Background(), "the-code")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Zero(t, ts.exchanges.Load())
}

func TestExchangeCodeExpiredVerifier(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{session: &models.PkceSession{CodeVerifier: "old", CreatedAt: time.Now().Add(-time.Hour)}}
	m := testManager(t, ts, store)

	_, err := m.ExchangeCode(context.Background(), "the-code")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestExchangeCodeFailureConsumesVerifier(t *testing.T) {
	ts := newTokenServer(t)
	ts.failWith = http.StatusBadRequest
	store := &memStore{}
	m := testManager(t, ts, store)
	ctx := context.Background()

	_, err := m.AuthorizationURL(ctx)
	require.NoError(t, err)

	_, err = m.ExchangeCode(ctx, "bad-code")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenExchangeFailed)

	var exchangeErr *TokenExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, http.StatusBadRequest, exchangeErr.StatusCode)
	assert.Contains(t, string(exchangeErr.Payload), "Authorization code invalid")
	assert.True(t, NeedsReauthorization(err))

	assert.Nil(t, store.session)
	assert.Nil(t, store.tokens)

	_, err = m.ExchangeCode(ctx, "bad-code")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRefreshRequiresTokens(t *testing.T) {
	ts := newTokenServer(t)
	m := testManager(t, ts, &memStore{})

	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRefreshReplacesPair(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{tokens: &models.TokenPair{AccessToken: "old", RefreshToken: "r-old"}}
	m := testManager(t, ts, store)

	pair, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", pair.AccessToken)
	assert.Equal(t, "rotated-1", pair.RefreshToken)

	form := ts.form()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "r-old", form.Get("refresh_token"))
	assert.Equal(t, "rotated-1", store.tokens.RefreshToken)
}

func TestRefreshFailureKeepsStoredPair(t *testing.T) {
	ts := newTokenServer(t)
	ts.failWith = http.StatusUnauthorized
	store := &memStore{tokens: &models.TokenPair{AccessToken: "old", RefreshToken: "r-old"}}
	m := testManager(t, ts, store)

	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrTokenExchangeFailed)
	assert.Equal(t, "old", store.tokens.AccessToken)
}

func TestCallAuthenticatedNotAuthenticated(t *testing.T) {
	ts := newTokenServer(t)
	m := testManager(t, ts, &memStore{})

	called := false
	err := m.CallAuthenticated(context.Background(), func(ctx context.Context, accessToken string) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.False(t, called)
}

func TestCallAuthenticatedRefreshesOnce(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{tokens: &models.TokenPair{AccessToken: "old", RefreshToken: "r-old"}}
	m := testManager(t, ts, store)

	var seen []string
	got, err := Call(context.Background(), m, func(ctx context.Context, accessToken string) (string, error) {
		seen = append(seen, accessToken)
		if accessToken == "old" {
			return "", ErrUnauthorized
		}
		return "payload", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
	assert.Equal(t, []string{"old", "refreshed-1"}, seen)
	assert.Equal(t, int32(1), ts.refreshes.Load())
}

func TestCallAuthenticatedRefreshesExpiredToken(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{tokens: &models.TokenPair{
		AccessToken:  "old",
		RefreshToken: "r-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}}
	m := testManager(t, ts, store)

	var seen []string
	err := m.CallAuthenticated(context.Background(), func(ctx context.Context, accessToken string) error {
		seen = append(seen, accessToken)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"refreshed-1"}, seen)
	assert.Equal(t, int32(1), ts.refreshes.Load())
	assert.Equal(t, "refreshed-1", store.tokens.AccessToken)
}

func TestCallAuthenticatedKeepsUnexpiredToken(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{tokens: &models.TokenPair{
		AccessToken:  "current",
		RefreshToken: "r-current",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	m := testManager(t, ts, store)

	var seen []string
	err := m.CallAuthenticated(context.Background(), func(ctx context.Context, accessToken string) error {
		seen = append(seen, accessToken)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"current"}, seen)
	assert.Zero(t, ts.refreshes.Load())
}

func TestCallAuthenticatedSecondUnauthorized(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{tokens: &models.TokenPair{AccessToken: "old", RefreshToken: "r-old"}}
	m := testManager(t, ts, store)

	calls := 0
	err := m.CallAuthenticated(context.Background(), func(ctx context.Context, accessToken string) error {
		calls++
		return ErrUnauthorized
	})
	assert.ErrorIs(t, err, ErrAuthenticationExpired)
	assert.True(t, NeedsReauthorization(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, int32(1), ts.refreshes.Load())
}

func TestCallAuthenticatedPassesOtherErrors(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{tokens: &models.TokenPair{AccessToken: "old", RefreshToken: "r-old"}}
	m := testManager(t, ts, store)

	boom := errors.New("boom")
	err := m.CallAuthenticated(context.Background(), func(ctx context.Context, accessToken string) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, ts.refreshes.Load())
}

func TestCallAuthenticatedRefreshFailure(t *testing.T) {
	ts := newTokenServer(t)
	ts.failWith = http.StatusBadRequest
	store := &memStore{tokens: &models.TokenPair{AccessToken: "old", RefreshToken: "r-old"}}
	m := testManager(t, ts, store)

	calls := 0
	err := m.CallAuthenticated(context.Background(), func(ctx context.Context, accessToken string) error {
		calls++
		return ErrUnauthorized
	})
	assert.ErrorIs(t, err, ErrTokenExchangeFailed)
	assert.Equal(t, 1, calls)
}

func TestConcurrentUnauthorizedRefreshesOnce(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{tokens: &models.TokenPair{AccessToken: "old", RefreshToken: "r-old"}}
	m := testManager(t, ts, store)

	// both callers must observe the old token before either refreshes
	var rejected sync.WaitGroup
	rejected.Add(2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.CallAuthenticated(context.Background(), func(ctx context.Context, accessToken string) error {
				if accessToken == "old" {
					rejected.Done()
					rejected.Wait()
					return ErrUnauthorized
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), ts.refreshes.Load())
	assert.Equal(t, "refreshed-1", store.tokens.AccessToken)
}

func TestAuthenticated(t *testing.T) {
	ts := newTokenServer(t)
	store := &memStore{}
	m := testManager(t, ts, store)

	ok, err := m.Authenticated(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	store.tokens = &models.TokenPair{AccessToken: "a", RefreshToken: "r"}
	ok, err = m.Authenticated(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
