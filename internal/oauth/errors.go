package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSessionExpired means there is no PKCE verifier to complete the exchange with.
	ErrSessionExpired = errors.New("authorization session expired, restart authorization")
	// ErrNotAuthenticated means no token pair has been stored yet.
	ErrNotAuthenticated = errors.New("not authenticated, authorize first")
	// ErrTokenExchangeFailed matches every *TokenExchangeError.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	// ErrAuthenticationExpired means the call was still unauthorized after a successful refresh.
	ErrAuthenticationExpired = errors.New("authentication expired")
	// ErrUnauthorized is returned by wrapped API calls when the provider answers 401.
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenExchangeError reports a failed call to the provider token endpoint.
type TokenExchangeError struct {
	Grant      string
	StatusCode int
	ErrorCode  string
	Payload    []byte
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if len(e.Payload) > 0 {
		return fmt.Sprintf("token exchange failed (%s, status %d): %s", e.Grant, e.StatusCode, string(e.Payload))
	}
	return fmt.Sprintf("token exchange failed (%s): %v", e.Grant, e.Err)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTokenExchangeFailed) match.
func (e *TokenExchangeError) Is(target error) bool {
	return target == ErrTokenExchangeFailed
}

// NeedsReauthorization reports whether err can only be resolved by sending the
// user through the authorization flow again.
func NeedsReauthorization(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrAuthenticationExpired) {
		return true
	}
	var exchangeErr *TokenExchangeError
	if errors.As(err, &exchangeErr) {
		return exchangeErr.StatusCode == http.StatusBadRequest || exchangeErr.StatusCode == http.StatusUnauthorized
	}
	return false
}
