package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the fields we read out of a provider-issued access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Scopes string `json:"scopes,omitempty"`
}

// ParseAccessClaims decodes the claims of a JWT access token without verifying
// its signature. The provider's signing keys are not published, so the result is
// only used as expiry and identity metadata, never for authorization decisions.
func ParseAccessClaims(accessToken string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("parsing access token claims: %w", err)
	}
	return claims, nil
}

// Expiry returns the exp claim, or the zero time when absent.
func (c *AccessClaims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}
