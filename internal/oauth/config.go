package oauth

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultAuthURL  = "https://www.fitbit.com/oauth2/authorize"
	defaultTokenURL = "https://api.fitbit.com/oauth2/token"
)

// Config holds the provider client registration used for the PKCE flow.
type Config struct {
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	Scopes         []string
	AuthURL        string
	TokenURL       string
	PKCESessionTTL time.Duration
	HTTPTimeout    time.Duration
}

// LoadConfigFromEnv loads provider OAuth settings from environment variables.
func LoadConfigFromEnv() (Config, error) {
	clientID := strings.TrimSpace(os.Getenv("FITBIT_CLIENT_ID"))
	if clientID == "" {
		return Config{}, fmt.Errorf("FITBIT_CLIENT_ID is required")
	}

	clientSecret := strings.TrimSpace(os.Getenv("FITBIT_CLIENT_SECRET"))
	if clientSecret == "" {
		return Config{}, fmt.Errorf("FITBIT_CLIENT_SECRET is required")
	}

	redirectURL := strings.TrimSpace(os.Getenv("FITBIT_REDIRECT_URL"))
	if redirectURL == "" {
		return Config{}, fmt.Errorf("FITBIT_REDIRECT_URL is required")
	}

	scopes := strings.Fields(os.Getenv("FITBIT_SCOPES"))
	if len(scopes) == 0 {
		scopes = []string{"sleep", "heartrate"}
	}

	authURL := strings.TrimSpace(os.Getenv("FITBIT_AUTH_URL"))
	if authURL == "" {
		authURL = defaultAuthURL
	}
	tokenURL := strings.TrimSpace(os.Getenv("FITBIT_TOKEN_URL"))
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	return Config{
		ClientID:       clientID,
		ClientSecret:   clientSecret,
		RedirectURL:    redirectURL,
		Scopes:         scopes,
		AuthURL:        authURL,
		TokenURL:       tokenURL,
		PKCESessionTTL: parseDurationEnv("OAUTH_PKCE_SESSION_TTL", 10*time.Minute),
		HTTPTimeout:    parseDurationEnv("OAUTH_HTTP_TIMEOUT", 15*time.Second),
	}, nil
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}
