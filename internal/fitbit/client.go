// Package fitbit reads sleep logs from the Fitbit Web API.
package fitbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"
	"go.uber.org/zap"

	"github.com/providentiaww/sunrise/internal/models"
	"github.com/providentiaww/sunrise/internal/oauth"
)

const (
	defaultBaseURL = "https://api.fitbit.com"
	dateLayout     = "2006-01-02"
)

// ErrRemoteUnavailable covers transport failures, throttling and 5xx answers
var ErrRemoteUnavailable = errors.New("fitbit api unavailable")

// APIError is a non-retryable error answer from the provider
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fitbit api error (status %d): %s", e.StatusCode, e.Body)
}

// Client fetches sleep data through an authenticated caller. Logs for dates
// before today are immutable and cached.
type Client struct {
	caller     oauth.Caller
	httpClient *http.Client
	baseURL    string
	cache      *otter.Cache[string, *SleepLog]
	logger     *zap.Logger
	now        func() time.Time
	loc        *time.Location
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at another API host.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLocation sets the zone used to interpret the provider's local timestamps.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.loc = loc }
}

// WithCache sets the size and TTL of the past-date cache.
func WithCache(size int, ttl time.Duration) Option {
	return func(c *Client) { c.cache = newCache(size, ttl) }
}

func newCache(size int, ttl time.Duration) *otter.Cache[string, *SleepLog] {
	return otter.Must(&otter.Options[string, *SleepLog]{
		MaximumSize:      size,
		ExpiryCalculator: otter.ExpiryWriting[string, *SleepLog](ttl),
	})
}

// NewClient creates a provider client.
func NewClient(caller oauth.Caller, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		caller:     caller,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    defaultBaseURL,
		logger:     logger,
		now:        time.Now,
		loc:        time.Local,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = newCache(64, 24*time.Hour)
	}
	return c
}

// Location returns the zone used for provider timestamps.
func (c *Client) Location() *time.Location {
	return c.loc
}

// FetchSleepSession returns the main sleep log for date, or nil if none is recorded.
func (c *Client) FetchSleepSession(ctx context.Context, date time.Time) (*SleepLog, error) {
	key := date.In(c.loc).Format(dateLayout)
	past := key < c.now().In(c.loc).Format(dateLayout)
	if past {
		if log, ok := c.cache.GetIfPresent(key); ok {
			return log, nil
		}
	}

	resp, err := oauth.Call(ctx, c.caller, func(ctx context.Context, accessToken string) (*SleepResponse, error) {
		return c.getSleep(ctx, accessToken, key)
	})
	if err != nil {
		return nil, err
	}

	log := resp.MainSleep()
	if log != nil && past {
		c.cache.Set(key, log)
	}
	return log, nil
}

// FetchLiveStage returns the last recorded stage of today's main sleep, or nil
// if today has no stage timeline yet. A timeline that cannot be decoded counts
// as no reading.
func (c *Client) FetchLiveStage(ctx context.Context) (*models.LiveStage, error) {
	log, err := c.FetchSleepSession(ctx, c.now())
	if err != nil {
		return nil, err
	}
	if log == nil {
		return nil, nil
	}
	live, err := log.LastStage(c.loc)
	if err != nil {
		c.logger.Warn("ignoring undecodable stage timeline", zap.Int64("log_id", log.LogID), zap.Error(err))
		return nil, nil
	}
	return live, nil
}

func (c *Client) getSleep(ctx context.Context, accessToken, date string) (*SleepResponse, error) {
	url := fmt.Sprintf("%s/1.2/user/-/sleep/date/%s.json", c.baseURL, date)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrRemoteUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, oauth.ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.logger.Warn("fitbit api unavailable", zap.Int("status", resp.StatusCode), zap.String("date", date))
		return nil, fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out SleepResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding sleep response: %w", err)
	}
	return &out, nil
}
