package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/providentiaww/sunrise/internal/models"
)

// Checker asks whether an alarm should fire now
type Checker interface {
	Check(ctx context.Context) (models.FireDecision, error)
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) (models.FireDecision, error)

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context) (models.FireDecision, error) {
	return f(ctx)
}

// HTTPChecker calls GET /alarms/check on the server
type HTTPChecker struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPChecker creates a checker against serverURL.
func NewHTTPChecker(serverURL string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		baseURL:    strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Check performs one request. Any non-200 answer is an error.
func (c *HTTPChecker) Check(ctx context.Context) (models.FireDecision, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/alarms/check", nil)
	if err != nil {
		return models.FireDecision{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.FireDecision{}, fmt.Errorf("alarm check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.FireDecision{}, fmt.Errorf("alarm check: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var d models.FireDecision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return models.FireDecision{}, fmt.Errorf("alarm check: decoding response: %w", err)
	}
	return d, nil
}
