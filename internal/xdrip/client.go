// Package xdrip adapts the xDrip+ local web service into the external
// reading stream. xDrip answers GET /sgv.json with the most recent sensor
// rows, newest first.
package xdrip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPermission marks a 401/403 from the web service: the API secret is
// missing or wrong. Polling is suppressed until an explicit refresh.
type PermissionError struct {
	StatusCode int
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("xdrip rejected the request (HTTP %d): check the api-secret", e.StatusCode)
}

// Entry is one row of the /sgv.json response. `filtered` and `unfiltered`
// are reported at raw sensor scale (mg/dL x1000).
type Entry struct {
	ID         string  `json:"_id"`
	SGV        float64 `json:"sgv"`
	Date       int64   `json:"date"`
	Direction  string  `json:"direction"`
	Filtered   float64 `json:"filtered"`
	Unfiltered float64 `json:"unfiltered"`
	Device     string  `json:"device"`
}

// Value selects the concentration to trust for this row: the filtered
// value when present and positive (scaled down from raw), else the
// calculated sgv.
func (e Entry) Value() float64 {
	if e.Filtered > 0 {
		return e.Filtered / 1000
	}
	return e.SGV
}

// Client is a thin HTTP client for the xDrip web service.
type Client struct {
	baseURL string
	http    *http.Client
	secret  string
	logger  *logrus.Logger
}

// NewClient creates a client for the service at baseURL
// (e.g. http://127.0.0.1:17580). secret may be empty when xDrip does not
// require one.
func NewClient(baseURL, secret string, timeout time.Duration, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		secret:  secret,
		logger:  logger,
	}
}

// Latest fetches up to count rows, newest first.
func (c *Client) Latest(ctx context.Context, count int) ([]Entry, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid xdrip URL %q: %w", c.baseURL, err)
	}
	u.Path = "/sgv.json"
	q := u.Query()
	q.Set("count", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.secret != "" {
		req.Header.Set("api-secret", c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xdrip request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &PermissionError{StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("xdrip returned HTTP %d", resp.StatusCode)
	}

	var entries []Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("malformed xdrip response: %w", err)
	}

	c.logger.WithField("rows", len(entries)).Debug("Fetched xdrip rows")
	return entries, nil
}
