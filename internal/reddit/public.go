package reddit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/probelabs/trendscout/internal/rategate"
)

// PublicClient reads the unauthenticated public listing feed. It backs
// the degraded path taken when every credential is benched, so its gate
// is far stricter than the authenticated budget.
type PublicClient struct {
	httpClient *http.Client
	userAgent  string
	baseURL    string
	gate       *rategate.Gate
}

// PublicConfig holds public client construction settings.
type PublicConfig struct {
	UserAgent string
	BaseURL   string
	Gate      *rategate.Gate
	Timeout   time.Duration
}

// NewPublicClient creates a public feed client.
func NewPublicClient(cfg PublicConfig) *PublicClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.reddit.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "trendscout/1.0"
	}
	return &PublicClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		userAgent:  cfg.UserAgent,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		gate:       cfg.Gate,
	}
}

// Fetch retrieves one listing page from the public feed. The response
// shape matches the authenticated listing endpoint.
func (c *PublicClient) Fetch(ctx context.Context, req ListingRequest) (*ListingPage, error) {
	if c.gate != nil {
		if err := c.gate.Reserve(ctx, 0); err != nil {
			return nil, fmt.Errorf("public feed budget wait aborted: %w", err)
		}
		defer c.gate.Done()
	}

	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 100
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(req.Limit))
	q.Set("raw_json", "1")
	if req.After != "" {
		q.Set("after", req.After)
	}
	if req.TimeRange != "" && (req.Sort == "top" || req.Sort == "controversial") {
		q.Set("t", req.TimeRange)
	}

	endpoint := fmt.Sprintf("%s/r/%s/%s.json?%s", c.baseURL, url.PathEscape(req.SubSource), req.Sort, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build public feed request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("public feed request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read public feed response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Credential: -1, RetryAfter: retryAfterFrom(resp.Header)}
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{StatusCode: resp.StatusCode, Message: truncate(string(raw), 256)}
	}

	return parseListing(raw, req.SubSource)
}
