// Package reddit fetches forum listings through the authenticated API,
// one credential at a time.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/probelabs/trendscout/internal/credpool"
	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/rategate"
)

// Source is the source tag stamped on every harvested post.
const Source = "reddit"

// RateLimitError is returned when the API benches the credential.
type RateLimitError struct {
	Credential int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("credential %d rate limited, retry after %s", e.Credential, e.RetryAfter)
}

// APIError is any other non-2xx listing response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reddit api error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed later.
func (e *APIError) Retryable() bool { return e.StatusCode >= 500 }

// ListingRequest addresses one page of one listing.
type ListingRequest struct {
	SubSource string
	Sort      string // hot, new, top, rising
	TimeRange string // hour, day, week, month, year, all; top only
	After     string // pagination cursor from the previous page
	Limit     int
}

// ListingPage is one fetched page plus the cursor for the next.
type ListingPage struct {
	Posts []domain.RawPost
	After string
}

// Client talks to the listing API. Tokens are cached per credential
// and refreshed ahead of expiry.
type Client struct {
	httpClient *http.Client
	userAgent  string
	apiURL     string
	authURL    string
	gate       *rategate.Gate

	mu     sync.Mutex
	tokens map[int]cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// Config holds client construction settings. Empty URLs default to the
// public API endpoints.
type Config struct {
	UserAgent string
	APIURL    string
	AuthURL   string
	Gate      *rategate.Gate
	Timeout   time.Duration
}

// NewClient creates a listing API client.
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://oauth.reddit.com"
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://www.reddit.com/api/v1/access_token"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "trendscout/1.0"
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		userAgent:  cfg.UserAgent,
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		authURL:    cfg.AuthURL,
		gate:       cfg.Gate,
		tokens:     make(map[int]cachedToken),
	}
}

// Fetch retrieves one listing page with the given credential. A 429
// surfaces as *RateLimitError so the caller can bench the credential
// and rotate.
func (c *Client) Fetch(ctx context.Context, cred credpool.Credential, req ListingRequest) (*ListingPage, error) {
	if c.gate != nil {
		if err := c.gate.Reserve(ctx, 0); err != nil {
			return nil, fmt.Errorf("listing budget wait aborted: %w", err)
		}
		defer c.gate.Done()
	}

	token, err := c.tokenFor(ctx, cred)
	if err != nil {
		return nil, err
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

	endpoint := fmt.Sprintf("%s/r/%s/%s?%s", c.apiURL, url.PathEscape(req.SubSource), req.Sort, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build listing request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("listing request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read listing response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{
			Credential: cred.Index,
			RetryAfter: retryAfterFrom(resp.Header),
		}
	case resp.StatusCode == http.StatusUnauthorized:
		// Token may have been revoked early; drop it so the next call
		// re-authenticates.
		c.forgetToken(cred.Index)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "unauthorized"}
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{StatusCode: resp.StatusCode, Message: truncate(string(raw), 256)}
	}

	return parseListing(raw, req.SubSource)
}

type listingEnvelope struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data listingPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type listingPost struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Title       string  `json:"title"`
	SelfText    string  `json:"selftext"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	Permalink   string  `json:"permalink"`
	URL         string  `json:"url"`
	Subreddit   string  `json:"subreddit"`
	CreatedUTC  float64 `json:"created_utc"`
	LinkFlair   string  `json:"link_flair_text"`
	NumComments int     `json:"num_comments"`
	Stickied    bool    `json:"stickied"`
}

func parseListing(raw []byte, subSource string) (*ListingPage, error) {
	var envelope listingEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}

	page := &ListingPage{After: envelope.Data.After}
	for _, child := range envelope.Data.Children {
		p := child.Data
		if p.Stickied {
			// Pinned announcements are moderator noise, not signal.
			continue
		}

		id := p.Name
		if id == "" {
			id = p.ID
		}

		link := p.URL
		if p.Permalink != "" {
			link = "https://www.reddit.com" + p.Permalink
		}

		sub := p.Subreddit
		if sub == "" {
			sub = subSource
		}

		page.Posts = append(page.Posts, domain.RawPost{
			ID:        id,
			Source:    Source,
			Title:     p.Title,
			Body:      p.SelfText,
			Author:    p.Author,
			Score:     p.Score,
			URL:       link,
			SubSource: sub,
			CreatedAt: int64(p.CreatedUTC),
			Metadata: map[string]any{
				"flair":        p.LinkFlair,
				"num_comments": p.NumComments,
			},
		})
	}
	return page, nil
}

// tokenFor returns a cached bearer token for the credential or fetches
// a fresh one.
func (c *Client) tokenFor(ctx context.Context, cred credpool.Credential) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[cred.Index]
	c.mu.Unlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	form := url.Values{}
	if cred.Username != "" {
		form.Set("grant_type", "password")
		form.Set("username", cred.Username)
		form.Set("password", cred.Password)
	} else {
		form.Set("grant_type", "client_credentials")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(cred.ClientID, cred.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &RateLimitError{Credential: cred.Index, RetryAfter: retryAfterFrom(resp.Header)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Message: truncate(string(raw), 256)}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl <= time.Minute {
		ttl = time.Hour
	}

	c.mu.Lock()
	c.tokens[cred.Index] = cachedToken{
		value: body.AccessToken,
		// Refresh a minute early so requests never ride an expiring token.
		expiresAt: time.Now().Add(ttl - time.Minute),
	}
	c.mu.Unlock()

	log.Debug().Int("credential", cred.Index).Msg("Fetched listing API token")
	return body.AccessToken, nil
}

func (c *Client) forgetToken(index int) {
	c.mu.Lock()
	delete(c.tokens, index)
	c.mu.Unlock()
}

func retryAfterFrom(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("X-Ratelimit-Reset"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
