// Package spotify implements the platform client for the Spotify Web API.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/calliohq/calliope/internal/platform"
)

const (
	defaultBaseURL  = "https://api.spotify.com"
	defaultTokenURL = "https://accounts.spotify.com/api/token" //nolint:gosec // G101: OAuth endpoint, not a credential
	pageLimit       = 50
	maxBodyBytes    = 4 * 1024 * 1024
)

// Client fetches the artist catalog from the Spotify Web API using the
// client-credentials flow. The pagination cursor is Spotify's opaque
// "after" token.
type Client struct {
	httpClient *http.Client
	limiter    *platform.RateLimiterMap
	logger     *slog.Logger
	baseURL    string
	hasAuth    bool
}

// New creates a Spotify client against the production endpoints. The
// returned client refreshes its bearer token automatically.
func New(clientID, clientSecret string, limiter *platform.RateLimiterMap, logger *slog.Logger) *Client {
	return newClient(clientID, clientSecret, limiter, logger, defaultBaseURL, defaultTokenURL)
}

// NewWithBaseURL creates a Spotify client with custom endpoints (for
// testing). Empty credentials skip the OAuth transport entirely.
func NewWithBaseURL(clientID, clientSecret string, limiter *platform.RateLimiterMap, logger *slog.Logger, baseURL, tokenURL string) *Client {
	return newClient(clientID, clientSecret, limiter, logger, baseURL, tokenURL)
}

func newClient(clientID, clientSecret string, limiter *platform.RateLimiterMap, logger *slog.Logger, baseURL, tokenURL string) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    limiter,
		logger:     logger.With(slog.String("platform", "spotify")),
		baseURL:    strings.TrimRight(baseURL, "/"),
		hasAuth:    clientID != "" && clientSecret != "",
	}
	if c.hasAuth {
		conf := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}
		c.httpClient = conf.Client(context.Background())
		c.httpClient.Timeout = 15 * time.Second
	}
	return c
}

// Name returns the platform identifier.
func (c *Client) Name() platform.Name { return platform.NameSpotify }

// FetchPage fetches one page of followed catalog artists. An empty cursor
// requests the first page.
func (c *Client) FetchPage(ctx context.Context, cursor string) (*platform.Page, error) {
	if !c.hasAuth {
		return nil, &platform.ErrAuthRequired{Platform: platform.NameSpotify}
	}
	if err := c.limiter.Wait(ctx, platform.NameSpotify); err != nil {
		return nil, err
	}

	params := url.Values{
		"type":  {"artist"},
		"limit": {strconv.Itoa(pageLimit)},
	}
	if cursor != "" {
		params.Set("after", cursor)
	}
	reqURL := c.baseURL + "/v1/me/following?" + params.Encode()

	body, err := c.doRequest(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	var resp followingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing following response: %w", err)
	}

	now := time.Now().UTC()
	records := make([]platform.Record, 0, len(resp.Artists.Items))
	for _, item := range resp.Artists.Items {
		raw, _ := json.Marshal(item)
		records = append(records, platform.Record{
			Platform:   platform.NameSpotify,
			ExternalID: item.ID,
			Name:       item.Name,
			ISNI:       item.ExternalIDs.ISNI,
			Raw:        raw,
			FetchedAt:  now,
		})
	}

	page := &platform.Page{
		Records:    records,
		NextCursor: resp.Artists.Cursors.After,
		HasMore:    resp.Artists.Next != "" && resp.Artists.Cursors.After != "",
	}

	c.logger.Debug("page fetched",
		slog.String("cursor", cursor),
		slog.Int("records", len(records)),
		slog.Bool("has_more", page.HasMore))
	return page, nil
}

func (c *Client) doRequest(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &platform.ErrUnavailable{Platform: platform.NameSpotify, Cause: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
		// continue
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &platform.ErrAuthRequired{Platform: platform.NameSpotify}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &platform.ErrUnavailable{
			Platform:   platform.NameSpotify,
			Cause:      fmt.Errorf("rate limited by server"),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return nil, &platform.ErrUnavailable{
			Platform: platform.NameSpotify,
			Cause:    fmt.Errorf("server error %d", resp.StatusCode),
		}
	default:
		return nil, fmt.Errorf("spotify: unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// parseRetryAfter reads a Retry-After header value in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
