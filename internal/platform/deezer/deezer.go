// Package deezer implements the platform client for Deezer's public API.
// No authentication is required.
package deezer

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

	"github.com/calliohq/calliope/internal/platform"
)

const (
	defaultBaseURL = "https://api.deezer.com"
	pageLimit      = 50
	maxBodyBytes   = 1 * 1024 * 1024
)

// Client fetches the artist catalog from Deezer. The pagination cursor is
// the numeric list offset, carried as a decimal string.
type Client struct {
	httpClient *http.Client
	limiter    *platform.RateLimiterMap
	logger     *slog.Logger
	baseURL    string
}

// New creates a Deezer client with the default base URL.
func New(limiter *platform.RateLimiterMap, logger *slog.Logger) *Client {
	return NewWithBaseURL(limiter, logger, defaultBaseURL)
}

// NewWithBaseURL creates a Deezer client with a custom base URL (for testing).
func NewWithBaseURL(limiter *platform.RateLimiterMap, logger *slog.Logger, baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
		logger:     logger.With(slog.String("platform", "deezer")),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Name returns the platform identifier.
func (c *Client) Name() platform.Name { return platform.NameDeezer }

// FetchPage fetches one page of catalog artists. An empty cursor requests
// the first page; otherwise the cursor must be the offset returned as
// NextCursor by the previous page.
func (c *Client) FetchPage(ctx context.Context, cursor string) (*platform.Page, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("deezer: invalid cursor %q", cursor)
		}
		offset = n
	}

	if err := c.limiter.Wait(ctx, platform.NameDeezer); err != nil {
		return nil, err
	}

	params := url.Values{
		"index": {strconv.Itoa(offset)},
		"limit": {strconv.Itoa(pageLimit)},
	}
	reqURL := c.baseURL + "/user/me/artists?" + params.Encode()

	body, err := c.doRequest(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing artist list: %w", err)
	}

	now := time.Now().UTC()
	records := make([]platform.Record, 0, len(resp.Data))
	for _, item := range resp.Data {
		raw, _ := json.Marshal(item)
		records = append(records, platform.Record{
			Platform:   platform.NameDeezer,
			ExternalID: strconv.Itoa(item.ID),
			Name:       item.Name,
			Raw:        raw,
			FetchedAt:  now,
		})
	}

	hasMore := resp.Next != "" && len(records) > 0
	page := &platform.Page{
		Records: records,
		HasMore: hasMore,
	}
	if hasMore {
		page.NextCursor = strconv.Itoa(offset + len(records))
	}

	c.logger.Debug("page fetched",
		slog.Int("offset", offset),
		slog.Int("records", len(records)),
		slog.Bool("has_more", hasMore))
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
		return nil, &platform.ErrUnavailable{Platform: platform.NameDeezer, Cause: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
		// continue
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &platform.ErrUnavailable{
			Platform: platform.NameDeezer,
			Cause:    fmt.Errorf("rate limited by server"),
		}
	case resp.StatusCode >= 500:
		return nil, &platform.ErrUnavailable{
			Platform: platform.NameDeezer,
			Cause:    fmt.Errorf("server error %d", resp.StatusCode),
		}
	default:
		return nil, fmt.Errorf("deezer: unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}
