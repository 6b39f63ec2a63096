// Package catalog implements the paginated, rate-limited, retrying
// catalog HTTP client (C2): it lists tags, markets, and the cross-category
// "top" list, flattening either the /markets or /events endpoint into a
// single Market shape.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/apperrors"
)

const defaultBurst = 1

// Client is the Gamma-style catalog HTTP client, generalized from a
// single /markets strategy to a selectable /markets-or-/events strategy.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	pageSize              int
	useEventsEndpoint     bool
	eventsLimitPerCategory int
	eventsSortPrimary     string
	eventsSortSecondary   string
	eventsSortDesc        bool
	retryMaxAttempts      int

	tagsCacheTTL time.Duration
	tagsMu       sync.Mutex
	tagsCachedAt time.Time
	tagsCached   []Tag
}

// ClientOption configures the Client.
type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// WithRateLimit installs a single-permit leaky bucket with the given
// request interval (period between permits).
func WithRateLimit(interval time.Duration) ClientOption {
	return func(c *Client) {
		if interval <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, defaultBurst)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(interval), defaultBurst)
	}
}

func WithPageSize(n int) ClientOption {
	return func(c *Client) { c.pageSize = n }
}

func WithEventsEndpoint(use bool) ClientOption {
	return func(c *Client) { c.useEventsEndpoint = use }
}

func WithEventsSort(primary, secondary string, desc bool) ClientOption {
	return func(c *Client) {
		c.eventsSortPrimary = primary
		c.eventsSortSecondary = secondary
		c.eventsSortDesc = desc
	}
}

func WithEventsLimitPerCategory(n int) ClientOption {
	return func(c *Client) { c.eventsLimitPerCategory = n }
}

func WithRetryMaxAttempts(n int) ClientOption {
	return func(c *Client) { c.retryMaxAttempts = n }
}

func WithTagsCacheTTL(d time.Duration) ClientOption {
	return func(c *Client) { c.tagsCacheTTL = d }
}

// NewClient builds a catalog Client with the teacher's connection-pool
// shape and sane defaults, overridden by opts.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: "https://gamma-api.polymarket.com",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:             rate.NewLimiter(rate.Inf, defaultBurst),
		pageSize:            200,
		useEventsEndpoint:   true,
		eventsSortPrimary:   "volume24hr",
		eventsSortSecondary: "liquidity",
		eventsSortDesc:      true,
		retryMaxAttempts:    5,
		tagsCacheTTL:        600 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListTags fetches the tag catalog, TTL-cached.
func (c *Client) ListTags(ctx context.Context) ([]Tag, error) {
	c.tagsMu.Lock()
	if c.tagsCached != nil && time.Since(c.tagsCachedAt) < c.tagsCacheTTL {
		cached := c.tagsCached
		c.tagsMu.Unlock()
		return cached, nil
	}
	c.tagsMu.Unlock()

	var raw []struct {
		ID   json.Number `json:"id"`
		Slug string      `json:"slug"`
		Name string      `json:"label"`
	}
	if err := c.getRetrying(ctx, "/tags", nil, &raw); err != nil {
		return nil, err
	}
	tags := make([]Tag, 0, len(raw))
	for _, t := range raw {
		tags = append(tags, Tag{TagID: t.ID.String(), Slug: t.Slug, Name: t.Name})
	}

	c.tagsMu.Lock()
	c.tagsCached = tags
	c.tagsCachedAt = time.Now()
	c.tagsMu.Unlock()
	return tags, nil
}

// ListMarkets fetches markets for a tag, using whichever strategy the
// client was constructed with.
func (c *Client) ListMarkets(ctx context.Context, tagID string, active, closed bool) ([]Market, error) {
	if c.useEventsEndpoint {
		return c.listMarketsViaEvents(ctx, tagID, active, closed)
	}
	return c.listMarketsDirect(ctx, tagID, active, closed)
}

// listMarketsDirect paginates /markets by offset, stopping once a page
// returns fewer items than requested.
func (c *Client) listMarketsDirect(ctx context.Context, tagID string, active, closed bool) ([]Market, error) {
	var all []Market
	offset := 0
	for {
		params := url.Values{}
		params.Set("tag_id", tagID)
		params.Set("active", strconv.FormatBool(active))
		params.Set("closed", strconv.FormatBool(closed))
		params.Set("limit", strconv.Itoa(c.pageSize))
		params.Set("offset", strconv.Itoa(offset))

		var page []rawMarket
		if err := c.getRetrying(ctx, "/markets", params, &page); err != nil {
			return nil, err
		}
		for _, rm := range page {
			all = append(all, ParseMarket(rm))
		}
		if len(page) < c.pageSize {
			break
		}
		offset += c.pageSize
	}
	return all, nil
}

// rawEvent models a Gamma /events entry with nested markets.
type rawEvent struct {
	ID                 string      `json:"id"`
	Active             bool        `json:"active"`
	Closed             bool        `json:"closed"`
	Archived           bool        `json:"archived"`
	PendingDeployment  bool        `json:"pendingDeployment"`
	Deploying          bool        `json:"deploying"`
	EndDateMs          *JSONFloat  `json:"endDateMs"`
	Volume24H          *JSONFloat  `json:"volume24hr"`
	Liquidity          *JSONFloat  `json:"liquidity"`
	Markets            []rawMarket `json:"markets"`
}

func (e rawEvent) isActive(nowMs int64) bool {
	if !e.Active || e.Closed || e.Archived || e.PendingDeployment || e.Deploying {
		return false
	}
	if e.EndDateMs != nil && int64(*e.EndDateMs) <= nowMs {
		return false
	}
	return true
}

func (e rawEvent) sortKey(field string) float64 {
	switch field {
	case "volume24hr":
		if e.Volume24H != nil {
			return float64(*e.Volume24H)
		}
		var sum float64
		for _, m := range e.Markets {
			if m.Volume24H != nil {
				sum += float64(*m.Volume24H)
			}
		}
		return sum
	case "liquidity":
		if e.Liquidity != nil {
			return float64(*e.Liquidity)
		}
		var sum float64
		for _, m := range e.Markets {
			if m.Liquidity != nil {
				sum += float64(*m.Liquidity)
			}
		}
		return sum
	default:
		return 0
	}
}

// listMarketsViaEvents paginates /events, flattens nested markets,
// enriching each with event_id/end_ts/enableOrderBook where missing, and
// filters by event-level activity before sorting.
func (c *Client) listMarketsViaEvents(ctx context.Context, tagID string, active, closed bool) ([]Market, error) {
	var allEvents []rawEvent
	offset := 0
	for {
		params := url.Values{}
		params.Set("tag_id", tagID)
		params.Set("active", strconv.FormatBool(active))
		params.Set("closed", strconv.FormatBool(closed))
		params.Set("limit", strconv.Itoa(c.pageSize))
		params.Set("offset", strconv.Itoa(offset))

		var page []rawEvent
		if err := c.getRetrying(ctx, "/events", params, &page); err != nil {
			return nil, err
		}
		allEvents = append(allEvents, page...)
		if len(page) < c.pageSize {
			break
		}
		offset += c.pageSize
	}

	nowMs := time.Now().UnixMilli()
	var filtered []rawEvent
	for _, e := range allEvents {
		if e.isActive(nowMs) {
			filtered = append(filtered, e)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		pi, pj := filtered[i].sortKey(c.eventsSortPrimary), filtered[j].sortKey(c.eventsSortPrimary)
		if pi != pj {
			if c.eventsSortDesc {
				return pi > pj
			}
			return pi < pj
		}
		si, sj := filtered[i].sortKey(c.eventsSortSecondary), filtered[j].sortKey(c.eventsSortSecondary)
		if c.eventsSortDesc {
			return si > sj
		}
		return si < sj
	})

	if c.eventsLimitPerCategory > 0 && len(filtered) > c.eventsLimitPerCategory {
		filtered = filtered[:c.eventsLimitPerCategory]
	}

	var all []Market
	for _, e := range filtered {
		for _, rm := range e.Markets {
			if rm.EventID == "" {
				rm.EventID = e.ID
			}
			if rm.EndDateMs == nil {
				rm.EndDateMs = e.EndDateMs
			}
			if rm.EnableOrderBook == nil {
				v := true
				rm.EnableOrderBook = &v
			}
			all = append(all, ParseMarket(rm))
		}
	}
	return all, nil
}

// TopMarketsFilter parameterizes the cross-category top list.
type TopMarketsFilter struct {
	Limit        int
	Order        string
	Ascending    bool
	FeaturedOnly bool
	Closed       bool
}

// ListTopMarkets fetches the cross-category "top" list sorted by the
// requested field.
func (c *Client) ListTopMarkets(ctx context.Context, f TopMarketsFilter) ([]Market, error) {
	params := url.Values{}
	params.Set("order", f.Order)
	params.Set("ascending", strconv.FormatBool(f.Ascending))
	params.Set("closed", strconv.FormatBool(f.Closed))
	params.Set("limit", strconv.Itoa(f.Limit))
	if f.FeaturedOnly {
		params.Set("featured", "true")
	}

	var page []rawMarket
	if err := c.getRetrying(ctx, "/markets", params, &page); err != nil {
		return nil, err
	}
	markets := make([]Market, 0, len(page))
	for _, rm := range page {
		markets = append(markets, ParseMarket(rm))
	}
	return markets, nil
}

// getRetrying wraps get with exponential backoff and jitter: it retries
// TransientNetworkError and retryable UpstreamStatusError, making at most
// retryMaxAttempts attempts in total; any other error (including
// non-retryable 4xx) fails the call immediately.
func (c *Client) getRetrying(ctx context.Context, path string, params url.Values, result any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxInt(0, c.retryMaxAttempts-1))), ctx)

	return backoff.Retry(func() error {
		err := c.get(ctx, path, params, result)
		if err == nil {
			return nil
		}
		if apperrors.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// get performs a single rate-limited GET request.
func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &apperrors.TransientNetworkError{Op: path, Err: err}
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apperrors.TransientNetworkError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &apperrors.UpstreamStatusError{Op: path, Status: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apperrors.ParseError{Field: path, Err: err}
	}
	items, err := extractItems(body)
	if err != nil {
		return &apperrors.ParseError{Field: path, Err: err}
	}
	if err := json.Unmarshal(items, result); err != nil {
		return &apperrors.ParseError{Field: path, Err: err}
	}
	return nil
}

// extractItems accepts either a bare JSON array or an envelope object
// wrapping the item list under "data" or "results" (cursor-style
// pagination responses use one or the other), and returns the raw item
// list either way.
func extractItems(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage("[]"), nil
	}
	if trimmed[0] == '[' {
		return json.RawMessage(trimmed), nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, err
	}
	if data, ok := envelope["data"]; ok {
		return data, nil
	}
	if results, ok := envelope["results"]; ok {
		return results, nil
	}
	return nil, fmt.Errorf("response envelope has neither \"data\" nor \"results\"")
}
