// Package apiclient implements the fetch-function contracts against the
// server's REST API: bearer auth, rate limiting, Retry-After-aware retry,
// and Link-header cursor pagination.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"driftline/internal/api"
)

// Client is a bearer-token client for the server API.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
}

// New builds a client for baseURL, e.g. "https://example.social".
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		limiter:     newDefaultLimiter(),
		maxAttempts: getEnvInt("DRIFTLINE_API_MAX_ATTEMPTS", 5),
		baseBackoff: time.Duration(getEnvInt("DRIFTLINE_API_BASE_BACKOFF_MS", 500)) * time.Millisecond,
	}
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}

// get runs one GET with the limiter and retry policy. Non-2xx responses come
// back as *api.StatusError with the body closed.
func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		code := resp.StatusCode
		_ = resp.Body.Close()
		return nil, &api.StatusError{Code: code}
	}
	return resp, nil
}

// pageFn turns an absolute URL into a page fetch. Cursor closures returned
// in Page.Next/Prev are built the same way from the response's Link header,
// so calling them walks the pagination.
func (c *Client) pageFn(u string) api.FetchFn {
	return func(ctx context.Context) (*api.Page, error) {
		resp, err := c.get(ctx, u)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var items []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
			return nil, err
		}
		page := &api.Page{Items: items}
		next, prev := parseLink(resp.Header.Get("Link"))
		if next != "" {
			page.Next = c.pageFn(next)
		}
		if prev != "" {
			page.Prev = c.pageFn(prev)
		}
		if tc := resp.Header.Get("X-Total-Count"); tc != "" {
			if n, err := strconv.Atoi(tc); err == nil {
				page.TotalCount = &n
			}
		}
		return page, nil
	}
}

func (c *Client) entityFn(u string) api.EntityFetchFn {
	return func(ctx context.Context) (json.RawMessage, error) {
		resp, err := c.get(ctx, u)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var raw json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
}

// Timeline fetches a timeline's first page, e.g. "home" or "public".
func (c *Client) Timeline(name string, limit int) api.FetchFn {
	return c.pageFn(fmt.Sprintf("%s/api/v1/timelines/%s?limit=%d", c.baseURL, url.PathEscape(name), clamp(limit, 1, 40)))
}

// AccountStatuses fetches an account's posts.
func (c *Client) AccountStatuses(accountID string, limit int) api.FetchFn {
	return c.pageFn(fmt.Sprintf("%s/api/v1/accounts/%s/statuses?limit=%d", c.baseURL, url.PathEscape(accountID), clamp(limit, 1, 40)))
}

// Notifications fetches the notification list.
func (c *Client) Notifications(limit int) api.FetchFn {
	return c.pageFn(fmt.Sprintf("%s/api/v1/notifications?limit=%d", c.baseURL, clamp(limit, 1, 80)))
}

// Conversations fetches the direct-conversation list.
func (c *Client) Conversations(limit int) api.FetchFn {
	return c.pageFn(fmt.Sprintf("%s/api/v1/conversations?limit=%d", c.baseURL, clamp(limit, 1, 40)))
}

// Account fetches one account by id.
func (c *Client) Account(id string) api.EntityFetchFn {
	return c.entityFn(fmt.Sprintf("%s/api/v1/accounts/%s", c.baseURL, url.PathEscape(id)))
}

// AccountLookup resolves an account by handle.
func (c *Client) AccountLookup(acct string) api.EntityFetchFn {
	return c.entityFn(fmt.Sprintf("%s/api/v1/accounts/lookup?acct=%s", c.baseURL, url.QueryEscape(acct)))
}

// Status fetches one status by id.
func (c *Client) Status(id string) api.EntityFetchFn {
	return c.entityFn(fmt.Sprintf("%s/api/v1/statuses/%s", c.baseURL, url.PathEscape(id)))
}

// Relationships fetches relationship records for the given account ids in
// one batched request.
func (c *Client) Relationships(ctx context.Context, ids []string) ([]json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := make([]string, 0, len(ids))
	for _, id := range ids {
		q = append(q, "id[]="+url.QueryEscape(id))
	}
	resp, err := c.get(ctx, fmt.Sprintf("%s/api/v1/accounts/relationships?%s", c.baseURL, strings.Join(q, "&")))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, err
	}
	return items, nil
}

// CreateStatus posts a new status and returns the confirmed payload.
func (c *Client) CreateStatus(text, visibility string) api.MutateFn {
	return func(ctx context.Context) (json.RawMessage, error) {
		form := url.Values{}
		form.Set("status", text)
		if visibility != "" {
			form.Set("visibility", visibility)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/statuses", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		c.auth(req)
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, &api.StatusError{Code: resp.StatusCode}
		}
		var raw json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
}

// DeleteStatus deletes a status by id.
func (c *Client) DeleteStatus(id string) api.DeleteFn {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/api/v1/statuses/%s", c.baseURL, url.PathEscape(id)), nil)
		if err != nil {
			return err
		}
		c.auth(req)
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return &api.StatusError{Code: resp.StatusCode}
		}
		return nil
	}
}

// parseLink extracts the next/prev cursor URLs from an RFC 8288 Link header.
func parseLink(h string) (next, prev string) {
	for _, part := range strings.Split(h, ",") {
		fields := strings.Split(part, ";")
		if len(fields) < 2 {
			continue
		}
		u := strings.Trim(strings.TrimSpace(fields[0]), "<>")
		for _, f := range fields[1:] {
			switch strings.TrimSpace(f) {
			case `rel="next"`:
				next = u
			case `rel="prev"`:
				prev = u
			}
		}
	}
	return next, prev
}

func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err == nil {
			if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
				ra := resp.Header.Get("Retry-After")
				_ = resp.Body.Close()
				wait := backoff
				if ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil {
						wait = time.Duration(secs) * time.Second
					} else if t, err := http.ParseTime(ra); err == nil {
						if d := time.Until(t); d > 0 {
							wait = d
						}
					}
				}
				// jitter +/-20%
				jitter := time.Duration(float64(wait) * 0.2)
				if jitter > 0 {
					wait = wait - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
				}
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				backoff *= 2
				continue
			}
			return resp, nil
		}
		lastErr = err
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %v", c.maxAttempts, lastErr)
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return i
	}
	return def
}
