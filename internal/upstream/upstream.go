// Package upstream is the client for the vendor IoT API: configured
// points and paginated raw time-series samples. It applies the retry
// primitive for transient failures, a shared rate limiter to avoid 429s,
// and honors Retry-After when the vendor sends one.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"sensorlake/internal/errs"
	"sensorlake/internal/retry"
)

// Point is one configured point as reported by the vendor API.
type Point struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// RawSample is one upstream reading before NaN-filtering and timestamp
// parsing to milliseconds.
type RawSample struct {
	Name  string  `json:"name"`
	Time  string  `json:"time"` // ISO-8601
	Value float64 `json:"value"`
}

type configuredPointsResponse struct {
	Points []Point `json:"points"`
}

type timeseriesResponse struct {
	PointSamples []RawSample `json:"point_samples"`
	NextCursor   string      `json:"next_cursor"`
	HasMore      bool        `json:"has_more"`
}

// Client talks to the upstream vendor API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a Client. requestsPerMinute <= 0 disables local rate
// limiting (the retry loop's 429 handling still applies).
func NewClient(baseURL, token string, requestsPerMinute int, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	}
	return &Client{baseURL: baseURL, token: token, httpClient: httpClient, limiter: limiter}
}

// ConfiguredPoints fetches every configured point for a site, following
// pagination until the vendor reports no more pages.
func (c *Client) ConfiguredPoints(ctx context.Context, site string) ([]Point, error) {
	var all []Point
	page := 1
	const perPage = 500

	for {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(perPage))
		path := fmt.Sprintf("/sites/%s/configured_points?%s", url.PathEscape(site), q.Encode())

		var resp configuredPointsResponse
		if err := c.getJSON(ctx, path, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Points...)
		if len(resp.Points) < perPage {
			break
		}
		page++
	}
	return all, nil
}

// FetchSamplesPage is one page of the cursor-paginated timeseries
// endpoint, bounded [startMS, endMS).
func (c *Client) FetchSamplesPage(ctx context.Context, site string, startMS, endMS int64, pageSize int, cursor string) ([]RawSample, string, bool, error) {
	q := url.Values{}
	q.Set("start_time", strconv.FormatInt(startMS, 10))
	q.Set("end_time", strconv.FormatInt(endMS, 10))
	q.Set("page_size", strconv.Itoa(pageSize))
	q.Set("raw_data", "true")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := fmt.Sprintf("/sites/%s/timeseries/paginated?%s", url.PathEscape(site), q.Encode())

	var resp timeseriesResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, "", false, err
	}
	return resp.PointSamples, resp.NextCursor, resp.HasMore, nil
}

// FetchAllSamples pages through the full [startMS, endMS) window,
// returning every raw sample across all pages.
func (c *Client) FetchAllSamples(ctx context.Context, site string, startMS, endMS int64, pageSize int) ([]RawSample, error) {
	var all []RawSample
	cursor := ""
	for {
		page, next, hasMore, err := c.FetchSamplesPage(ctx, site, startMS, endMS, pageSize, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if !hasMore {
			break
		}
		cursor = next
	}
	return all, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	policy := retry.DefaultPolicy(errs.Retryable)

	return retry.Do(ctx, policy, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return errs.New(errs.Internal, "build_request_failed", "failed to build upstream request", err)
		}
		// http.Header.Set/Add canonicalize the key to "Authorization"; the
		// vendor API requires the literal lowercase header name, so write
		// it directly into the header map instead.
		req.Header["authorization"] = []string{"Bearer " + c.token}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errs.New(errs.UpstreamTransient, "upstream_unreachable", "upstream request failed", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errs.New(errs.UpstreamTransient, "upstream_read_failed", "failed to read upstream body", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := parseRetryAfter(resp.Header.Get("Retry-After"))
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return errs.New(errs.RateLimited, "upstream_rate_limited", "upstream returned 429", nil)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return errs.New(errs.Auth, "upstream_auth_failed", "upstream rejected credentials", nil)
		case resp.StatusCode >= 500:
			return errs.New(errs.UpstreamTransient, "upstream_5xx", fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
		case resp.StatusCode >= 400:
			return errs.New(errs.UpstreamRejected, "upstream_4xx", fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
		}

		if err := json.Unmarshal(body, out); err != nil {
			return errs.New(errs.Integrity, "upstream_decode_failed", "failed to decode upstream response", err)
		}
		return nil
	})
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when)
	}
	return 0
}

// ParseSampleTime parses the vendor's ISO-8601 time string to
// milliseconds since the Unix epoch.
func ParseSampleTime(iso string) (int64, error) {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return 0, fmt.Errorf("parse sample time %q: %w", iso, err)
	}
	return t.UnixMilli(), nil
}
