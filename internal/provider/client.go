// Package provider is the analytics fetch adapter: one report request per
// fetch, aggregate totals only, and a mandatory throttle pause after every
// request to respect the provider's rate quota.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sitepulse/internal/timeframe"
)

// Request describes one aggregate report fetch. Dimension and metric specs
// use the short form stored in formulas ("date", "sessions"); the client
// translates them to provider keys.
type Request struct {
	ProfileID  string
	Dimensions string
	Metrics    string
	Filter     string
	Window     timeframe.Window
}

// Report holds the aggregate totals of one fetch. Only totals are ever
// requested (max-results=0); there is no row-level data to read.
type Report struct {
	totals map[string]string
}

// NewReport builds a report from raw totals; used by test fakes.
func NewReport(totals map[string]string) *Report {
	return &Report{totals: totals}
}

// Accessor reads the named accessor's scalar from the report totals.
func (r *Report) Accessor(name string) (float64, error) {
	key, err := MetricKeyForAccessor(name)
	if err != nil {
		return 0, err
	}
	return r.total(key)
}

// GoalCompletions reads the completions total for a bounded goal slot.
func (r *Report) GoalCompletions(slot int) (float64, error) {
	key, err := GoalMetricKey(slot)
	if err != nil {
		return 0, err
	}
	return r.total(key)
}

func (r *Report) total(key string) (float64, error) {
	raw, ok := r.totals[key]
	if !ok {
		return 0, fmt.Errorf("report has no total for %s", key)
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed total for %s: %q", key, raw)
	}
	return value, nil
}

// Fetcher is the remote report-fetch interface the evaluator and goal
// resolver depend on.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Report, error)
}

// Client fetches aggregate reports over HTTP. It is not safe for concurrent
// use and does not need to be: the run is sequential by design.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	throttle    time.Duration

	// sleep is swapped out in tests to observe the throttle invariant.
	sleep func(time.Duration)
}

// NewClient creates a provider client. throttle is the fixed pause enforced
// after every request; it is the sole backpressure mechanism against the
// provider quota.
func NewClient(baseURL, accessToken string, throttle, timeout time.Duration) *Client {
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: timeout},
		throttle:    throttle,
		sleep:       time.Sleep,
	}
}

// SetSleepFunc replaces the throttle sleep; intended for tests.
func (c *Client) SetSleepFunc(fn func(time.Duration)) {
	c.sleep = fn
}

// apiResponse is the subset of the provider payload the client consumes.
type apiResponse struct {
	TotalsForAllResults map[string]string `json:"totalsForAllResults"`
	Error               *apiError         `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Fetch performs one report request and sleeps the throttle delay before
// returning control. Remote errors are not retried; they propagate as fetch
// failures.
func (c *Client) Fetch(ctx context.Context, req Request) (*Report, error) {
	if req.ProfileID == "" {
		return nil, fmt.Errorf("fetch requires a profile id")
	}
	if req.Metrics == "" {
		return nil, fmt.Errorf("fetch requires a metrics spec")
	}

	query := url.Values{}
	query.Set("ids", "ga:"+strings.TrimPrefix(req.ProfileID, "ga:"))
	query.Set("start-date", req.Window.Start.Format(timeframe.DateFormat))
	query.Set("end-date", req.Window.End.Format(timeframe.DateFormat))
	query.Set("metrics", prefixSpec(req.Metrics))
	if req.Dimensions != "" {
		query.Set("dimensions", prefixSpec(req.Dimensions))
	}
	if req.Filter != "" {
		query.Set("filters", normalizeFilter(req.Filter))
	}
	// Aggregate totals only; drill-down rows are never consumed.
	query.Set("start-index", "1")
	query.Set("max-results", "0")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build report request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("report request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read report response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var payload apiResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed report response: %w", err)
	}
	if payload.Error != nil {
		return nil, fmt.Errorf("provider error %d: %s", payload.Error.Code, payload.Error.Message)
	}
	if payload.TotalsForAllResults == nil {
		return nil, fmt.Errorf("report response missing totals")
	}

	// Observe the rate quota by sleeping after each provider request
	c.sleep(c.throttle)

	return &Report{totals: payload.TotalsForAllResults}, nil
}

// prefixSpec translates a short comma-separated spec ("sessions,users") to
// provider keys ("ga:sessions,ga:users").
func prefixSpec(spec string) string {
	parts := strings.Split(spec, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "ga:") {
			part = "ga:" + part
		}
		parts[i] = part
	}
	return strings.Join(parts, ",")
}

// normalizeFilter translates the stored filter form "country == United
// States" into the provider's "ga:country==United States".
func normalizeFilter(filter string) string {
	for _, op := range []string{"==", "!=", "=~", "!~"} {
		if idx := strings.Index(filter, op); idx > 0 {
			field := strings.TrimSpace(filter[:idx])
			value := strings.TrimSpace(filter[idx+len(op):])
			if !strings.HasPrefix(field, "ga:") {
				field = "ga:" + field
			}
			return field + op + value
		}
	}
	return filter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
