package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"tariffmeter/internal/domain"
)

const (
	// maxPageEntries caps a single page request; the API refuses larger pages.
	maxPageEntries = 100
	// defaultMaxPages bounds the pagination loop of one fetch.
	defaultMaxPages = 50
	// defaultFetchSize is the total entry target when the caller gives none.
	defaultFetchSize = 1000

	tokenPath     = "/v1.0/token"
	deviceLogPath = "/v1.0/devices/%s/logs"
)

// Termination reasons of the pagination loop, reported for observability.
const (
	StopExhausted = "exhausted"  // server signalled no further pages
	StopSizeMet   = "size_met"   // the requested total size was reached
	StopPageCap   = "page_cap"   // MaxPages fetches were spent
)

// Client is the signed HTTP client for the device-telemetry API. It is a
// pure network adapter: it persists nothing and holds no token across calls.
// Every FetchLogs re-authenticates and every page request carries a fresh
// timestamp, nonce and signature.
type Client struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a client for the API at baseURL.
func New(baseURL, clientID, secret string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		clientID:   clientID,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LogQuery bounds one paginated fetch. Start and End accept epoch
// milliseconds, negative day offsets relative to now, or 0 meaning now.
type LogQuery struct {
	Start     int64
	End       int64
	EventType string // log type filter, e.g. "7" for data points
	Size      int    // total entry target, default 1000
	MaxPages  int    // pagination ceiling, default 50
}

// LogResult is the outcome of a fully successful fetch.
type LogResult struct {
	Entries   []domain.RawLogEntry
	PageCount int
	Stopped   string // one of the Stop* reasons
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Result  json.RawMessage `json:"result"`
}

type tokenResult struct {
	AccessToken string `json:"access_token"`
}

type logPageResult struct {
	Logs       []domain.RawLogEntry `json:"logs"`
	HasNext    bool                 `json:"has_next"`
	NextRowKey string               `json:"next_row_key"`
}

// AcquireToken requests a fresh access token from the token endpoint.
func (c *Client) AcquireToken(ctx context.Context) (string, error) {
	query := map[string]string{"grant_type": "1"}
	body, err := c.get(ctx, tokenPath, query, "")
	if err != nil {
		return "", &AuthError{Err: err}
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", &AuthError{Body: string(body), Err: err}
	}
	if !env.Success {
		return "", &AuthError{Body: string(body)}
	}

	var res tokenResult
	if err := json.Unmarshal(env.Result, &res); err != nil || res.AccessToken == "" {
		return "", &AuthError{Body: string(body), Err: err}
	}
	return res.AccessToken, nil
}

// FetchLogs pages through a device's event logs for the resolved window and
// returns all entries in server order. The fetch is all-or-nothing: a failed
// page discards everything collected so far.
func (c *Client) FetchLogs(ctx context.Context, deviceID string, q LogQuery) (*LogResult, error) {
	token, err := c.AcquireToken(ctx)
	if err != nil {
		return nil, err
	}

	start, end := resolveWindow(q.Start, q.End, c.now())
	size := q.Size
	if size <= 0 {
		size = defaultFetchSize
	}
	maxPages := q.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	result := &LogResult{}
	rowKey := ""
	path := fmt.Sprintf(deviceLogPath, url.PathEscape(deviceID))

	for {
		pageSize := size - len(result.Entries)
		if pageSize > maxPageEntries {
			pageSize = maxPageEntries
		}

		query := map[string]string{
			"start_time": fmt.Sprintf("%d", start),
			"end_time":   fmt.Sprintf("%d", end),
			"type":       q.EventType,
			"size":       fmt.Sprintf("%d", pageSize),
			"query_type": "1",
		}
		if rowKey != "" {
			query["start_row_key"] = rowKey
		}

		body, err := c.get(ctx, path, query, token)
		if err != nil {
			return nil, &RemoteError{DeviceID: deviceID, Page: result.PageCount + 1, Err: err}
		}

		var env apiEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, &RemoteError{DeviceID: deviceID, Page: result.PageCount + 1, Body: string(body), Err: err}
		}
		if !env.Success {
			return nil, &RemoteError{DeviceID: deviceID, Page: result.PageCount + 1, Body: string(body)}
		}

		var page logPageResult
		if err := json.Unmarshal(env.Result, &page); err != nil {
			return nil, &RemoteError{DeviceID: deviceID, Page: result.PageCount + 1, Body: string(body), Err: err}
		}

		result.Entries = append(result.Entries, page.Logs...)
		result.PageCount++

		switch {
		case !page.HasNext || page.NextRowKey == "":
			result.Stopped = StopExhausted
			return result, nil
		case len(result.Entries) >= size:
			result.Stopped = StopSizeMet
			return result, nil
		case result.PageCount >= maxPages:
			result.Stopped = StopPageCap
			return result, nil
		}
		rowKey = page.NextRowKey
	}
}

// get issues one signed GET request and returns the raw response body.
func (c *Client) get(ctx context.Context, path string, query map[string]string, accessToken string) ([]byte, error) {
	ts := c.now().UnixMilli()
	nonce := uuid.NewString()

	canonical := canonicalString(http.MethodGet, path, query, nil)
	signature := sign(c.clientID, c.secret, accessToken, nonce, ts, canonical)

	vals := url.Values{}
	for k, v := range query {
		vals.Set(k, v)
	}
	reqURL := c.baseURL + path + "?" + vals.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("client_id", c.clientID)
	req.Header.Set("t", fmt.Sprintf("%d", ts))
	req.Header.Set("sign", signature)
	req.Header.Set("sign_method", "HMAC-SHA256")
	req.Header.Set("nonce", nonce)
	if accessToken != "" {
		req.Header.Set("access_token", accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

// resolveWindow turns the caller's start/end hints into an absolute epoch-ms
// window: 0 means now, a negative value means that many days before now, and
// an inverted window is swapped rather than rejected.
func resolveWindow(start, end int64, now time.Time) (int64, int64) {
	nowMs := now.UnixMilli()

	resolve := func(v int64) int64 {
		switch {
		case v == 0:
			return nowMs
		case v < 0:
			return nowMs + v*24*int64(time.Hour/time.Millisecond)
		default:
			return v
		}
	}

	s, e := resolve(start), resolve(end)
	if s > e {
		s, e = e, s
	}
	return s, e
}
