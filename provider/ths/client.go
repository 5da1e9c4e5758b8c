// Package ths implements provider.FetchClient against the Tonghuashun-style
// iFinD HTTP gateway: token login, one logical session, JSON tables out.
package ths

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lhquant/dtsync/metrics"
	"github.com/lhquant/dtsync/provider"
)

const (
	loginPath    = "/auth/login"
	logoutPath   = "/auth/logout"
	quotesPath   = "/api/v1/history_quotes"
	dataPoolPath = "/api/v1/data_pool"
	stockPath    = "/api/v1/stock_list"

	// Gateway error codes.
	codeOK           = 0
	codeNotLoggedIn  = -1002
	codeInvalidToken = -1010
	codeLoginFailed  = -1015
	codeQuotaLimit   = -1020

	wireDate = "2006-01-02"

	// Indicators requested per daily-quote call. The gateway echoes these
	// back as column names.
	quoteIndicators = "open;high;low;close;volume;amount;turn;pctChg;avgPrice;preClose;pe_ttm;pb;total_mv;limit_up;limit_down;adj_factor;trade_status"

	// Dragon-tiger report id in the gateway's data pool.
	lhbReport = "p03425"
)

type apiResponse struct {
	ErrorCode int        `json:"errorcode"`
	ErrMsg    string     `json:"errmsg"`
	Data      *loginData `json:"data,omitempty"`
	Tables    []apiTable `json:"tables,omitempty"`
}

type loginData struct {
	AccessToken string `json:"access_token"`
}

type apiTable struct {
	Name    string   `json:"name,omitempty"`
	ThsCode string   `json:"thscode,omitempty"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpc.Timeout = d }
}

// Client holds one logical gateway session. All data calls are serialized
// through mu: the upstream session cannot serve concurrent requests.
type Client struct {
	baseURL  string
	user     string
	password string
	httpc    *http.Client
	log      *zap.Logger
	breaker  *gobreaker.CircuitBreaker[*apiResponse]

	mu    sync.Mutex
	token string
}

func New(baseURL, user, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		user:     user,
		password: password,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker[*apiResponse](gobreaker.Settings{
		Name:        "ths-gateway",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Only transport-level faults count against the breaker;
			// auth and quota answers mean the gateway is alive.
			var transient *provider.TransientError
			return err == nil || !errors.As(err, &transient)
		},
	})
	return c
}

// post runs one gateway round trip through the breaker and classifies
// transport-level failures. Callers map table-level emptiness themselves.
func (c *Client) post(ctx context.Context, path string, body any) (*apiResponse, error) {
	resp, err := c.breaker.Execute(func() (*apiResponse, error) {
		return c.postOnce(ctx, path, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &provider.TransientError{Err: fmt.Errorf("circuit open for %s: %w", path, err)}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) postOnce(ctx context.Context, path string, body any) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("access-token", c.token)
	}

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, &provider.TransientError{Err: fmt.Errorf("%s: %w", path, err)}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, &provider.RateLimitError{
			RetryAfter: retryAfter(res),
			Err:        fmt.Errorf("%s: HTTP 429", path),
		}
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		c.token = ""
		return nil, &provider.AuthError{Err: fmt.Errorf("%s: HTTP %d", path, res.StatusCode)}
	case res.StatusCode >= 500:
		return nil, &provider.TransientError{Err: fmt.Errorf("%s: HTTP %d", path, res.StatusCode)}
	case res.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: unexpected HTTP %d", path, res.StatusCode)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &provider.TransientError{Err: fmt.Errorf("read %s response: %w", path, err)}
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}

	switch out.ErrorCode {
	case codeOK:
		return &out, nil
	case codeNotLoggedIn, codeInvalidToken, codeLoginFailed:
		c.token = ""
		return nil, &provider.AuthError{Err: fmt.Errorf("%s: gateway %d: %s", path, out.ErrorCode, out.ErrMsg)}
	case codeQuotaLimit:
		return nil, &provider.RateLimitError{Err: fmt.Errorf("%s: gateway %d: %s", path, out.ErrorCode, out.ErrMsg)}
	default:
		return nil, fmt.Errorf("%s: gateway %d: %s", path, out.ErrorCode, out.ErrMsg)
	}
}

func retryAfter(res *http.Response) time.Duration {
	if v := res.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// ensureSession logs in when no token is held. Caller holds mu.
func (c *Client) ensureSession(ctx context.Context) error {
	if c.token != "" {
		return nil
	}
	return c.login(ctx)
}

// login performs the token exchange. Caller holds mu.
func (c *Client) login(ctx context.Context) error {
	resp, err := c.post(ctx, loginPath, map[string]string{
		"user_id":  c.user,
		"password": c.password,
	})
	if err != nil {
		return err
	}
	if resp.Data == nil || resp.Data.AccessToken == "" {
		return &provider.AuthError{Err: errors.New("login response carried no token")}
	}
	c.token = resp.Data.AccessToken
	c.log.Info("provider session established", zap.String("user", c.user))
	return nil
}

// Relogin drops the held token and performs a fresh login.
func (c *Client) Relogin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	return c.login(ctx)
}

// Close logs the session out. Errors are reported but the token is dropped
// either way.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.post(ctx, logoutPath, map[string]string{})
	c.token = ""
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// FetchDailyQuote returns one (code, date) quote payload. Field order follows
// the gateway's column order; the time column becomes the payload date.
func (c *Client) FetchDailyQuote(ctx context.Context, code string, date time.Time) (provider.RawPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := provider.RawPayload{EntityCode: code, TradeDate: date, Kind: provider.PayloadQuote}

	if err := c.ensureSession(ctx); err != nil {
		c.observe("history_quotes", err)
		return out, err
	}

	day := date.Format(wireDate)
	resp, err := c.post(ctx, quotesPath, map[string]string{
		"codes":      code,
		"indicators": quoteIndicators,
		"startdate":  day,
		"enddate":    day,
	})
	if err != nil {
		c.observe("history_quotes", err)
		return out, fmt.Errorf("fetch quote %s %s: %w", code, day, err)
	}

	row, cols, ok := findRow(resp.Tables, code, day)
	if !ok {
		nf := &provider.NotFoundError{EntityCode: code, TradeDate: date}
		c.observe("history_quotes", nf)
		return out, nf
	}
	for i, col := range cols {
		if col == "time" || col == "thscode" || i >= len(row) {
			continue
		}
		out.Add(col, row[i])
	}
	c.observe("history_quotes", nil)
	return out, nil
}

// findRow locates the row for (code, day) across the response tables.
func findRow(tables []apiTable, code, day string) ([]any, []string, bool) {
	for _, tbl := range tables {
		if tbl.ThsCode != "" && tbl.ThsCode != code {
			continue
		}
		timeIdx := -1
		for i, col := range tbl.Columns {
			if col == "time" {
				timeIdx = i
				break
			}
		}
		for _, row := range tbl.Rows {
			if timeIdx < 0 || timeIdx >= len(row) {
				continue
			}
			if s, ok := row[timeIdx].(string); ok && s == day {
				return row, tbl.Columns, true
			}
		}
	}
	return nil, nil, false
}

// FetchEventFeed pulls the dragon-tiger data pool for one date: a flow table
// (one row per listed code) and a seat table (one row per seat).
func (c *Client) FetchEventFeed(ctx context.Context, date time.Time) ([]provider.RawPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx); err != nil {
		c.observe("data_pool", err)
		return nil, err
	}

	day := date.Format(wireDate)
	resp, err := c.post(ctx, dataPoolPath, map[string]string{
		"reportname": lhbReport,
		"date":       day,
	})
	if err != nil {
		c.observe("data_pool", err)
		return nil, fmt.Errorf("fetch event feed %s: %w", day, err)
	}

	var payloads []provider.RawPayload
	for _, tbl := range resp.Tables {
		kind := provider.PayloadFlow
		if tbl.Name == "seats" {
			kind = provider.PayloadSeat
		}
		codeIdx := -1
		for i, col := range tbl.Columns {
			if col == "code" {
				codeIdx = i
				break
			}
		}
		for _, row := range tbl.Rows {
			if codeIdx < 0 || codeIdx >= len(row) {
				continue
			}
			code, ok := row[codeIdx].(string)
			if !ok || code == "" {
				continue
			}
			p := provider.RawPayload{EntityCode: code, TradeDate: date, Kind: kind}
			for i, col := range tbl.Columns {
				if i == codeIdx || i >= len(row) {
					continue
				}
				p.Add(col, row[i])
			}
			payloads = append(payloads, p)
		}
	}
	if len(payloads) == 0 {
		nf := &provider.NotFoundError{TradeDate: date}
		c.observe("data_pool", nf)
		return nil, nf
	}
	c.observe("data_pool", nil)
	return payloads, nil
}

// ListEntities returns the current A-share directory.
func (c *Client) ListEntities(ctx context.Context) ([]provider.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx); err != nil {
		c.observe("stock_list", err)
		return nil, err
	}

	resp, err := c.post(ctx, stockPath, map[string]string{"market": "ashare"})
	if err != nil {
		c.observe("stock_list", err)
		return nil, fmt.Errorf("fetch stock list: %w", err)
	}

	var out []provider.Entity
	for _, tbl := range resp.Tables {
		codeIdx, nameIdx := -1, -1
		for i, col := range tbl.Columns {
			switch col {
			case "code":
				codeIdx = i
			case "name":
				nameIdx = i
			}
		}
		if codeIdx < 0 {
			continue
		}
		for _, row := range tbl.Rows {
			if codeIdx >= len(row) {
				continue
			}
			code, ok := row[codeIdx].(string)
			if !ok || code == "" {
				continue
			}
			e := provider.Entity{Code: code}
			if nameIdx >= 0 && nameIdx < len(row) {
				if name, ok := row[nameIdx].(string); ok {
					e.Name = name
				}
			}
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		nf := &provider.NotFoundError{}
		c.observe("stock_list", nf)
		return nil, nf
	}
	c.observe("stock_list", nil)
	return out, nil
}

func (c *Client) observe(endpoint string, err error) {
	outcome := "ok"
	if kind := provider.Classify(err); kind != provider.ErrorKindNone {
		outcome = string(kind)
	}
	metrics.ProviderCalls.WithLabelValues(endpoint, outcome).Inc()
}
