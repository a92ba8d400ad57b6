package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"neowatch/internal/config"
	"neowatch/internal/model"
)

const feedPath = "/neo/rest/v1/feed"

// maxBody bounds how much of a feed response is read.
const maxBody = 32 << 20

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(cfg config.FeedConfig, logger *slog.Logger) *Client {
	return NewClientWithHTTP(cfg, newHTTPClient(cfg.Timeout), logger)
}

func NewClientWithHTTP(cfg config.FeedConfig, hc *http.Client, logger *slog.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.nasa.gov"
	}
	return &Client{baseURL: base, apiKey: cfg.APIKey, http: hc, logger: logger}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// Fetch issues one request for the close approaches dated day. It never
// retries; a failed fetch is reported as a *FetchError.
func (c *Client) Fetch(ctx context.Context, day time.Time) ([]model.Record, error) {
	day = model.Day(day)
	dayStr := model.FormatDate(day)

	q := url.Values{}
	q.Set("start_date", dayStr)
	q.Set("end_date", dayStr)
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+feedPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &FetchError{Day: dayStr, Op: "request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Day: dayStr, Op: "request", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{Day: dayStr, Op: "request", Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(snippet)))}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &FetchError{Day: dayStr, Op: "read", Status: resp.StatusCode, Err: err}
	}
	records, err := decodeDay(body, day)
	if err != nil {
		fe := &FetchError{Day: dayStr, Op: "decode", Err: err}
		var field *fieldError
		if errors.As(err, &field) {
			fe.Field = field.field
			fe.Err = field.err
		}
		return nil, fe
	}
	if c.logger != nil {
		c.logger.Debug("feed fetched", "day", dayStr, "records", len(records), "took", time.Since(start))
	}
	return records, nil
}
