// Package solr provides a sluice.Searcher backed by an Apache Solr
// select handler.
//
// Requests carry a query string relative to the configured base URL, for
// example "activity/select?q=reporting_org_ref:GB-1". The client adds
// pagination, field list, sort and response-format parameters and always
// asks Solr for JSON; output formats are rendered by sluice.
package solr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/justapithecus/sluice/sluice"
)

// errorBodyLimit bounds the response body quoted in errors.
const errorBodyLimit = 512

// uniqueKey is the schema field used to break sort ties for cursor scans.
const uniqueKey = "id"

// json decodes numbers as json.Number so large integers survive.
var json = jsoniter.Config{
	UseNumber: true,
}.Froze()

// Config holds configuration for the Solr client.
type Config struct {
	// BaseURL is the Solr root the request query is appended to, including
	// the trailing slash (e.g. "https://solr.example.org/solr/"). Required.
	BaseURL string

	// Username and Password enable HTTP basic auth when Username is set.
	Username string
	Password string

	// Timeout bounds each HTTP request. Default: 5 minutes.
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Client implements sluice.Searcher over HTTP.
type Client struct {
	base     string
	username string
	password string
	http     *http.Client
}

// New creates a Solr client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("solr: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("solr: invalid base url: %w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		hc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
			Timeout: timeout,
		}
	}

	return &Client{
		base:     cfg.BaseURL,
		username: cfg.Username,
		password: cfg.Password,
		http:     hc,
	}, nil
}

// selectResponse is the subset of a Solr select response the client reads.
type selectResponse struct {
	Response struct {
		NumFound int64           `json:"numFound"`
		Docs     []sluice.Record `json:"docs"`
	} `json:"response"`
	NextCursorMark string `json:"nextCursorMark"`
	Error          *struct {
		Msg  string `json:"msg"`
		Code int    `json:"code"`
	} `json:"error"`
}

// QueryMetadata implements sluice.Searcher with a rows=0 query.
func (c *Client) QueryMetadata(ctx context.Context, req sluice.ExportRequest) (sluice.Metadata, error) {
	u, err := c.queryURL(req)
	if err != nil {
		return sluice.Metadata{}, err
	}
	params := u.Query()
	params.Set("rows", "0")
	u.RawQuery = params.Encode()

	resp, err := c.do(ctx, u)
	if err != nil {
		return sluice.Metadata{}, err
	}
	return sluice.Metadata{TotalRecords: resp.Response.NumFound}, nil
}

// QueryPage implements sluice.Searcher.
func (c *Client) QueryPage(ctx context.Context, q sluice.PageQuery) (sluice.Page, error) {
	u, err := c.queryURL(q.Request)
	if err != nil {
		return sluice.Page{}, err
	}
	params := u.Query()
	params.Set("rows", strconv.Itoa(q.Rows))
	params.Set("omitHeader", "true")

	switch q.Strategy {
	case sluice.PaginateCursor:
		params.Del("start")
		params.Set("cursorMark", q.Cursor.Mark)
		params.Set("sort", withTieBreaker(params.Get("sort")))
	default:
		params.Set("start", strconv.Itoa(q.Cursor.Start))
	}
	u.RawQuery = params.Encode()

	resp, err := c.do(ctx, u)
	if err != nil {
		return sluice.Page{}, err
	}

	page := sluice.Page{Records: resp.Response.Docs}
	if q.Strategy == sluice.PaginateCursor {
		page.Cursor = sluice.Cursor{Mark: resp.NextCursorMark}
	}
	return page, nil
}

// queryURL resolves the request query against the base URL and applies the
// parameters shared by every call.
func (c *Client) queryURL(req sluice.ExportRequest) (*url.URL, error) {
	u, err := url.Parse(c.base + strings.TrimPrefix(req.Query, "/"))
	if err != nil {
		return nil, fmt.Errorf("solr: invalid query: %w", err)
	}
	params := u.Query()
	params.Set("wt", "json")
	if !params.Has("sort") && req.SortHint != "" {
		params.Set("sort", req.SortHint)
	}
	if len(req.Fields) > 0 {
		params.Set("fl", strings.Join(req.Fields, ","))
	}
	u.RawQuery = params.Encode()
	return u, nil
}

func (c *Client) do(ctx context.Context, u *url.URL) (*selectResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("solr: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.username != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("solr: request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, errorBodyLimit))
		return nil, &StatusError{Code: httpResp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var resp selectResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("solr: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("solr: %d: %s", resp.Error.Code, resp.Error.Msg)
	}
	return &resp, nil
}

// withTieBreaker appends the unique key to sort so cursor scans are total.
func withTieBreaker(sort string) string {
	if sort == "" {
		return uniqueKey + " asc"
	}
	for _, clause := range strings.Split(sort, ",") {
		if fields := strings.Fields(clause); len(fields) > 0 && fields[0] == uniqueKey {
			return sort
		}
	}
	return sort + "," + uniqueKey + " asc"
}

// StatusError is returned for non-2xx Solr responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("solr: status %d", e.Code)
	}
	return fmt.Sprintf("solr: status %d: %s", e.Code, e.Body)
}

var _ sluice.Searcher = (*Client)(nil)
