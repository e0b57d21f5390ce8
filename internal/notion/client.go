// Package notion is the HTTP client for the Notion REST API. Each method
// performs exactly one request; rate limiting and retries are applied by
// the caller through a remote.Gate.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"capsule-go/internal/capsule"
	"capsule-go/internal/remote"
	"capsule-go/internal/syncerr"
)

const (
	DefaultBaseURL = "https://api.notion.com/v1"
	DefaultVersion = "2022-06-28"

	// maxPageSize is the largest page size the API accepts.
	maxPageSize = 100
	// maxAppend is the largest number of blocks one append request accepts.
	maxAppend = 100
	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// Config configures a Client.
type Config struct {
	Token   string
	BaseURL string
	Version string
	Timeout time.Duration
}

// Client implements capsule.Remote against the Notion API.
type Client struct {
	token   string
	baseURL string
	version string
	http    *http.Client
	logger  capsule.Logger
}

// New creates a client. Empty BaseURL and Version select the defaults.
func New(cfg Config, logger capsule.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, syncerr.New(syncerr.Configuration, "notion client", "no integration token configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, syncerr.Wrap(syncerr.Configuration, "notion client", fmt.Errorf("base url: %w", err))
	}
	return &Client{
		token:   cfg.Token,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		version: cfg.Version,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}, nil
}

type searchRequest struct {
	Filter struct {
		Property string `json:"property"`
		Value    string `json:"value"`
	} `json:"filter"`
	PageSize    int    `json:"page_size"`
	StartCursor string `json:"start_cursor,omitempty"`
}

type queryRequest struct {
	PageSize    int    `json:"page_size"`
	StartCursor string `json:"start_cursor,omitempty"`
}

type listResponse struct {
	Object     string            `json:"object"`
	Results    []json.RawMessage `json:"results"`
	HasMore    bool              `json:"has_more"`
	NextCursor *string           `json:"next_cursor"`
}

// SearchPages lists every page and database row shared with the integration.
func (c *Client) SearchPages(ctx context.Context, cursor string) (remote.Page[capsule.Node], error) {
	return c.search(ctx, "page", cursor)
}

// SearchDatabases lists every database shared with the integration.
func (c *Client) SearchDatabases(ctx context.Context, cursor string) (remote.Page[capsule.Node], error) {
	return c.search(ctx, "database", cursor)
}

func (c *Client) search(ctx context.Context, object string, cursor string) (remote.Page[capsule.Node], error) {
	var req searchRequest
	req.Filter.Property = "object"
	req.Filter.Value = object
	req.PageSize = maxPageSize
	req.StartCursor = cursor

	op := "search " + object + "s"
	var list listResponse
	if err := c.do(ctx, op, http.MethodPost, "/search", req, &list); err != nil {
		return remote.Page[capsule.Node]{}, err
	}
	return nodePage(op, list)
}

// QueryDatabase lists the rows of a database.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string, cursor string) (remote.Page[capsule.Node], error) {
	req := queryRequest{PageSize: maxPageSize, StartCursor: cursor}
	var list listResponse
	if err := c.do(ctx, "query database", http.MethodPost, "/databases/"+url.PathEscape(databaseID)+"/query", req, &list); err != nil {
		return remote.Page[capsule.Node]{}, syncerr.WithNode(err, databaseID)
	}
	page, err := nodePage("query database", list)
	return page, syncerr.WithNode(err, databaseID)
}

// GetPage retrieves a page or database row.
func (c *Client) GetPage(ctx context.Context, id string) (capsule.Node, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "get page", http.MethodGet, "/pages/"+url.PathEscape(id), nil, &raw); err != nil {
		return capsule.Node{}, syncerr.WithNode(err, id)
	}
	n, err := decodeNode(raw)
	if err != nil {
		return capsule.Node{}, malformed("get page", id, err)
	}
	if n.Kind == capsule.KindDatabase {
		return capsule.Node{}, malformed("get page", id, errors.New("got a database"))
	}
	return n, nil
}

// GetDatabase retrieves a database with its schema.
func (c *Client) GetDatabase(ctx context.Context, id string) (capsule.Node, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "get database", http.MethodGet, "/databases/"+url.PathEscape(id), nil, &raw); err != nil {
		return capsule.Node{}, syncerr.WithNode(err, id)
	}
	n, err := decodeNode(raw)
	if err != nil {
		return capsule.Node{}, malformed("get database", id, err)
	}
	if n.Kind != capsule.KindDatabase {
		return capsule.Node{}, malformed("get database", id, fmt.Errorf("got a %s", n.Kind))
	}
	return n, nil
}

// GetBlocks lists the direct children of a page or block.
func (c *Client) GetBlocks(ctx context.Context, blockID string, cursor string) (remote.Page[capsule.Block], error) {
	q := url.Values{}
	q.Set("page_size", strconv.Itoa(maxPageSize))
	if cursor != "" {
		q.Set("start_cursor", cursor)
	}
	var list listResponse
	path := "/blocks/" + url.PathEscape(blockID) + "/children?" + q.Encode()
	if err := c.do(ctx, "get blocks", http.MethodGet, path, nil, &list); err != nil {
		return remote.Page[capsule.Block]{}, syncerr.WithNode(err, blockID)
	}
	if err := checkList(list); err != nil {
		return remote.Page[capsule.Block]{}, malformed("get blocks", blockID, err)
	}

	page := remote.Page[capsule.Block]{HasMore: list.HasMore}
	if list.NextCursor != nil {
		page.NextCursor = *list.NextCursor
	}
	for _, raw := range list.Results {
		b, err := decodeBlock(raw)
		if err != nil {
			return remote.Page[capsule.Block]{}, malformed("get blocks", blockID, err)
		}
		page.Items = append(page.Items, b)
	}
	return page, nil
}

// AppendBlocks appends blocks to the end of a page, at most 100 per call.
// Each block is a JSON object in the API's block format.
func (c *Client) AppendBlocks(ctx context.Context, pageID string, blocks []map[string]any) error {
	if len(blocks) > maxAppend {
		return syncerr.New(syncerr.Configuration, "append blocks", fmt.Sprintf("%d blocks exceed the limit of %d", len(blocks), maxAppend))
	}
	req := map[string]any{"children": blocks}
	var resp listResponse
	err := c.do(ctx, "append blocks", http.MethodPatch, "/blocks/"+url.PathEscape(pageID)+"/children", req, &resp)
	return syncerr.WithNode(err, pageID)
}

// Download fetches a file. Hosted file URLs are pre-signed, so the
// integration token is not sent.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Malformed, "download", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, "download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError("download", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, "download", err)
	}
	return data, nil
}

// do sends one API request and decodes a successful JSON response into out.
func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return syncerr.Wrap(syncerr.Configuration, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", c.version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("notion request", "op", op, "method", method, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return syncerr.Wrap(syncerr.Malformed, op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusError classifies a non-2xx response.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := http.StatusText(resp.StatusCode)
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
		msg = ae.Code + ": " + ae.Message
	}

	e := &syncerr.Error{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized:
		e.Kind = syncerr.Authentication
	case code == http.StatusForbidden:
		e.Kind = syncerr.PermissionDenied
	case code == http.StatusNotFound:
		e.Kind = syncerr.NotFound
	case code == http.StatusTooManyRequests:
		e.Kind = syncerr.RateLimited
		e.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
	case code == http.StatusInternalServerError, code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable, code == http.StatusGatewayTimeout:
		e.Kind = syncerr.Transient
		e.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
	case code >= 400 && code < 500:
		e.Kind = syncerr.Malformed
	default:
		e.Kind = syncerr.Unknown
	}
	return e
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// transportError classifies a failure to get any response. Cancellation
// of the caller's context is returned as is.
func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &syncerr.Error{Kind: syncerr.Transient, Op: op, Err: err}
}

func malformed(op, id string, err error) error {
	return &syncerr.Error{Kind: syncerr.Malformed, Op: op, NodeID: id, Err: err}
}

func checkList(list listResponse) error {
	if list.Object != "list" {
		return fmt.Errorf("expected a list, got %q", list.Object)
	}
	if list.HasMore && (list.NextCursor == nil || *list.NextCursor == "") {
		return errors.New("has_more without next_cursor")
	}
	return nil
}

func nodePage(op string, list listResponse) (remote.Page[capsule.Node], error) {
	if err := checkList(list); err != nil {
		return remote.Page[capsule.Node]{}, malformed(op, "", err)
	}
	page := remote.Page[capsule.Node]{HasMore: list.HasMore}
	if list.NextCursor != nil {
		page.NextCursor = *list.NextCursor
	}
	for _, raw := range list.Results {
		n, err := decodeNode(raw)
		if err != nil {
			return remote.Page[capsule.Node]{}, malformed(op, "", err)
		}
		page.Items = append(page.Items, n)
	}
	return page, nil
}

var _ capsule.Remote = (*Client)(nil)
