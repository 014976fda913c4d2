// Package httpclient implements store.Client against the /auth/v1, /rest/v1, /storage/v1 and
// /realtime/v1 surface served by cmd/api.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eugeniagram/eugeniagram/internal/common/retry"
	"github.com/eugeniagram/eugeniagram/internal/store"
)

type Config struct {
	BaseURL string
	// Timeout bounds a single HTTP request
	Timeout time.Duration
	// Retry applies to reads and realtime reconnects
	Retry retry.Config
}

// Client is safe for concurrent use
type Client struct {
	baseURL string
	http    *http.Client
	retry   retry.Config
	log     *slog.Logger

	mu        sync.RWMutex
	session   *store.Session
	listeners map[int]store.AuthListener
	nextID    int

	rtMu sync.Mutex
	rt   *realtimeConn
}

var _ store.Client = (*Client)(nil)

func New(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      &http.Client{Timeout: cfg.Timeout},
		retry:     cfg.Retry,
		log:       log,
		listeners: make(map[int]store.AuthListener),
	}
}

// envelope mirrors utils.Response with the payload kept raw
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

// send performs one request and returns the raw data of a successful envelope
func (c *Client) send(ctx context.Context, req request) (json.RawMessage, error) {
	op := req.method + " " + req.path

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, req.body)
	if err != nil {
		return nil, store.Wrap(op, err)
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if token := c.token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &store.Error{Op: op, Err: fmt.Errorf("%w: %v", store.ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 500 {
			return nil, &store.Error{Op: op, Err: fmt.Errorf("%w: status %d", store.ErrUnavailable, resp.StatusCode)}
		}
		return nil, &store.Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.StatusCode >= 400 || !env.Success {
		return nil, responseError(op, resp.StatusCode, env)
	}
	return env.Data, nil
}

func responseError(op string, status int, env envelope) error {
	msg := env.Error
	if msg == "" {
		msg = env.Message
	}
	sentinel := store.FromCode(env.Code)
	if sentinel == nil {
		switch {
		case status == http.StatusTooManyRequests, status >= 500:
			sentinel = store.ErrUnavailable
		default:
			sentinel = errors.New("request failed")
		}
	}
	return &store.Error{Op: op, Code: env.Code, Err: fmt.Errorf("%w: %s", sentinel, msg)}
}

// transient errors are worth another attempt
func transient(err error) bool {
	return errors.Is(err, store.ErrUnavailable)
}

// read retries transient failures of an idempotent request
func (c *Client) read(ctx context.Context, req request) (json.RawMessage, error) {
	var data json.RawMessage
	err := retry.Do(ctx, c.log, req.method+" "+req.path, func() error {
		var err error
		data, err = c.send(ctx, req)
		if err != nil && !transient(err) {
			return retry.Permanent(err)
		}
		return err
	}, c.retry)
	return data, err
}

func jsonBody(v any) (io.Reader, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	return bytes.NewReader(raw), nil
}

func decodeRows(data json.RawMessage, dest any) error {
	if dest == nil {
		return nil
	}
	var rows []store.Row
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("decode rows: %w", err)
		}
	}
	return store.DecodeRows(rows, dest)
}

func tablePath(table string) string {
	return "/rest/v1/" + url.PathEscape(table)
}

func (c *Client) Select(ctx context.Context, table string, q store.Query, dest any) error {
	data, err := c.read(ctx, request{method: http.MethodGet, path: tablePath(table), query: q.Values()})
	if err != nil {
		return err
	}
	return decodeRows(data, dest)
}

func (c *Client) Insert(ctx context.Context, table string, values any, dest any) error {
	body, err := jsonBody(values)
	if err != nil {
		return err
	}
	data, err := c.send(ctx, request{method: http.MethodPost, path: tablePath(table), body: body, contentType: "application/json"})
	if err != nil {
		return err
	}
	return decodeRows(data, dest)
}

func (c *Client) Update(ctx context.Context, table string, values store.Row, filters []store.Filter, dest any) error {
	body, err := jsonBody(values)
	if err != nil {
		return err
	}
	data, err := c.send(ctx, request{
		method:      http.MethodPatch,
		path:        tablePath(table),
		query:       store.FiltersValues(filters),
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return err
	}
	return decodeRows(data, dest)
}

func (c *Client) Delete(ctx context.Context, table string, filters []store.Filter) error {
	_, err := c.send(ctx, request{method: http.MethodDelete, path: tablePath(table), query: store.FiltersValues(filters)})
	return err
}

func (c *Client) RPC(ctx context.Context, name string, params any, dest any) error {
	body, err := jsonBody(params)
	if err != nil {
		return err
	}
	data, err := c.send(ctx, request{
		method:      http.MethodPost,
		path:        "/rest/v1/rpc/" + url.PathEscape(name),
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return err
	}
	if dest == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}

func (c *Client) Upload(ctx context.Context, bucket, objectPath string, body io.Reader, contentType string) (string, error) {
	segments := strings.Split(objectPath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	data, err := c.send(ctx, request{
		method:      http.MethodPost,
		path:        "/storage/v1/object/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/"),
		body:        body,
		contentType: contentType,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode upload result: %w", err)
	}
	return out.URL, nil
}

// Close drops the realtime connection
func (c *Client) Close() error {
	c.rtMu.Lock()
	rt := c.rt
	c.rt = nil
	c.rtMu.Unlock()
	if rt != nil {
		rt.close()
	}
	return nil
}
