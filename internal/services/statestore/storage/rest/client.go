package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/louisbranch/formstate/internal/platform/errors"
	"github.com/louisbranch/formstate/internal/platform/timeouts"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Default credentials match an unauthenticated document store.
const (
	DefaultUsername = "guest"
	DefaultPassword = ""
)

// Client talks to a REST backend.
type Client struct {
	base       string
	collection string
	username   string
	password   string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCollection selects the collection path records are stored under.
func WithCollection(collection string) ClientOption {
	return func(c *Client) { c.collection = storage.NormalizeCollection(collection) }
}

// WithCredentials sets the basic auth credentials sent on every request.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTimeout bounds each request.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient builds a client for the backend rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("rest backend url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse rest backend url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("rest backend url must be http or https, got %q", parsed.Scheme)
	}
	c := &Client{
		base:       baseURL,
		collection: storage.DefaultCollection,
		username:   DefaultUsername,
		password:   DefaultPassword,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeouts.BackendRequest,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Store PUTs one record under its key.
func (c *Client) Store(ctx context.Context, r storage.Record) error {
	if err := r.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid record", err)
	}
	body, err := json.Marshal(toWire(r))
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, c.keyURL(r.Key), body)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("store record", r.Key, resp)
	}
	return nil
}

// Fetch GETs one record. A 404 maps to storage.ErrNotFound.
func (c *Client) Fetch(ctx context.Context, key string) (storage.Record, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Record{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid record key", err)
	}
	resp, err := c.do(ctx, http.MethodGet, c.keyURL(key), nil)
	if err != nil {
		return storage.Record{}, err
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return storage.Record{}, storage.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return storage.Record{}, statusError("fetch record", key, resp)
	}
	var w wireRecord
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return storage.Record{}, apperrors.WrapWithMetadata(apperrors.CodeBackendError, "decode record", map[string]string{"key": key}, err)
	}
	if w.Key == "" {
		w.Key = key
	}
	return fromWire(w), nil
}

// DeleteWhere POSTs a delete query and returns the reported count.
func (c *Client) DeleteWhere(ctx context.Context, sel storage.Selector) (int, error) {
	if err := sel.Validate(); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid selector", err)
	}
	body, err := json.Marshal(deleteQuery{Delete: &wireSelector{Scope: string(sel.Scope), SessionID: sel.SessionID}})
	if err != nil {
		return 0, fmt.Errorf("encode delete query: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.base+pathPrefix+c.collection, body)
	if err != nil {
		return 0, err
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, statusError("delete records", string(sel.Scope), resp)
	}
	var result deleteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeBackendError, "decode delete result", err)
	}
	return result.Count, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) keyURL(key string) string {
	return c.base + pathPrefix + c.collection + url.PathEscape(key)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.WrapWithMetadata(apperrors.CodeBackendUnavailable, method+" request", map[string]string{"url": target}, err)
	}
	return resp, nil
}

func statusError(op, subject string, resp *http.Response) error {
	code := apperrors.CodeFromHTTPStatus(resp.StatusCode)
	if code == apperrors.CodeNotFound {
		code = apperrors.CodeBackendError
	}
	message := resp.Status
	var body errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Message != "" {
		message = resp.Status + ": " + body.Message
	}
	return apperrors.WithMetadata(code, op+" returned "+message, map[string]string{"subject": subject})
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
