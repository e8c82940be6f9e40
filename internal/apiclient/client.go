package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DonAlex1897/ruminster-client/internal/tokenstore"
)

// TokenRefresher is the slice of the refresh coordinator the client needs:
// one coordinated refresh shared with every other caller.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context) (string, error)
}

// requestOptions holds per-request settings accumulated from RequestOptions.
type requestOptions struct {
	body    []byte
	hasBody bool
	noAuth  bool
	noRetry bool
}

// RequestOption configures a single request.
type RequestOption func(*requestOptions) error

// WithJSONBody marshals v and sends it as the JSON request body.
func WithJSONBody(v any) RequestOption {
	return func(o *requestOptions) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		o.body = data
		o.hasBody = true
		return nil
	}
}

// WithoutAuth skips attaching the Authorization header. Implies no retry:
// an unauthenticated request cannot fail for token expiry.
func WithoutAuth() RequestOption {
	return func(o *requestOptions) error {
		o.noAuth = true
		return nil
	}
}

// WithoutRetry disables the refresh-and-retry path for this request.
func WithoutRetry() RequestOption {
	return func(o *requestOptions) error {
		o.noRetry = true
		return nil
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client for outbound requests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client issues authenticated requests against the API. It reads the current
// access token from the store on every call and delegates renewal to the
// refresh coordinator, so it never holds token state of its own.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      *tokenstore.Store
	tokens     TokenRefresher
}

// New creates a Client for the API at baseURL.
func New(baseURL string, store *tokenstore.Store, tokens TokenRefresher, opts ...ClientOption) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if tokens == nil {
		return nil, fmt.Errorf("missing token refresher")
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		store:      store,
		tokens:     tokens,
	}, nil
}

// Do issues a request against path. The caller owns the returned response
// body. Cancellation of ctx aborts this request but never a refresh shared
// with other callers.
func (c *Client) Do(ctx context.Context, method, path string, opts ...RequestOption) (*http.Response, error) {
	options := &requestOptions{}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}

	resp, err := c.send(ctx, method, path, options)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || options.noRetry || options.noAuth {
		return resp, nil
	}
	if c.store.RefreshToken(ctx) == "" {
		return resp, nil
	}

	if _, err := c.tokens.RefreshAccessToken(ctx); err != nil {
		// Unrecoverable: credentials are already cleared. The original
		// failure surfaces unchanged for the caller to handle.
		slog.WarnContext(ctx, "token refresh after 401 failed", "method", method, "path", path, "error", err)
		return resp, nil
	}

	// Identical request, exactly once, with retry disabled.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	options.noRetry = true
	return c.send(ctx, method, path, options)
}

// send builds and issues a single HTTP request.
func (c *Client) send(ctx context.Context, method, path string, options *requestOptions) (*http.Response, error) {
	var body io.Reader
	if options.hasBody {
		body = bytes.NewReader(options.body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if options.hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if !options.noAuth {
		if token := c.store.AccessToken(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return c.httpClient.Do(req)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, opts...)
}

// Post issues a POST request.
func (c *Client) Post(ctx context.Context, path string, opts ...RequestOption) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, opts...)
}

// Put issues a PUT request.
func (c *Client) Put(ctx context.Context, path string, opts ...RequestOption) (*http.Response, error) {
	return c.Do(ctx, http.MethodPut, path, opts...)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*http.Response, error) {
	return c.Do(ctx, http.MethodDelete, path, opts...)
}
