package tokensource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/DonAlex1897/ruminster-client/internal/api"
	"github.com/DonAlex1897/ruminster-client/internal/tokenstore"
)

// refreshTimeout bounds a refresh network call. The refresh runs on its own
// context so that cancellation of one caller's request cannot abort an
// attempt shared with other callers.
const refreshTimeout = 30 * time.Second

// singleflight key; there is only ever one logical refresh operation.
const refreshKey = "refresh"

var (
	// ErrNoRefreshToken is returned when a refresh is requested but no
	// refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshRejected is returned when the server rejects the refresh
	// token. Local credentials are cleared before this error is returned.
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// IdentifierFunc extracts the user identifier carried by a refresh token.
// Returns "" when no identifier can be recovered.
type IdentifierFunc func(refreshToken string) string

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithHTTPClient sets a custom HTTP client for refresh requests.
// If not provided, a client with a 30-second timeout is used.
func WithHTTPClient(client *http.Client) CoordinatorOption {
	return func(c *Coordinator) {
		c.httpClient = client
	}
}

// WithIdentifierFunc overrides how the user identifier is extracted from the
// refresh token. The default treats the token as a JWT and returns its
// subject claim.
func WithIdentifierFunc(fn IdentifierFunc) CoordinatorOption {
	return func(c *Coordinator) {
		c.identify = fn
	}
}

// Coordinator turns "I need a valid access token" into at most one in-flight
// refresh call shared by all concurrent callers. Construct one per
// application and pass it by reference; it holds no hidden global state.
type Coordinator struct {
	store      *tokenstore.Store
	refreshURL string
	httpClient *http.Client
	identify   IdentifierFunc

	group singleflight.Group

	mu          sync.Mutex
	onRefreshed []func(newAccessToken string)
	onFailed    []func()
}

// Compile-time check to ensure Coordinator implements oauth2.TokenSource
var _ oauth2.TokenSource = (*Coordinator)(nil)

// New creates a Coordinator that refreshes credentials against refreshURL
// and persists them through store.
func New(store *tokenstore.Store, refreshURL string, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if refreshURL == "" {
		return nil, fmt.Errorf("missing refresh URL")
	}

	c := &Coordinator{
		store:      store,
		refreshURL: refreshURL,
		httpClient: &http.Client{Timeout: refreshTimeout},
		identify:   SubjectIdentifier,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OnTokenRefreshed registers a callback invoked exactly once per completed
// refresh, after the new credential has been persisted.
func (c *Coordinator) OnTokenRefreshed(fn func(newAccessToken string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRefreshed = append(c.onRefreshed, fn)
}

// OnRefreshFailed registers a callback invoked exactly once per failed
// refresh, after local credentials have been cleared.
func (c *Coordinator) OnRefreshFailed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailed = append(c.onFailed, fn)
}

// GetValidAccessToken returns the stored access token when it is still
// outside the refresh margin, without touching the network. Otherwise it
// performs (or joins) a refresh.
func (c *Coordinator) GetValidAccessToken(ctx context.Context) (string, error) {
	if !c.store.IsExpired(ctx) {
		return c.store.AccessToken(ctx), nil
	}
	return c.RefreshAccessToken(ctx)
}

// RefreshAccessToken obtains a new credential pair using the stored refresh
// token. Concurrent calls share one network attempt and one outcome. On
// success the new pair is persisted before the result resolves, so a
// subsequent store read observes the fresh credential. On failure local
// credentials are cleared.
func (c *Coordinator) RefreshAccessToken(ctx context.Context) (string, error) {
	result, err, _ := c.group.Do(refreshKey, func() (any, error) {
		return c.refresh()
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// refresh performs the actual network call. Runs on its own context: callers
// that gave up must not cancel an attempt other callers still wait on.
func (c *Coordinator) refresh() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	refreshToken := c.store.RefreshToken(ctx)
	if refreshToken == "" {
		c.notifyFailed()
		return "", ErrNoRefreshToken
	}

	body, err := json.Marshal(api.RefreshRequest{
		UserID:       c.identify(refreshToken),
		RefreshToken: refreshToken,
	})
	if err != nil {
		return "", fmt.Errorf("encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.fail(ctx)
		return "", fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused; the body is not parsed.
		_, _ = io.Copy(io.Discard, resp.Body)
		c.fail(ctx)
		return "", fmt.Errorf("%w: status %d", ErrRefreshRejected, resp.StatusCode)
	}

	var refreshed api.RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&refreshed); err != nil {
		c.fail(ctx)
		return "", fmt.Errorf("decoding refresh response: %w", err)
	}

	// Persist before resolving so any subsequent read sees the new pair.
	c.store.Save(ctx, refreshed.AccessToken, refreshed.RefreshToken, time.Duration(refreshed.ExpiresIn)*time.Second)
	slog.DebugContext(ctx, "access token refreshed", "expires_in", refreshed.ExpiresIn)

	c.notifyRefreshed(refreshed.AccessToken)
	return refreshed.AccessToken, nil
}

// fail clears local credentials and notifies consumers. A dead refresh token
// cannot recover; the next load starts from "logged out".
func (c *Coordinator) fail(ctx context.Context) {
	c.store.Clear(ctx)
	c.notifyFailed()
}

func (c *Coordinator) notifyRefreshed(token string) {
	c.mu.Lock()
	callbacks := make([]func(string), len(c.onRefreshed))
	copy(callbacks, c.onRefreshed)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(token)
	}
}

func (c *Coordinator) notifyFailed() {
	c.mu.Lock()
	callbacks := make([]func(), len(c.onFailed))
	copy(callbacks, c.onFailed)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Token implements oauth2.TokenSource, returning a valid token and
// refreshing if necessary.
func (c *Coordinator) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation)
	ctx := context.Background()

	accessToken, err := c.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}
	if cred := c.store.Get(ctx); cred != nil {
		token.RefreshToken = cred.RefreshToken
		token.Expiry = cred.ExpiresAt
	}
	return token, nil
}
