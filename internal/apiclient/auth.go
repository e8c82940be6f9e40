package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/DonAlex1897/ruminster-client/internal/api"
)

// Login exchanges credentials for a token pair, persists it, and returns the
// server's response including the user record and terms-of-service flags.
func (c *Client) Login(ctx context.Context, username, password string) (*api.LoginResponse, error) {
	resp, err := c.Post(ctx, "/auth/login",
		WithJSONBody(api.LoginRequest{Username: username, Password: password}),
		WithoutAuth(),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("login failed: status %d", resp.StatusCode)
	}

	var login api.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}

	c.store.Save(ctx, login.AccessToken, login.RefreshToken, time.Duration(login.ExpiresIn)*time.Second)
	slog.InfoContext(ctx, "logged in", "username", username)

	return &login, nil
}

// Logout discards the local credential pair. Purely local: the server is not
// notified, and the refresh token simply ages out.
func (c *Client) Logout(ctx context.Context) {
	c.store.Clear(ctx)
	slog.InfoContext(ctx, "logged out")
}

// Me validates the current access token against GET /me.
//
// A transport error is returned as-is so callers can distinguish transient
// network failure from rejection. A non-2xx status means the token was not
// accepted; per the endpoint contract the failure body carries nothing
// useful, so Me returns (nil, nil) in that case.
func (c *Client) Me(ctx context.Context) (*api.User, error) {
	resp, err := c.Get(ctx, "/me")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	var user api.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decoding user record: %w", err)
	}
	return &user, nil
}
