package tokensource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DonAlex1897/ruminster-client/internal/api"
	"github.com/DonAlex1897/ruminster-client/internal/tokenstore"
)

// newRefreshServer returns a refresh endpoint that counts calls and issues a
// fresh pair after an artificial delay, so concurrent callers overlap.
func newRefreshServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var req api.RefreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.RefreshToken)

		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(api.RefreshResponse{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			ExpiresIn:    3600,
		})
	}))
}

func seededStore(t *testing.T, expiresIn time.Duration) *tokenstore.Store {
	t.Helper()
	store := tokenstore.New(tokenstore.NewMemoryBackend())
	store.Save(context.Background(), "old-access", "old-refresh", expiresIn)
	return store
}

func TestCoordinator_SingleFlight(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	server := newRefreshServer(t, &calls)
	defer server.Close()

	// One minute remaining is inside the refresh margin.
	store := seededStore(t, time.Minute)
	coordinator, err := New(store, server.URL)
	require.NoError(t, err)

	const workers = 10
	results := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = coordinator.GetValidAccessToken(ctx)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent callers must share one refresh call")
	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-access", results[i])
	}

	// Write-then-read ordering: the store already holds the new pair.
	assert.Equal(t, "new-access", store.AccessToken(ctx))
	assert.Equal(t, "new-refresh", store.RefreshToken(ctx))
}

func TestCoordinator_CallerCancellation_DoesNotAbortSharedRefresh(t *testing.T) {
	var calls atomic.Int32
	server := newRefreshServer(t, &calls)
	defer server.Close()

	store := seededStore(t, time.Minute)
	coordinator, err := New(store, server.URL)
	require.NoError(t, err)

	cancelCtx, cancel := context.WithCancel(context.Background())

	const workers = 5
	results := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ctx := context.Background()
			if i == 0 {
				ctx = cancelCtx
			}
			results[i], errs[i] = coordinator.RefreshAccessToken(ctx)
		}()
	}
	close(start)

	// The server holds the request for 50ms; abandon one caller mid-flight.
	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "one shared attempt, regardless of caller cancellation")
	for i := range workers {
		require.NoError(t, errs[i], "worker %d", i)
		assert.Equal(t, "new-access", results[i], "worker %d", i)
	}
	assert.Equal(t, "new-access", store.AccessToken(context.Background()))
	assert.Equal(t, "new-refresh", store.RefreshToken(context.Background()))
}

func TestCoordinator_ValidToken_NoNetwork(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("refresh endpoint must not be called for a valid token")
	}))
	defer server.Close()

	store := seededStore(t, time.Hour)
	coordinator, err := New(store, server.URL)
	require.NoError(t, err)

	token, err := coordinator.GetValidAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old-access", token)
}

func TestCoordinator_RefreshRejected_ClearsStore(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "refresh token revoked", http.StatusUnauthorized)
	}))
	defer server.Close()

	store := seededStore(t, time.Minute)
	coordinator, err := New(store, server.URL)
	require.NoError(t, err)

	var failures atomic.Int32
	coordinator.OnRefreshFailed(func() { failures.Add(1) })

	_, err = coordinator.RefreshAccessToken(ctx)
	require.ErrorIs(t, err, ErrRefreshRejected)

	assert.Nil(t, store.Get(ctx), "unrecoverable refresh must clear all credentials")
	assert.Equal(t, int32(1), failures.Load())
}

func TestCoordinator_NoRefreshToken(t *testing.T) {
	ctx := context.Background()
	store := tokenstore.New(tokenstore.NewMemoryBackend())

	coordinator, err := New(store, "http://127.0.0.1:0/auth/refresh-token")
	require.NoError(t, err)

	var failures atomic.Int32
	coordinator.OnRefreshFailed(func() { failures.Add(1) })

	_, err = coordinator.RefreshAccessToken(ctx)
	require.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, int32(1), failures.Load())
}

func TestCoordinator_Callbacks_OncePerRefresh(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	server := newRefreshServer(t, &calls)
	defer server.Close()

	store := seededStore(t, time.Minute)
	coordinator, err := New(store, server.URL)
	require.NoError(t, err)

	var refreshed atomic.Int32
	var delivered string
	var mu sync.Mutex
	coordinator.OnTokenRefreshed(func(token string) {
		refreshed.Add(1)
		mu.Lock()
		delivered = token
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = coordinator.RefreshAccessToken(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), refreshed.Load(), "callback must fire once per completed refresh")
	mu.Lock()
	assert.Equal(t, "new-access", delivered)
	mu.Unlock()
}

func TestCoordinator_SequentialRefreshes_NotCoalesced(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	server := newRefreshServer(t, &calls)
	defer server.Close()

	store := seededStore(t, time.Minute)
	coordinator, err := New(store, server.URL)
	require.NoError(t, err)

	_, err = coordinator.RefreshAccessToken(ctx)
	require.NoError(t, err)
	_, err = coordinator.RefreshAccessToken(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load(), "a settled attempt must not absorb later calls")
}

func TestCoordinator_IdentifierSentToServer(t *testing.T) {
	ctx := context.Background()
	var gotUserID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.RefreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotUserID = req.UserID
		_ = json.NewEncoder(w).Encode(api.RefreshResponse{
			AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600,
		})
	}))
	defer server.Close()

	store := seededStore(t, time.Minute)
	coordinator, err := New(store, server.URL,
		WithIdentifierFunc(func(string) string { return "user-42" }))
	require.NoError(t, err)

	_, err = coordinator.RefreshAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-42", gotUserID)
}

func TestCoordinator_Token_OAuth2(t *testing.T) {
	store := seededStore(t, time.Hour)
	coordinator, err := New(store, "http://127.0.0.1:0/auth/refresh-token")
	require.NoError(t, err)

	token, err := coordinator.Token()
	require.NoError(t, err)
	assert.Equal(t, "old-access", token.AccessToken)
	assert.Equal(t, "old-refresh", token.RefreshToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.False(t, token.Expiry.IsZero())
}

func TestSubjectIdentifier(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-42",
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{name: "jwt with subject", token: signed, want: "user-42"},
		{name: "opaque token", token: "not-a-jwt", want: ""},
		{name: "empty token", token: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SubjectIdentifier(tt.token))
		})
	}
}
