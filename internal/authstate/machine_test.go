package authstate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DonAlex1897/ruminster-client/internal/api"
	"github.com/DonAlex1897/ruminster-client/internal/tokenstore"
)

// fakeRefresher mimics the coordinator's contract: success persists a fresh
// pair before returning, failure clears the store and fires the callbacks.
type fakeRefresher struct {
	store    *tokenstore.Store
	newToken string
	err      error
	calls    atomic.Int32

	mu       sync.Mutex
	onFailed []func()
}

func (f *fakeRefresher) RefreshAccessToken(ctx context.Context) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		f.store.Clear(ctx)
		f.mu.Lock()
		callbacks := append([]func(){}, f.onFailed...)
		f.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
		return "", f.err
	}
	f.store.Save(ctx, f.newToken, "new-refresh", time.Hour)
	return f.newToken, nil
}

func (f *fakeRefresher) OnRefreshFailed(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFailed = append(f.onFailed, fn)
}

// validation result the fake validator returns, swappable mid-test.
type fakeValidator struct {
	mu   sync.Mutex
	user *api.User
	err  error
}

func (v *fakeValidator) set(user *api.User, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.user = user
	v.err = err
}

func (v *fakeValidator) validate(ctx context.Context) (*api.User, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.user, v.err
}

func newTestMachine(t *testing.T) (*Machine, *tokenstore.Store, *fakeRefresher, *fakeValidator) {
	t.Helper()
	store := tokenstore.New(tokenstore.NewMemoryBackend())
	refresher := &fakeRefresher{store: store, newToken: "new-access"}
	validator := &fakeValidator{}

	machine, err := New(store, refresher, validator.validate)
	require.NoError(t, err)
	return machine, store, refresher, validator
}

func TestMachine_Reconcile_NoCredential(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)

	machine.Reconcile(context.Background())
	assert.Equal(t, Unauthenticated, machine.State())
	assert.False(t, machine.IsAuthenticated())
}

func TestMachine_Reconcile_ValidCredential(t *testing.T) {
	ctx := context.Background()
	machine, store, refresher, validator := newTestMachine(t)
	store.Save(ctx, "access-1", "refresh-1", time.Hour)
	validator.set(&api.User{ID: "u1", Username: "alice"}, nil)

	var transitions []State
	machine.OnChange(func(s State) { transitions = append(transitions, s) })

	machine.Reconcile(ctx)

	assert.Equal(t, Authenticated, machine.State())
	assert.Equal(t, "alice", machine.User().Username)
	assert.Equal(t, []State{Authenticating, Authenticated}, transitions)
	assert.Equal(t, int32(0), refresher.calls.Load(), "fresh token needs no renewal")
}

func TestMachine_Reconcile_PendingTos(t *testing.T) {
	ctx := context.Background()
	machine, store, _, validator := newTestMachine(t)
	store.Save(ctx, "access-1", "refresh-1", time.Hour)
	validator.set(&api.User{ID: "u1", Username: "alice", RequiresTosAcceptance: true}, nil)

	machine.Reconcile(ctx)

	assert.Equal(t, AuthenticatedPendingTos, machine.State())
	assert.True(t, machine.IsAuthenticated(), "pending TOS still counts as a valid session")
	assert.True(t, machine.RequiresTosAcceptance())

	machine.AcceptTos()
	assert.Equal(t, Authenticated, machine.State())
	assert.False(t, machine.RequiresTosAcceptance())
}

func TestMachine_AcceptTos_DoesNotMutateHandedOutUser(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)
	machine.SetSession(&api.User{ID: "u1", Username: "alice", RequiresTosAcceptance: true}, true)

	before := machine.User()
	machine.AcceptTos()

	assert.True(t, before.RequiresTosAcceptance, "records handed out earlier must not change underfoot")
	assert.False(t, machine.User().RequiresTosAcceptance)
	assert.Equal(t, Authenticated, machine.State())
}

func TestMachine_Reconcile_RefreshesExpiredCredential(t *testing.T) {
	ctx := context.Background()
	machine, store, refresher, validator := newTestMachine(t)
	// Inside the refresh margin.
	store.Save(ctx, "stale-access", "refresh-1", time.Minute)
	validator.set(&api.User{ID: "u1", Username: "alice"}, nil)

	machine.Reconcile(ctx)

	assert.Equal(t, int32(1), refresher.calls.Load())
	assert.Equal(t, Authenticated, machine.State())
	assert.Equal(t, "new-access", store.AccessToken(ctx))
}

func TestMachine_SoftFail_KeepsTokens(t *testing.T) {
	ctx := context.Background()
	machine, store, _, validator := newTestMachine(t)
	store.Save(ctx, "access-1", "refresh-1", time.Hour)
	validator.set(nil, nil)

	machine.Reconcile(ctx)

	assert.Equal(t, Unauthenticated, machine.State())
	require.NotNil(t, store.Get(ctx), "soft failure must not clear tokens")

	// A later successful validation restores the session without re-login.
	validator.set(&api.User{ID: "u1", Username: "alice"}, nil)
	machine.Reconcile(ctx)
	assert.Equal(t, Authenticated, machine.State())
}

func TestMachine_TransientValidationError_KeepsTokens(t *testing.T) {
	ctx := context.Background()
	machine, store, _, validator := newTestMachine(t)
	store.Save(ctx, "access-1", "refresh-1", time.Hour)
	validator.set(nil, errors.New("connection refused"))

	machine.Reconcile(ctx)

	assert.Equal(t, Unauthenticated, machine.State())
	assert.NotNil(t, store.Get(ctx))
}

func TestMachine_RefreshFailure_ForcesUnauthenticated(t *testing.T) {
	ctx := context.Background()
	machine, store, refresher, validator := newTestMachine(t)
	refresher.err = errors.New("refresh token rejected")
	store.Save(ctx, "stale-access", "refresh-1", time.Minute)
	validator.set(&api.User{ID: "u1", Username: "alice"}, nil)

	machine.Reconcile(ctx)

	assert.Equal(t, Unauthenticated, machine.State())
	assert.Nil(t, store.Get(ctx))
}

func TestMachine_BackgroundRenewal_NoFlicker(t *testing.T) {
	ctx := context.Background()
	machine, store, refresher, validator := newTestMachine(t)
	store.Save(ctx, "access-1", "refresh-1", time.Hour)
	validator.set(&api.User{ID: "u1", Username: "alice"}, nil)
	machine.Reconcile(ctx)
	require.Equal(t, Authenticated, machine.State())

	var transitions atomic.Int32
	machine.OnChange(func(State) { transitions.Add(1) })

	// Token ages into the refresh margin; the timer body renews it.
	store.Save(ctx, "access-1", "refresh-1", 4*time.Minute)
	machine.RenewIfNeeded(ctx)

	assert.Equal(t, int32(1), refresher.calls.Load())
	assert.Equal(t, "new-access", store.AccessToken(ctx))
	assert.Equal(t, Authenticated, machine.State())
	assert.Equal(t, int32(0), transitions.Load(), "routine renewal must not change visible state")
}

func TestMachine_RenewIfNeeded_SkipsFreshToken(t *testing.T) {
	ctx := context.Background()
	machine, store, refresher, validator := newTestMachine(t)
	store.Save(ctx, "access-1", "refresh-1", time.Hour)
	validator.set(&api.User{ID: "u1", Username: "alice"}, nil)
	machine.Reconcile(ctx)

	machine.RenewIfNeeded(ctx)
	assert.Equal(t, int32(0), refresher.calls.Load())
}

func TestMachine_RenewIfNeeded_SkipsWhenUnauthenticated(t *testing.T) {
	ctx := context.Background()
	machine, store, refresher, _ := newTestMachine(t)
	store.Save(ctx, "stale-access", "refresh-1", time.Minute)

	machine.RenewIfNeeded(ctx)
	assert.Equal(t, int32(0), refresher.calls.Load())
}

func TestMachine_Logout(t *testing.T) {
	ctx := context.Background()
	machine, store, _, validator := newTestMachine(t)
	store.Save(ctx, "access-1", "refresh-1", time.Hour)
	validator.set(&api.User{ID: "u1", Username: "alice"}, nil)
	machine.Reconcile(ctx)
	require.Equal(t, Authenticated, machine.State())

	machine.Logout(ctx)

	assert.Equal(t, Unauthenticated, machine.State())
	assert.Nil(t, store.Get(ctx))
	assert.Nil(t, machine.User())
}

func TestMachine_SetSession(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)

	machine.SetSession(&api.User{ID: "u1", Username: "alice"}, false)
	assert.Equal(t, Authenticated, machine.State())

	machine.SetSession(&api.User{ID: "u1", Username: "alice"}, true)
	assert.Equal(t, AuthenticatedPendingTos, machine.State())
}

func TestMachine_StartStop(t *testing.T) {
	ctx := context.Background()
	store := tokenstore.New(tokenstore.NewMemoryBackend())
	refresher := &fakeRefresher{store: store, newToken: "new-access"}
	validator := &fakeValidator{}

	machine, err := New(store, refresher, validator.validate,
		WithRenewalInterval(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, machine.Start(ctx))
	assert.Error(t, machine.Start(ctx), "second start must fail")

	// Initial reconcile with an empty store lands in Unauthenticated.
	assert.Eventually(t, func() bool {
		return machine.State() == Unauthenticated
	}, time.Second, 5*time.Millisecond)

	machine.Stop()
	machine.Stop() // idempotent
}

func TestMachine_BackgroundLoop_RenewsAndRecovers(t *testing.T) {
	ctx := context.Background()
	store := tokenstore.New(tokenstore.NewMemoryBackend())
	refresher := &fakeRefresher{store: store, newToken: "new-access"}
	validator := &fakeValidator{}
	validator.set(&api.User{ID: "u1", Username: "alice"}, nil)

	machine, err := New(store, refresher, validator.validate,
		WithRenewalInterval(10*time.Millisecond))
	require.NoError(t, err)

	// Credential already inside the refresh margin at start.
	store.Save(ctx, "stale-access", "refresh-1", time.Minute)

	require.NoError(t, machine.Start(ctx))
	defer machine.Stop()

	assert.Eventually(t, func() bool {
		return machine.State() == Authenticated && store.AccessToken(ctx) == "new-access"
	}, time.Second, 5*time.Millisecond)
}
