package authstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DonAlex1897/ruminster-client/internal/api"
	"github.com/DonAlex1897/ruminster-client/internal/tokenstore"
)

// State is the derived authentication state consumed by the application.
type State int

const (
	// Unauthenticated means no usable session exists.
	Unauthenticated State = iota
	// Authenticating means a credential exists but validation is pending.
	Authenticating
	// Authenticated means the session is validated and usable.
	Authenticated
	// AuthenticatedPendingTos means the session is valid but the account
	// must accept an updated terms-of-service version.
	AuthenticatedPendingTos
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case AuthenticatedPendingTos:
		return "authenticated_pending_tos"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultRenewalInterval is how often the background timer evaluates whether
// a proactive refresh is due.
const DefaultRenewalInterval = time.Minute

// ValidateFunc fetches the user record for the current access token.
// A transport error signals transient failure; (nil, nil) means the token
// was rejected.
type ValidateFunc func(ctx context.Context) (*api.User, error)

// Refresher is the slice of the refresh coordinator the machine needs.
type Refresher interface {
	RefreshAccessToken(ctx context.Context) (string, error)
	OnRefreshFailed(fn func())
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithRenewalInterval overrides the background timer interval.
func WithRenewalInterval(interval time.Duration) MachineOption {
	return func(m *Machine) {
		m.interval = interval
	}
}

// Machine recomputes the authentication state from token store contents and
// remote validation. State is mutated only here, in response to events from
// the other components; consumers read it through State and the derived
// accessors.
type Machine struct {
	store    *tokenstore.Store
	tokens   Refresher
	validate ValidateFunc
	interval time.Duration

	mu         sync.Mutex
	state      State
	user       *api.User
	refreshing bool
	observers  []func(State)
	running    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Machine in the Unauthenticated state. The machine registers
// itself for refresh failure notifications: an unrecoverable refresh forces
// Unauthenticated regardless of what triggered it.
func New(store *tokenstore.Store, tokens Refresher, validate ValidateFunc, opts ...MachineOption) (*Machine, error) {
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if tokens == nil {
		return nil, fmt.Errorf("missing token refresher")
	}
	if validate == nil {
		return nil, fmt.Errorf("missing validate func")
	}

	m := &Machine{
		store:    store,
		tokens:   tokens,
		validate: validate,
		interval: DefaultRenewalInterval,
		state:    Unauthenticated,
	}
	for _, opt := range opts {
		opt(m)
	}

	tokens.OnRefreshFailed(m.handleRefreshFailure)

	return m, nil
}

// Start performs the initial reconcile and launches the background renewal
// loop. The loop stops when ctx is cancelled or Stop is called.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("already started")
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

// Stop tears down the renewal timer. Idempotent.
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.done)

	m.Reconcile(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one background cycle: proactive renewal while authenticated, and
// re-validation when an earlier cycle soft-failed but a credential remains.
func (m *Machine) tick(ctx context.Context) {
	m.RenewIfNeeded(ctx)

	m.mu.Lock()
	needsValidation := m.user == nil
	m.mu.Unlock()

	if needsValidation && m.store.Get(ctx) != nil {
		m.Reconcile(ctx)
	}
}

// Reconcile re-derives the state from the token store and remote validation.
// Called on Start and whenever a background cycle needs to re-validate.
func (m *Machine) Reconcile(ctx context.Context) {
	cred := m.store.Get(ctx)
	if cred == nil {
		m.transition(Unauthenticated, nil)
		return
	}

	// Only force Authenticating when no validated user exists yet. Routine
	// renewal keeps the displayed state so open UI is not disrupted.
	m.mu.Lock()
	hasUser := m.user != nil
	m.mu.Unlock()
	if !hasUser {
		m.transition(Authenticating, nil)
	}

	if m.store.NeedsRefresh(ctx) && cred.RefreshToken != "" {
		m.setRefreshing(true)
		_, err := m.tokens.RefreshAccessToken(ctx)
		m.setRefreshing(false)
		if err != nil {
			// The failure callback has already forced Unauthenticated.
			return
		}
	}

	user, err := m.validate(ctx)
	if err != nil || user == nil {
		if err != nil {
			slog.WarnContext(ctx, "session validation failed", "error", err)
		}
		// Soft failure: the token may still be good, so it is kept for a
		// later validation cycle to recover without re-login.
		m.mu.Lock()
		refreshing := m.refreshing
		m.mu.Unlock()
		if !refreshing {
			m.transition(Unauthenticated, nil)
		}
		return
	}

	if user.RequiresTosAcceptance {
		m.transition(AuthenticatedPendingTos, user)
	} else {
		m.transition(Authenticated, user)
	}
}

// RenewIfNeeded triggers a background refresh when the credential is inside
// the refresh margin. The visible state does not change on success; a failed
// refresh takes the unrecoverable path through the failure callback.
func (m *Machine) RenewIfNeeded(ctx context.Context) {
	if !m.IsAuthenticated() {
		return
	}
	if !m.store.NeedsRefresh(ctx) {
		return
	}
	if m.store.RefreshToken(ctx) == "" {
		return
	}

	m.setRefreshing(true)
	if _, err := m.tokens.RefreshAccessToken(ctx); err != nil {
		slog.WarnContext(ctx, "background token renewal failed", "error", err)
	}
	m.setRefreshing(false)
}

// SetSession installs a validated session directly, e.g. right after login,
// skipping a redundant validation round-trip.
func (m *Machine) SetSession(user *api.User, requiresTosAcceptance bool) {
	if user == nil {
		return
	}
	if requiresTosAcceptance {
		m.transition(AuthenticatedPendingTos, user)
	} else {
		m.transition(Authenticated, user)
	}
}

// AcceptTos records that the outstanding terms version has been accepted.
func (m *Machine) AcceptTos() {
	m.mu.Lock()
	if m.state != AuthenticatedPendingTos {
		m.mu.Unlock()
		return
	}
	user := m.user
	m.mu.Unlock()

	// Install a copy: records already handed out must not change underfoot.
	if user != nil {
		accepted := *user
		accepted.RequiresTosAcceptance = false
		user = &accepted
	}
	m.transition(Authenticated, user)
}

// Logout clears the credential pair and forces Unauthenticated.
func (m *Machine) Logout(ctx context.Context) {
	m.store.Clear(ctx)
	m.transition(Unauthenticated, nil)
}

// handleRefreshFailure reacts to an unrecoverable refresh: the coordinator
// has already cleared the store.
func (m *Machine) handleRefreshFailure() {
	m.transition(Unauthenticated, nil)
}

// State returns the current derived state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// User returns the validated user record, or nil.
func (m *Machine) User() *api.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// IsAuthenticated reports whether a validated session exists. True for
// AuthenticatedPendingTos as well: the session is valid, only gated.
func (m *Machine) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Authenticated || m.state == AuthenticatedPendingTos
}

// RequiresTosAcceptance reports whether the session is gated on accepting an
// updated terms-of-service version.
func (m *Machine) RequiresTosAcceptance() bool {
	return m.State() == AuthenticatedPendingTos
}

// OnChange registers an observer invoked after every state transition.
func (m *Machine) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// transition updates state and user, notifying observers only when the
// state actually changed.
func (m *Machine) transition(next State, user *api.User) {
	m.mu.Lock()
	changed := m.state != next
	m.state = next
	m.user = user
	observers := make([]func(State), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range observers {
		fn(next)
	}
}

func (m *Machine) setRefreshing(v bool) {
	m.mu.Lock()
	m.refreshing = v
	m.mu.Unlock()
}
