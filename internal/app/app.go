package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/DonAlex1897/ruminster-client/internal/api"
	"github.com/DonAlex1897/ruminster-client/internal/apiclient"
	"github.com/DonAlex1897/ruminster-client/internal/authstate"
	"github.com/DonAlex1897/ruminster-client/internal/tokensource"
	"github.com/DonAlex1897/ruminster-client/internal/tokenstore"
)

// App wires the credential components together: one store, one refresh
// coordinator, one authenticated client, one state machine. Constructed once
// at startup and passed by reference; no package-level singletons.
type App struct {
	cfg *Config

	Store  *tokenstore.Store
	Tokens *tokensource.Coordinator
	Client *apiclient.Client
	State  *authstate.Machine
}

// New creates a new App instance. No I/O is performed until the first
// operation touches the store or the network.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	backend, err := cfg.Auth.NewBackend()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential backend: %w", err)
	}
	store := tokenstore.New(backend, tokenstore.WithMargin(cfg.Renewal.Margin))

	httpClient := &http.Client{Timeout: cfg.API.Timeout}

	// Normalized once so both consumers join paths identically.
	baseURL := strings.TrimSuffix(cfg.API.BaseURL, "/")

	tokens, err := tokensource.New(store, baseURL+"/auth/refresh-token",
		tokensource.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh coordinator: %w", err)
	}

	client, err := apiclient.New(baseURL, store, tokens,
		apiclient.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	state, err := authstate.New(store, tokens, client.Me,
		authstate.WithRenewalInterval(cfg.Renewal.Interval))
	if err != nil {
		return nil, fmt.Errorf("failed to create auth state machine: %w", err)
	}

	return &App{
		cfg:    cfg,
		Store:  store,
		Tokens: tokens,
		Client: client,
		State:  state,
	}, nil
}

// Login authenticates against the API, persists the credential pair, and
// installs the session in the state machine.
func (a *App) Login(ctx context.Context, username, password string) (*api.LoginResponse, error) {
	login, err := a.Client.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	a.State.SetSession(login.User, login.RequiresTosAcceptance)
	return login, nil
}

// Logout discards the session locally and forces Unauthenticated.
func (a *App) Logout(ctx context.Context) {
	a.State.Logout(ctx)
}

// Run starts the state machine with its proactive renewal timer and blocks
// until ctx is cancelled. State transitions are logged while running.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	transitions := make(chan authstate.State, 8)
	a.State.OnChange(func(s authstate.State) {
		select {
		case transitions <- s:
		default:
			// Dropping a log notification beats blocking a transition.
		}
	})

	if err := a.State.Start(gCtx); err != nil {
		return fmt.Errorf("state machine startup failed: %w", err)
	}

	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case s := <-transitions:
				slog.InfoContext(gCtx, "auth state changed", "state", s.String())
			}
		}
	})

	slog.InfoContext(gCtx, "session watcher ready", "renewal_interval", a.cfg.Renewal.Interval)

	err := g.Wait()

	a.State.Stop()

	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	slog.Info("stopped")
	return nil
}
