package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/DonAlex1897/ruminster-client/internal/api"
	"github.com/DonAlex1897/ruminster-client/internal/app"
	"github.com/DonAlex1897/ruminster-client/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "ruminster",
		Usage: "Ruminster API session manager",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "api--base-url",
				Usage: "API base URL",
				Value: app.DefaultConfigAPIBaseURL,
			},
			&cli.StringFlag{
				Name:  "auth--storage",
				Usage: "credential storage (file|keyring|memory)",
				Value: string(app.DefaultConfigAuthStorage),
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			whoamiCommand(),
			tokenCommand(),
			statusCommand(),
			watchCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// newApp builds the application from config sources and sets up logging.
func newApp(cmd *cli.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := observability.Instrument(cfg.LogLevel, string(cfg.LogFormat)); err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create app: %w", err)
	}
	return application, nil
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "authenticate and persist the session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "username",
				Aliases:  []string{"u"},
				Usage:    "account username",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, err := newApp(cmd)
			if err != nil {
				return err
			}

			password, err := readPassword()
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}

			login, err := application.Login(ctx, cmd.String("username"), password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			fmt.Printf("logged in as %s\n", accountName(login, cmd.String("username")))
			if login.RequiresTosAcceptance {
				fmt.Printf("terms of service %s requires acceptance\n", login.LatestTosVersion)
			}
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "discard the persisted session",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, err := newApp(cmd)
			if err != nil {
				return err
			}
			application.Logout(ctx)
			fmt.Println("logged out")
			return nil
		},
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "validate the session and print the account",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, err := newApp(cmd)
			if err != nil {
				return err
			}

			user, err := application.Client.Me(ctx)
			if err != nil {
				return fmt.Errorf("validation request failed: %w", err)
			}
			if user == nil {
				return fmt.Errorf("session is not valid, run login")
			}

			fmt.Printf("%s (%s)\n", user.Username, user.ID)
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "print a valid access token, refreshing if needed",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, err := newApp(cmd)
			if err != nil {
				return err
			}

			token, err := application.Tokens.GetValidAccessToken(ctx)
			if err != nil {
				return fmt.Errorf("no valid token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the stored credential state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, err := newApp(cmd)
			if err != nil {
				return err
			}

			cred := application.Store.Get(ctx)
			if cred == nil {
				fmt.Println("no session")
				return nil
			}

			fmt.Printf("access token expires at %s\n", cred.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
			if application.Store.NeedsRefresh(ctx) {
				fmt.Println("inside refresh margin, renewal due")
			}
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "run the session watcher with proactive renewal until interrupted",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, err := newApp(cmd)
			if err != nil {
				return err
			}
			return application.Run(ctx)
		},
	}
}

// accountName prefers the server-reported username; a login response without
// a user record falls back to the name the caller supplied.
func accountName(login *api.LoginResponse, fallback string) string {
	if login.User != nil && login.User.Username != "" {
		return login.User.Username
	}
	return fallback
}

// readPassword prompts on the terminal without echoing.
func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "password: ")
	defer fmt.Fprintln(os.Stderr)

	data, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
