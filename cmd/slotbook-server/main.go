package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/slotbook/slotbook/internal/config"
	"github.com/slotbook/slotbook/internal/platform/auth"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "slotbook-server",
		Short:        "Consulting slot scheduling and booking API",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), generateCmd(), tokenCmd())
	return root
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(cfg.Level()).With().Timestamp().Logger()
}

// setup loads and validates config and returns a logger for it.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, newLogger(cfg, os.Stdout), nil
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrate bool) error {
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("development auth is active: callers are taken from X-User-* headers, admin by default")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate {
		if m := a.migrator(); m != nil {
			n, err := m.Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Int("applied", n).Msg("migrations up to date")
		}
	}

	e := a.router()
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// withPostgres runs fn against an app that must be backed by Postgres.
func withPostgres(fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != config.BackendPostgres {
		return fmt.Errorf("STORE_BACKEND must be %q for this command", config.BackendPostgres)
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	var target int
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(func(ctx context.Context, a *app) error {
				count, err := a.migrator().UpTo(ctx, target)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().IntVar(&target, "to", 0, "Stop after this version (0 = all)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(func(ctx context.Context, a *app) error {
				statuses, err := a.migrator().Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
				for _, s := range statuses {
					state, at := "pending", ""
					if s.Applied {
						state, at = "applied", s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, state, at)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

func generateCmd() *cobra.Command {
	var (
		specialist string
		days       int
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Project a specialist's saved availability onto upcoming days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(specialist) == "" {
				return errors.New("--specialist is required")
			}
			return withPostgres(func(ctx context.Context, a *app) error {
				res, err := a.generator.GenerateFromSaved(ctx, specialist, days)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %d slot(s), skipped %d.\n", res.Count, res.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&specialist, "specialist", "", "Specialist id")
	cmd.Flags().IntVar(&days, "days", 30, "Number of days ahead, starting today")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject, email, name, roles string
		ttl                         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an access token with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			p := auth.Principal{ID: subject, Email: email, Name: name}
			for _, r := range strings.Split(roles, ",") {
				if r = strings.TrimSpace(r); r != "" {
					p.Roles = append(p.Roles, r)
				}
			}
			if p.ID == "" {
				return errors.New("--sub is required")
			}
			tok, err := auth.SignToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, p, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "Principal id")
	cmd.Flags().StringVar(&email, "email", "", "Principal email")
	cmd.Flags().StringVar(&name, "name", "", "Principal display name")
	cmd.Flags().StringVar(&roles, "roles", auth.RoleCustomer, "Comma-separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
