package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/link/internal/config"
	"github.com/ehr/link/internal/domain/audit"
	"github.com/ehr/link/internal/domain/emrclient"
	"github.com/ehr/link/internal/domain/link"
	"github.com/ehr/link/internal/platform/db"
	"github.com/ehr/link/internal/platform/hipaa"
	"github.com/ehr/link/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "link-server",
		Short:        "EMR identity link and token lifecycle service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(rekeyCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the link API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    "link-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	tel.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("trace exporter shutdown failed")
		}
	}()

	srv, err := newServer(ctx, cfg, logger, newRegistry())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise server")
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.echo,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", httpSrv.Addr).Str("version", version).Msg("starting server")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	for _, direction := range []string{"up", "down"} {
		direction := direction
		short := "Apply pending migrations"
		if direction == "down" {
			short = "Roll back all migrations"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   direction,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if err := db.Migrate(cfg.DatabaseURL, direction); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Migrations %s complete.\n", direction)
				return nil
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			v, dirty, err := db.MigrationVersion(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			state := "clean"
			if dirty {
				state = "dirty"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", v, state)
			return nil
		},
	})
	return cmd
}

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage EMR client credentials",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Provision an EMR client and print its secret once",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			return withAuthenticator(cmd.Context(), func(a *emrclient.Authenticator) error {
				client, secret, err := a.Provision(cmd.Context(), name)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "client_id:     %s\n", client.ClientID)
				fmt.Fprintf(out, "client_secret: %s\n", secret)
				fmt.Fprintln(out, "Store the secret now; it cannot be recovered.")
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Display name of the EMR client")
	_ = createCmd.MarkFlagRequired("name")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered EMR clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuthenticator(cmd.Context(), func(a *emrclient.Authenticator) error {
				clients, err := a.List(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CLIENT ID\tNAME\tCREATED AT")
				for _, c := range clients {
					fmt.Fprintf(w, "%s\t%s\t%s\n", c.ClientID, c.DisplayName, c.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

func rekeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt stored tokens sealed under a previous key",
		Long: "Walks every linked record and re-seals tokens that only open under a key in\n" +
			"TOKEN_ENCRYPTION_PREVIOUS_KEYS. Once it reports zero re-encrypted records the\n" +
			"previous keys can be removed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to rekey stored tokens")
			}
			logger := newLogger(cfg.Env)

			cipher, err := hipaa.NewRotatingEncryptorFromHex(cfg.TokenEncryptionKey, cfg.PreviousEncryptionKeys, logger)
			if err != nil {
				return err
			}
			locker, closeLocker, err := newLocker(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeLocker()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			conn := db.FromPool(pool)
			mgr := link.NewManager(link.NewStorePG(conn), audit.NewLogPG(conn), nil, cipher, locker, logger)
			res, err := mgr.Rekey(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d linked records, re-encrypted %d\n", res.Scanned, res.ReEncrypted)
			return nil
		},
	}
}

// withAuthenticator runs fn against the Postgres client registry. The client
// commands need a database; an in-memory registry would vanish on exit.
func withAuthenticator(ctx context.Context, fn func(*emrclient.Authenticator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required to manage EMR clients")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	a, err := emrclient.NewAuthenticator(emrclient.NewRepoPG(db.FromPool(pool)), zerolog.Nop(), emrclient.WithBcryptCost(cfg.BcryptCost))
	if err != nil {
		return err
	}
	return fn(a)
}
