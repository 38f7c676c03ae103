// Command depotsync runs the depot synchronization server and a small client
// toolbox for field installations.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/fieldops/depotsync/depotlite"
	"github.com/fieldops/depotsync/depotsync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "depotsync",
		Short:         "Offline-first synchronization for depot purchase records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to load env file %s: %w", envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file to load")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newTokenCmd())
	return root
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEPOTSYNC_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func newServeCmd() *cobra.Command {
	var (
		addr         string
		maxPushBatch int
		maxPullBatch int
		strongFP     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authoritative sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			databaseURL := os.Getenv("DATABASE_URL")
			if databaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			jwtSecret := os.Getenv("JWT_SECRET")
			if jwtSecret == "" {
				return errors.New("JWT_SECRET is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := pgxpool.New(ctx, databaseURL)
			if err != nil {
				return fmt.Errorf("failed to create connection pool: %w", err)
			}
			defer pool.Close()

			service, err := depotsync.NewSyncService(ctx, pool, &depotsync.ServiceConfig{
				AppName:            "depotsync",
				MaxPushBatchSize:   maxPushBatch,
				MaxPullBatchSize:   maxPullBatch,
				StrongFingerprints: strongFP,
				LogStageTimings:    os.Getenv("DEPOTSYNC_DEBUG") != "",
			}, logger)
			if err != nil {
				return err
			}
			defer service.Close()

			jwtAuth := depotsync.NewJWTAuth(jwtSecret)
			handlers := depotsync.NewHTTPSyncHandlers(service, jwtAuth, logger)

			mux := http.NewServeMux()
			mux.Handle("/sync/push", jwtAuth.Middleware(http.HandlerFunc(handlers.HandlePush)))
			mux.Handle("/sync/pull", jwtAuth.Middleware(http.HandlerFunc(handlers.HandlePull)))
			mux.Handle("/sync/status", jwtAuth.Middleware(http.HandlerFunc(handlers.HandleStatus)))
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			server := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Sync server listening", "addr", addr)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			logger.Info("Shutting down")
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().IntVar(&maxPushBatch, "max-push-batch", 500, "max records per push request (0 = unlimited)")
	cmd.Flags().IntVar(&maxPullBatch, "max-pull-batch", 500, "max records per entity type per pull page")
	cmd.Flags().BoolVar(&strongFP, "strong-fingerprints", false, "fold material and location into the idempotency key")
	return cmd
}

// openClient wires a depotlite client from flags and environment. Used by the
// client-side subcommands.
func openClient(ctx context.Context, dbPath, serverURL string, strongFP bool, logger *slog.Logger) (*depotlite.Client, func(), error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local database: %w", err)
	}

	deviceID, err := depotlite.EnsureDeviceID(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	token := os.Getenv("DEPOTSYNC_TOKEN")
	cfg := depotlite.DefaultConfig()
	cfg.StrongFingerprints = strongFP

	client, err := depotlite.NewClient(db, serverURL, deviceID,
		func(ctx context.Context) (string, error) {
			if token == "" {
				return "", errors.New("DEPOTSYNC_TOKEN is required")
			}
			return token, nil
		}, cfg, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return client, func() { db.Close() }, nil
}

func newSyncCmd() *cobra.Command {
	var (
		dbPath    string
		serverURL string
		strongFP  bool
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the server, or watch continuously",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, closeDB, err := openClient(ctx, dbPath, serverURL, strongFP, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			coordinator := depotlite.NewCoordinator(client, logger)
			if !watch {
				return coordinator.SyncNow(ctx)
			}

			coordinator.RequestSync() // sync immediately on startup
			err = coordinator.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "depot.db", "path to the local SQLite database")
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "sync server base URL")
	cmd.Flags().BoolVar(&strongFP, "strong-fingerprints", false, "must match the server's setting")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing on an interval until interrupted")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var (
		dbPath    string
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			client, closeDB, err := openClient(cmd.Context(), dbPath, serverURL, false, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "depot.db", "path to the local SQLite database")
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "sync server base URL")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		operatorID string
		deviceID   string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an operator on a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			jwtSecret := os.Getenv("JWT_SECRET")
			if jwtSecret == "" {
				return errors.New("JWT_SECRET is required")
			}
			if operatorID == "" || deviceID == "" {
				return errors.New("--operator and --device are required")
			}

			token, err := depotsync.NewJWTAuth(jwtSecret).GenerateToken(operatorID, deviceID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&operatorID, "operator", "", "operator ID (sub claim)")
	cmd.Flags().StringVar(&deviceID, "device", "", "device ID (did claim)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
