package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"make24/internal/app"
	"make24/internal/config"
	"make24/internal/db"
	"make24/internal/guest"
	"make24/internal/logging"
	"make24/internal/metrics"
	"make24/internal/migrate"
	"make24/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Storage.Local.Path})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn.DB); err != nil {
				return err
			}
			var pool *pgxpool.Pool
			if cfg.Storage.Remote.DatabaseURL != "" {
				pool, err = openRemote(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer pool.Close()
			} else {
				logger.Warn("no database url configured; account requests will fail")
			}
			if cfg.Server.JWTSecret == "" {
				logger.Warn("M24_JWT_SECRET is empty; bearer tokens will be rejected")
			}

			m := metrics.New(prometheus.DefaultRegisterer)
			handler, err := server.New(server.Config{
				Factory:  app.Factory{LocalDB: conn, Pool: pool, Config: cfg, Logger: logger, Metrics: m},
				Logger:   logger,
				Metrics:  m,
				Gatherer: prometheus.DefaultGatherer,
				Context:  ctx,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving make24 API",
				zap.String("addr", cfg.Server.Addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.Bool("accounts", pool != nil))
			fmt.Printf("Serving make24 API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Move this workspace's guest history into the account given by --user-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := strings.TrimSpace(viper.GetString("user-id"))
			if userID == "" {
				return fmt.Errorf("--user-id required")
			}
			return withFactory(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				report, err := rt.Factory.MigrateGuest(ctx, rt.DeviceID, userID)
				if guest.IsPartial(err) {
					fmt.Printf("Migrated %d of %d challenges; guest data kept. Run again to retry.\n", report.Migrated, report.Total)
					return err
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Migrated %d of %d challenges into account %s.\n", report.Migrated, report.Total, userID)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for --user-id (development helper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := strings.TrimSpace(viper.GetString("user-id"))
			if userID == "" {
				return fmt.Errorf("--user-id required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("M24_JWT_SECRET is required to sign tokens")
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, userID, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Config commands"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default m24.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
