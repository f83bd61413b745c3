package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "triggerhub/cmd/trigger-service/docs"
	"triggerhub/internal/config"
	"triggerhub/internal/constants"
	"triggerhub/internal/logger"
	"triggerhub/pkg/bootstrap"
	"triggerhub/pkg/logging"
	"triggerhub/pkg/migrations"
)

var (
	configFile string
)

// @title           Trigger Service API
// @version         1.0
// @description     Webhook and push-notification ingress that turns provider changes into workflow events
// @termsOfService  http://swagger.io/terms/

// @contact.name   API Support
// @contact.url    http://www.example.com/support
// @contact.email  support@example.com

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8080
// @BasePath  /api/v1

// @schemes   http https

func main() {
	rootCmd := &cobra.Command{
		Use:   constants.ServiceName,
		Short: "Trigger service for workflow automation",
		Long:  "Trigger service receives provider webhooks and push notifications, reconciles history and dispatches workflow events",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(earlyLog *logging.EarlyLog) (*config.Config, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the trigger service",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting Trigger Service", "mode", cfg.Webhook.Mode, "runtime", cfg.Dispatch.Runtime)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				if shutdownErr := app.Shutdown(context.Background()); shutdownErr != nil {
					log.ErrorwCtx(ctx, "Cleanup after failed start", "error", shutdownErr)
				}
				return err
			}

			runErr := app.Run(ctx)
			if runErr != nil {
				log.ErrorwCtx(ctx, "Application error", "error", runErr)
			}
			if err := app.Shutdown(context.Background()); err != nil {
				log.ErrorwCtx(ctx, "Shutdown error", "error", err)
				if runErr == nil {
					runErr = err
				}
			}
			return runErr
		},
	}
}

func migrateCmd() *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}
			if !cfg.Database.Postgres.Enabled() {
				earlyLog.Error("database.postgres is not configured")
				return fmt.Errorf("postgres is not configured")
			}

			log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			dbConnector := bootstrap.NewDatabaseConnector(cfg, log)
			db, err := dbConnector.InitPostgreSQL(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if down > 0 {
				if err := migrations.RollbackPostgresMigrations(db, down); err != nil {
					return err
				}
				log.InfowCtx(ctx, "Rolled back migrations", "steps", down)
				return nil
			}

			if err := migrations.RunPostgresMigrations(db); err != nil {
				return err
			}
			log.InfowCtx(ctx, "Migrations applied")
			return nil
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "Roll back this many migrations instead of applying")
	return cmd
}
