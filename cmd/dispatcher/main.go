// Command dispatcher runs the Telegram notification dispatcher.
//
//	dispatcher serve    HTTP API (and in-process workers with QUEUE_BACKEND=local)
//	dispatcher worker   Asynq worker consuming dispatch tasks from Redis
//	dispatcher migrate  create or update the database schema
//
// Configuration comes from the environment; a .env file in the working
// directory is loaded first when present.
//
// @title          Telegram Notification Dispatcher API
// @version        1.0
// @description    Enqueues templated Telegram notifications, tracks per-recipient delivery and manages chat bindings.
// @BasePath       /api/v1
// @schemes        http https
package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-tg-dispatcher/internal/app"
	"github.com/tbourn/go-tg-dispatcher/internal/config"
	"github.com/tbourn/go-tg-dispatcher/internal/observability"
	"github.com/tbourn/go-tg-dispatcher/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "dispatcher",
	Short:         "Telegram notification dispatcher",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), observability.RoleAPI, "serve", serveMigrate, func(ctx context.Context, a *app.App) error {
			return a.Serve(ctx)
		})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume dispatch tasks from Redis",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), observability.RoleWorker, "worker", workerMigrate, func(ctx context.Context, a *app.App) error {
			return a.RunWorker(ctx)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), observability.RoleAPI, "migrate", true, func(context.Context, *app.App) error {
			log.Info().Msg("schema up to date")
			return nil
		})
	},
}

var (
	serveMigrate  bool
	workerMigrate bool
)

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "apply schema migrations before serving")
	workerCmd.Flags().BoolVar(&workerMigrate, "migrate", false, "apply schema migrations before consuming")
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd)
	rootCmd.Version = version
}

// run loads configuration, sets up logging and tracing, wires the app,
// optionally migrates the schema and hands the app to fn with a context
// cancelled on SIGINT or SIGTERM.
func run(parent context.Context, role, name string, migrate bool, fn func(context.Context, *app.App) error) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	sysutil.SetupLogger(sysutil.LogOptions{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: cfg.OTEL.ServiceName,
		Role:    name,
	})
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.Setup(ctx, cfg.OTEL, version, role)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}()

	if migrate {
		if err := a.Migrate(); err != nil {
			return err
		}
	}

	log.Info().Str("version", version).Str("db", cfg.DB.Driver).Str("queue", cfg.Queue.Backend).Msg("starting")
	return fn(ctx, a)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("dispatcher exited")
	}
}
