// Package app assembles the dispatcher from configuration: database, Redis,
// template cache, gateway client, task queue, services and the HTTP server.
// The serve, worker and migrate commands are thin wrappers around it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-tg-dispatcher/internal/cache"
	"github.com/tbourn/go-tg-dispatcher/internal/config"
	"github.com/tbourn/go-tg-dispatcher/internal/gateway"
	httpapi "github.com/tbourn/go-tg-dispatcher/internal/http"
	"github.com/tbourn/go-tg-dispatcher/internal/queue"
	"github.com/tbourn/go-tg-dispatcher/internal/repo"
	"github.com/tbourn/go-tg-dispatcher/internal/services"
)

// Queue and cache backends.
const (
	BackendAsynq  = "asynq"
	BackendLocal  = "local"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// redisCachePrefix namespaces template cache keys in a shared Redis.
const redisCachePrefix = "tgd:tpl:"

// ErrLocalWorker is returned by RunWorker when tasks run inside the API process.
var ErrLocalWorker = errors.New("QUEUE_BACKEND=local runs workers inside serve")

// App is a wired dispatcher instance.
type App struct {
	Config     config.Config
	DB         *gorm.DB
	Redis      redis.UniversalClient
	Cache      cache.Cache
	Gateway    *gateway.Client
	Scheduler  queue.Scheduler
	Dispatcher *services.Dispatcher

	local  *queue.LocalScheduler
	remote *queue.AsynqScheduler
}

// New opens every dependency cfg asks for. Close releases them.
func New(cfg config.Config) (*App, error) {
	a := &App{Config: cfg}

	db, err := repo.Open(repo.Options{Driver: cfg.DB.Driver, Path: cfg.DB.Path, DSN: cfg.DB.DSN})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB = db

	if needsRedis(cfg) {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	switch strings.ToLower(cfg.Cache.Backend) {
	case BackendRedis:
		a.Cache = cache.NewRedis(a.Redis, redisCachePrefix)
	default:
		a.Cache = cache.NewMemory(cfg.Cache.TemplateTTL, time.Minute)
	}

	a.Gateway = gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Secret:  cfg.Gateway.Secret,
		Timeout: cfg.Gateway.Timeout,
	})

	switch strings.ToLower(cfg.Queue.Backend) {
	case BackendLocal:
		a.local = queue.NewLocalScheduler(queue.LocalConfig{
			Queue:    cfg.Queue.Name,
			Workers:  cfg.Queue.Concurrency,
			MaxRetry: cfg.Queue.MaxRetry,
		})
		a.Scheduler = a.local
	default:
		a.remote, err = queue.NewAsynqScheduler(a.asynqConfig())
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("asynq scheduler: %w", err)
		}
		a.Scheduler = a.remote
	}

	a.Dispatcher = &services.Dispatcher{
		DB:        db,
		Templates: &services.TemplateService{DB: db, Cache: a.Cache, TTL: cfg.Cache.TemplateTTL},
		Chats:     &services.ChatResolver{DB: db},
		Gateway:   a.Gateway,
		Scheduler: a.Scheduler,
	}
	return a, nil
}

func needsRedis(cfg config.Config) bool {
	return !strings.EqualFold(cfg.Queue.Backend, BackendLocal) ||
		strings.EqualFold(cfg.Cache.Backend, BackendRedis)
}

func (a *App) asynqConfig() queue.AsynqConfig {
	return queue.AsynqConfig{
		Redis:           a.Redis,
		Queue:           a.Config.Queue.Name,
		Concurrency:     a.Config.Queue.Concurrency,
		MaxRetry:        a.Config.Queue.MaxRetry,
		TaskTimeout:     a.Config.Queue.TaskTimeout,
		LogLevel:        a.Config.LogLevel,
		ShutdownTimeout: a.Config.Queue.ShutdownTimeout,
	}
}

// Migrate creates or updates the schema.
func (a *App) Migrate() error { return repo.AutoMigrate(a.DB) }

// Router builds the HTTP handler.
func (a *App) Router() *gin.Engine {
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:        a.DB,
		Scheduler: a.Scheduler,
		Notifier:  a.Gateway,
		Cache:     a.Cache,
	}, a.Config)
	return r
}

// Serve runs the HTTP API until ctx is cancelled, then shuts down gracefully.
// With the local queue backend the worker pool runs in this process too.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           a.Router(),
		ReadTimeout:       a.Config.ReadTimeout,
		ReadHeaderTimeout: a.Config.ReadHeaderTimeout,
		WriteTimeout:      a.Config.WriteTimeout,
		IdleTimeout:       a.Config.IdleTimeout,
		MaxHeaderBytes:    a.Config.MaxHeaderBytes,
	}

	if a.local != nil {
		a.local.Start(ctx, a.Dispatcher)
		defer a.local.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("queue", a.Config.Queue.Backend).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down http server")
	sctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// RunWorker consumes dispatch tasks from Redis until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	if a.local != nil {
		return ErrLocalWorker
	}
	w, err := queue.NewAsynqWorker(a.asynqConfig(), a.Dispatcher)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	log.Info().
		Str("queue", a.Config.Queue.Name).
		Int("concurrency", a.Config.Queue.Concurrency).
		Msg("worker started")

	<-ctx.Done()
	log.Info().Msg("stopping worker")
	w.Shutdown()
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.Config.Queue.ShutdownTimeout; d > 0 {
		return d
	}
	return 10 * time.Second
}

// Close releases the scheduler, Redis and database connections.
func (a *App) Close() error {
	var errs []error
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.Redis != nil {
		// asynq closes the client it was handed
		if err := a.Redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
