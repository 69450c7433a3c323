package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
)

// redisConnOpt lets asynq reuse an existing go-redis client.
type redisConnOpt struct {
	client redis.UniversalClient
}

func (r *redisConnOpt) MakeRedisClient() interface{} { return r.client }

// AsynqConfig configures the Asynq backend.
type AsynqConfig struct {
	Redis           redis.UniversalClient
	Queue           string
	Concurrency     int
	MaxRetry        int
	TaskTimeout     time.Duration
	LogLevel        string
	ShutdownTimeout time.Duration
}

func (c AsynqConfig) queue() string {
	if c.Queue == "" {
		return DefaultQueue
	}
	return c.Queue
}

// AsynqScheduler enqueues dispatch tasks into Redis.
type AsynqScheduler struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

// NewAsynqScheduler returns a scheduler over cfg.Redis.
func NewAsynqScheduler(cfg AsynqConfig) (*AsynqScheduler, error) {
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &AsynqScheduler{
		client:   asynq.NewClient(&redisConnOpt{client: cfg.Redis}),
		queue:    cfg.queue(),
		maxRetry: cfg.MaxRetry,
		timeout:  cfg.TaskTimeout,
	}, nil
}

// NewTask builds the asynq task for req.
func NewTask(req domain.DispatchRequest) (*asynq.Task, error) {
	data, err := EncodePayload(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDispatch, data), nil
}

func (s *AsynqScheduler) options(delay time.Duration) []asynq.Option {
	opts := []asynq.Option{asynq.Queue(s.queue)}
	if s.maxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(s.maxRetry))
	}
	if s.timeout > 0 {
		opts = append(opts, asynq.Timeout(s.timeout))
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	return opts
}

// Enqueue schedules req for immediate processing.
func (s *AsynqScheduler) Enqueue(ctx context.Context, req domain.DispatchRequest) (TaskInfo, error) {
	return s.EnqueueIn(ctx, req, 0)
}

// EnqueueIn schedules req to run after delay.
func (s *AsynqScheduler) EnqueueIn(ctx context.Context, req domain.DispatchRequest, delay time.Duration) (TaskInfo, error) {
	task, err := NewTask(req)
	if err != nil {
		return TaskInfo{}, err
	}
	info, err := s.client.EnqueueContext(ctx, task, s.options(delay)...)
	if err != nil {
		return TaskInfo{}, fmt.Errorf("enqueue task: %w", err)
	}
	log.Info().
		Str("task_id", info.ID).
		Str("queue", info.Queue).
		Int("recipients", len(req.UserIDs)).
		Dur("delay", delay).
		Msg("dispatch task enqueued")
	return TaskInfo{ID: info.ID, Queue: info.Queue, ProcessAt: info.NextProcessAt}, nil
}

// Close releases the client connection.
func (s *AsynqScheduler) Close() error { return s.client.Close() }

// AsynqWorker consumes dispatch tasks from Redis.
type AsynqWorker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewAsynqWorker builds a worker that hands every dispatch task to h.
func NewAsynqWorker(cfg AsynqConfig, h Handler) (*AsynqWorker, error) {
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}

	logLevel := asynq.InfoLevel
	if cfg.LogLevel != "" {
		var lvl asynq.LogLevel
		if err := lvl.Set(cfg.LogLevel); err != nil {
			log.Warn().Str("log_level", cfg.LogLevel).Err(err).Msg("invalid asynq log level, using info")
		} else {
			logLevel = lvl
		}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	server := asynq.NewServer(&redisConnOpt{client: cfg.Redis}, asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{cfg.queue(): 1},
		Logger:          asynqLogger{},
		LogLevel:        logLevel,
		RetryDelayFunc:  RetryDelay,
		ShutdownTimeout: shutdownTimeout,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDispatch, ProcessTask(h))
	return &AsynqWorker{server: server, mux: mux}, nil
}

// RetryDelay is the asynq retry policy for failed dispatch tasks.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration { return FullJitter(n) }

// ProcessTask adapts h to an asynq handler. Undecodable payloads are not retried.
func ProcessTask(h Handler) func(ctx context.Context, t *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		req, err := DecodePayload(t.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return h.HandleDispatch(ctx, req)
	}
}

// Start begins processing in the background.
func (w *AsynqWorker) Start() error { return w.server.Start(w.mux) }

// Shutdown waits for active tasks up to the shutdown timeout and stops.
func (w *AsynqWorker) Shutdown() { w.server.Shutdown() }
