package queue

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
)

// LocalConfig configures the in-process backend.
type LocalConfig struct {
	Queue     string
	Workers   int
	QueueSize int
	MaxRetry  int
}

type localJob struct {
	id      string
	req     domain.DispatchRequest
	retried int
}

// LocalScheduler runs dispatch tasks on an in-process worker pool. Delayed
// tasks wait on timers; failed tasks are retried with FullJitter backoff up to
// MaxRetry times. Stop drains tasks already queued and drops delayed ones.
type LocalScheduler struct {
	cfg  LocalConfig
	jobs chan localJob
	seq  atomic.Uint64

	mu       sync.RWMutex
	closed   bool
	stopping chan struct{}
	timers   map[*time.Timer]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewLocalScheduler returns a stopped scheduler; call Start to run workers.
func NewLocalScheduler(cfg LocalConfig) *LocalScheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	return &LocalScheduler{
		cfg:      cfg,
		jobs:     make(chan localJob, cfg.QueueSize),
		stopping: make(chan struct{}),
		timers:   map[*time.Timer]struct{}{},
	}
}

// Start launches the workers. Handlers receive a context carrying ctx's values
// but not its cancellation: cancelling ctx does not abort tasks drained by Stop.
func (s *LocalScheduler) Start(ctx context.Context, h Handler) {
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for j := range s.jobs {
				s.run(ctx, h, j)
			}
		}()
	}
	log.Info().Int("workers", s.cfg.Workers).Str("queue", s.cfg.Queue).Msg("local scheduler started")
}

// Stop cancels pending timers, lets workers drain the queue and waits for
// them. Enqueue after Stop returns ErrClosed.
func (s *LocalScheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	close(s.stopping)
	s.mu.Unlock()

	// pushers blocked on a full queue observe stopping and release the read lock
	s.mu.Lock()
	s.closed = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = map[*time.Timer]struct{}{}
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
	if s.cancel != nil {
		s.cancel()
	}
}

// Enqueue queues req for the next free worker.
func (s *LocalScheduler) Enqueue(ctx context.Context, req domain.DispatchRequest) (TaskInfo, error) {
	return s.EnqueueIn(ctx, req, 0)
}

// EnqueueIn queues req after delay.
func (s *LocalScheduler) EnqueueIn(ctx context.Context, req domain.DispatchRequest, delay time.Duration) (TaskInfo, error) {
	j := localJob{id: "local-" + strconv.FormatUint(s.seq.Add(1), 10), req: req}
	info := TaskInfo{ID: j.id, Queue: s.cfg.Queue, ProcessAt: time.Now().Add(delay)}
	if delay <= 0 {
		return info, s.push(ctx, j)
	}
	return info, s.after(delay, j)
}

func (s *LocalScheduler) push(ctx context.Context, j localJob) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.jobs <- j:
		return nil
	case <-s.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *LocalScheduler) after(delay time.Duration, j localJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()
		if err := s.push(context.Background(), j); err != nil {
			log.Warn().Err(err).Str("task_id", j.id).Msg("delayed task dropped")
		}
	})
	s.timers[t] = struct{}{}
	return nil
}

func (s *LocalScheduler) run(ctx context.Context, h Handler, j localJob) {
	err := h.HandleDispatch(ctx, j.req)
	if err == nil {
		return
	}
	if j.retried >= s.cfg.MaxRetry || ctx.Err() != nil {
		log.Error().Err(err).Str("task_id", j.id).Int("retried", j.retried).Msg("dispatch task failed")
		return
	}
	j.retried++
	delay := FullJitter(j.retried)
	log.Warn().Err(err).Str("task_id", j.id).Int("retry", j.retried).Dur("delay", delay).Msg("dispatch task failed; retrying")
	if err := s.after(delay, j); err != nil {
		log.Warn().Err(err).Str("task_id", j.id).Msg("retry not scheduled")
	}
}

// Pending reports how many delayed tasks are waiting on timers.
func (s *LocalScheduler) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timers)
}
