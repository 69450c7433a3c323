// Package queue binds dispatch requests to a task queue. The Asynq backend
// persists tasks in Redis and runs them on a separate worker process; the
// local backend runs them on an in-process worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/tbourn/go-tg-dispatcher/internal/domain"
)

// TypeDispatch is the task type of a notification dispatch.
const TypeDispatch = "notification:dispatch"

// DefaultQueue is used when no queue name is configured.
const DefaultQueue = "notifications"

// ErrClosed is returned by a scheduler that has been stopped.
var ErrClosed = errors.New("scheduler closed")

// TaskInfo describes an accepted task.
type TaskInfo struct {
	ID        string    `json:"task_id"`
	Queue     string    `json:"queue"`
	ProcessAt time.Time `json:"process_at"`
}

// Scheduler accepts dispatch requests for asynchronous execution.
type Scheduler interface {
	Enqueue(ctx context.Context, req domain.DispatchRequest) (TaskInfo, error)
	EnqueueIn(ctx context.Context, req domain.DispatchRequest, delay time.Duration) (TaskInfo, error)
}

// Handler executes one dispatch request. A returned error makes the task
// eligible for retry.
type Handler interface {
	HandleDispatch(ctx context.Context, req domain.DispatchRequest) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req domain.DispatchRequest) error

// HandleDispatch calls f.
func (f HandlerFunc) HandleDispatch(ctx context.Context, req domain.DispatchRequest) error {
	return f(ctx, req)
}

// EncodePayload serializes req as a task payload.
func EncodePayload(req domain.DispatchRequest) ([]byte, error) {
	data, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a task payload.
func DecodePayload(data []byte) (domain.DispatchRequest, error) {
	var req domain.DispatchRequest
	if err := sonic.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("unmarshal task payload: %w", err)
	}
	return req, nil
}
