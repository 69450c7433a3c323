// Package cache provides the string cache used for rendered-template bodies.
// Two backends exist: Redis, shared by every worker process, and an
// in-process TTL cache for single-binary deployments and tests.
package cache

import (
	"context"
	"time"
)

// Cache stores string values with a per-entry TTL.
//
// Get reports a miss with ok=false and a nil error; errors are reserved for
// backend failures.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
