// Package cache provides the bounded-TTL key-value store abstraction
// (spec §4.7, C1) that every higher layer — the permission cache
// service, the matrix, the warm-up tracker — builds on. It never
// assumes a concrete backend; RedisCache is the production
// implementation.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// PipelineOp is one operation in a pipelined batch: a Set (Value and
// TTL populated), a Get, or a Del (Key only). Get results come back
// positionally in the []PipelineResult that Pipeline returns.
type PipelineOp struct {
	Kind  PipelineKind
	Key   string
	Value interface{}
	TTL   time.Duration
}

// PipelineKind distinguishes pipeline operation types.
type PipelineKind int

const (
	PipelineGet PipelineKind = iota
	PipelineSet
	PipelineDel
)

// PipelineResult is the outcome of one pipelined operation.
type PipelineResult struct {
	Key   string
	Value []byte
	Err   error
}

// Cache is the abstract capability set required by spec §4.7: bounded
// TTL get/set, multi-key delete, cursor-based scan, pipelined batch
// dispatch, and a server-side atomic script for counters.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Scan iterates the key space matching a glob pattern, batch_size
	// bounded by count, returning the next cursor (0 when exhausted).
	Scan(ctx context.Context, cursor uint64, match string, count int64) (nextCursor uint64, keys []string, err error)

	// Pipeline dispatches ops atomically as a single round trip.
	Pipeline(ctx context.Context, ops []PipelineOp) ([]PipelineResult, error)

	// Eval runs a server-side script against numKeys leading keys plus
	// args, used for the warm-up counter's atomic increment-and-expire.
	Eval(ctx context.Context, script string, numKeys int, keysAndArgs ...interface{}) (interface{}, error)

	Close() error
}

// ScanDeleteBatchSize bounds how many keys invalidateUserCache-style
// scans delete per batch, per spec §4.7 ("batches of 1000").
const ScanDeleteBatchSize = 1000

// ScanAndDelete iterates all keys matching pattern and deletes them in
// bounded batches, returning the total number deleted. It is the shared
// primitive behind invalidateUserCache / invalidateRoleCache (§4.8).
func ScanAndDelete(ctx context.Context, c Cache, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
		batch   []string
	)
	for {
		next, keys, err := c.Scan(ctx, cursor, pattern, ScanDeleteBatchSize)
		if err != nil {
			return deleted, err
		}
		batch = append(batch, keys...)
		if len(batch) >= ScanDeleteBatchSize {
			if err := c.Del(ctx, batch...); err != nil {
				return deleted, err
			}
			deleted += len(batch)
			batch = batch[:0]
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(batch) > 0 {
		if err := c.Del(ctx, batch...); err != nil {
			return deleted, err
		}
		deleted += len(batch)
	}
	return deleted, nil
}
