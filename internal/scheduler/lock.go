package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/store"
)

// Lock guards the at-most-one-run-per-pipeline rule and carries the stop
// signal for the run that holds it.
type Lock interface {
	// Acquire reports false without error when another run holds pipeline.
	Acquire(ctx context.Context, pipeline, runID string) (bool, error)
	Release(ctx context.Context, pipeline, runID string, status model.RunStatus) error
	// RequestStop reports false when pipeline is not running.
	RequestStop(ctx context.Context, pipeline string) (bool, error)
	StopRequested(ctx context.Context, pipeline string) (bool, error)
	// Holder returns the run id holding pipeline, or "" when it is idle.
	Holder(ctx context.Context, pipeline string) (string, error)
}

// StoreLock keeps single-flight state in the pipeline_status table.
type StoreLock struct {
	store store.Store
	now   func() time.Time
}

// NewStoreLock returns a Lock backed by st.
func NewStoreLock(st store.Store) *StoreLock {
	return &StoreLock{store: st, now: func() time.Time { return time.Now().UTC() }}
}

func (l *StoreLock) Acquire(ctx context.Context, pipeline, runID string) (bool, error) {
	return l.store.TryAcquire(ctx, pipeline, runID, l.now())
}

func (l *StoreLock) Release(ctx context.Context, pipeline, runID string, status model.RunStatus) error {
	return l.store.Release(ctx, pipeline, runID, status, l.now())
}

func (l *StoreLock) RequestStop(ctx context.Context, pipeline string) (bool, error) {
	return l.store.RequestStop(ctx, pipeline, l.now())
}

func (l *StoreLock) StopRequested(ctx context.Context, pipeline string) (bool, error) {
	return l.store.StopRequested(ctx, pipeline)
}

func (l *StoreLock) Holder(ctx context.Context, pipeline string) (string, error) {
	st, err := l.store.GetStatus(ctx, pipeline)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !st.IsRunning {
		return "", nil
	}
	return st.RunID, nil
}

// redisClient is the subset of *redis.Client the lock uses.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// releaseScript deletes the lock and stop keys only while ARGV[1] still owns
// the lock.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[2])
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLock keeps single-flight state in Redis so several processes can share
// one schedule. Keys expire after ttl, which bounds how long a crashed
// holder blocks its pipeline.
type RedisLock struct {
	client redisClient
	ttl    time.Duration
	prefix string
}

// NewRedisLock returns a Lock backed by client. A non-positive ttl means one
// hour.
func NewRedisLock(client redisClient, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLock{client: client, ttl: ttl, prefix: "ghpipe:"}
}

func (l *RedisLock) lockKey(pipeline string) string { return l.prefix + "lock:" + pipeline }
func (l *RedisLock) stopKey(pipeline string) string { return l.prefix + "stop:" + pipeline }

func (l *RedisLock) Acquire(ctx context.Context, pipeline, runID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.lockKey(pipeline), runID, l.ttl).Result()
	if err != nil {
		return false, eris.Wrapf(err, "scheduler: redis acquire %s", pipeline)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context, pipeline, runID string, _ model.RunStatus) error {
	err := l.client.Eval(ctx, releaseScript, []string{l.lockKey(pipeline), l.stopKey(pipeline)}, runID).Err()
	return eris.Wrapf(err, "scheduler: redis release %s", pipeline)
}

func (l *RedisLock) RequestStop(ctx context.Context, pipeline string) (bool, error) {
	holder, err := l.Holder(ctx, pipeline)
	if err != nil || holder == "" {
		return false, err
	}
	if err := l.client.Set(ctx, l.stopKey(pipeline), holder, l.ttl).Err(); err != nil {
		return false, eris.Wrapf(err, "scheduler: redis request stop %s", pipeline)
	}
	return true, nil
}

func (l *RedisLock) StopRequested(ctx context.Context, pipeline string) (bool, error) {
	n, err := l.client.Exists(ctx, l.stopKey(pipeline)).Result()
	if err != nil {
		return false, eris.Wrapf(err, "scheduler: redis stop requested %s", pipeline)
	}
	return n > 0, nil
}

func (l *RedisLock) Holder(ctx context.Context, pipeline string) (string, error) {
	v, err := l.client.Get(ctx, l.lockKey(pipeline)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "scheduler: redis holder %s", pipeline)
	}
	return v, nil
}

var (
	_ Lock = (*StoreLock)(nil)
	_ Lock = (*RedisLock)(nil)
)
