package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another verifier holds the target.
var ErrLocked = errors.New("target is locked by another verifier")

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TargetLock serialises verifiers that point at the same server.
type TargetLock struct {
	client redis.Cmdable
}

func NewTargetLock(client redis.Cmdable) *TargetLock {
	return &TargetLock{client: client}
}

func lockKey(addr string) string {
	return "lock:target:" + addr
}

// Acquire takes the lock for addr on behalf of owner. The lock lapses after
// ttl if it is never released.
func (l *TargetLock) Acquire(ctx context.Context, addr, owner string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, lockKey(addr), owner, ttl).Result()
	if err != nil {
		return errors.Wrapf(err, "lock %s", addr)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, lockKey(addr)).Result()
		return errors.Wrapf(ErrLocked, "%s held by %q", addr, holder)
	}
	return nil
}

// Release drops the lock if owner still holds it.
func (l *TargetLock) Release(ctx context.Context, addr, owner string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{lockKey(addr)}, owner).Int()
	if err != nil {
		return errors.Wrapf(err, "unlock %s", addr)
	}
	if n == 0 {
		return errors.Newf("lock on %s was no longer held by %q", addr, owner)
	}
	return nil
}
