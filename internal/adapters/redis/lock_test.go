package redis

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lock := NewTargetLock(db)

	mock.ExpectSetNX("lock:target:127.0.0.1:2022", "run-1", time.Minute).SetVal(true)
	require.NoError(t, lock.Acquire(context.Background(), "127.0.0.1:2022", "run-1", time.Minute))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireHeld(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lock := NewTargetLock(db)

	mock.ExpectSetNX("lock:target:127.0.0.1:2022", "run-2", time.Minute).SetVal(false)
	mock.ExpectGet("lock:target:127.0.0.1:2022").SetVal("run-1")
	err := lock.Acquire(context.Background(), "127.0.0.1:2022", "run-2", time.Minute)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Contains(t, err.Error(), "run-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireRedisDown(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lock := NewTargetLock(db)

	mock.ExpectSetNX("lock:target:a", "run-1", time.Minute).SetErr(errors.New("connection refused"))
	err := lock.Acquire(context.Background(), "a", "run-1", time.Minute)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrLocked))
}

func TestRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lock := NewTargetLock(db)

	mock.ExpectEvalSha(releaseScript.Hash(), []string{"lock:target:a"}, "run-1").SetVal(int64(1))
	assert.NoError(t, lock.Release(context.Background(), "a", "run-1"))

	mock.ExpectEvalSha(releaseScript.Hash(), []string{"lock:target:a"}, "run-1").SetVal(int64(0))
	assert.Error(t, lock.Release(context.Background(), "a", "run-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
