package livestore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestRedis connects to REDIS_ADDR and skips when it is unset or down.
func createTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis live store test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	r := NewRedis(client, "rewind-test-"+uuid.NewString())
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, "{"+r.prefix+"}:*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return r
}

func TestRedisStageAndSwap(t *testing.T) {
	ctx := context.Background()
	r := createTestRedis(t)
	require.NoError(t, r.Put(ctx, liveRow("a", 1), liveRow("c", 9)))

	b := mustBatch(t, update("a", 1, 5), insert("b", 2), remove("c", 9))
	require.NoError(t, r.Stage(ctx, b))

	version, err := r.Swap(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	rows, err := r.Get(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, liveRow("a", 5), rows["a"])
	assert.Equal(t, liveRow("b", 2), rows["b"])
	assert.NotContains(t, rows, "c")

	again, err := r.Swap(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, version, again)
}

func TestRedisSwapConflict(t *testing.T) {
	ctx := context.Background()
	r := createTestRedis(t)
	require.NoError(t, r.Put(ctx, liveRow("a", 1), liveRow("b", 7)))

	b := mustBatch(t, update("a", 1, 5), update("b", 2, 3))
	err := r.Stage(ctx, b)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "b", conflict.Key)

	rows, err := r.Get(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, liveRow("a", 1), rows["a"])
}

func TestRedisSwapUnknownBatch(t *testing.T) {
	r := createTestRedis(t)
	_, err := r.Swap(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrBatchNotStaged)

	require.NoError(t, r.Discard(context.Background(), "nope"))
}

func TestRedisSwapConflictAfterStage(t *testing.T) {
	ctx := context.Background()
	r := createTestRedis(t)
	require.NoError(t, r.Put(ctx, liveRow("a", 1)))

	b := mustBatch(t, update("a", 1, 5))
	require.NoError(t, r.Stage(ctx, b))
	require.NoError(t, r.Put(ctx, liveRow("a", 2)))

	_, err := r.Swap(ctx, b.ID)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "a", conflict.Key)
	assert.Equal(t, liveRow("a", 2).Fingerprint, conflict.Got)
}

func TestRedisSwapsRowsWrittenWithoutFingerprint(t *testing.T) {
	ctx := context.Background()
	r := createTestRedis(t)
	require.NoError(t, r.client.HSet(ctx, r.key("live"), "a", `{"value":1,"logic_version":"v1"}`).Err())

	b := mustBatch(t, update("a", 1, 5))
	require.NoError(t, r.Stage(ctx, b))
	_, err := r.Swap(ctx, b.ID)
	require.NoError(t, err)

	rows, err := r.Get(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, liveRow("a", 5), rows["a"])
}
