//go:build redis_integration

package presence

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRegistry(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping integration test")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	r := NewRedis(rdb, time.Minute)
	r.key = "roadside:test:presence"
	defer rdb.Del(ctx, r.key)

	now := time.Now()
	r.now = func() time.Time { return now }
	require.NoError(t, r.Heartbeat(ctx, "m1"))
	require.NoError(t, r.Heartbeat(ctx, "m2"))
	require.NoError(t, r.Leave(ctx, "m2"))

	ok, err := r.IsPresent(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := r.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, members)

	now = now.Add(2 * time.Minute)
	ok, _ = r.IsPresent(ctx, "m1")
	assert.False(t, ok)
	members, _ = r.Members(ctx)
	assert.Empty(t, members)
}
