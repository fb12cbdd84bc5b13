package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryHeartbeatExpiry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory(30 * time.Second)
	m.now = c.now

	require.NoError(t, m.Heartbeat(ctx, "m1"))
	require.NoError(t, m.Heartbeat(ctx, "m2"))

	ok, err := m.IsPresent(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	c.advance(20 * time.Second)
	require.NoError(t, m.Heartbeat(ctx, "m2"))
	c.advance(15 * time.Second)

	ok, _ = m.IsPresent(ctx, "m1")
	assert.False(t, ok, "m1 missed its heartbeat")
	members, err := m.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, members)
}

func TestMemoryLeave(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	require.NoError(t, m.Heartbeat(ctx, "m1"))
	require.NoError(t, m.Leave(ctx, "m1"))
	ok, _ := m.IsPresent(ctx, "m1")
	assert.False(t, ok)
	members, _ := m.Members(ctx)
	assert.Empty(t, members)
}
