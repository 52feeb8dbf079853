package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCache(t *testing.T) (*Cache, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := New()
	go c.Run(ctx)
	t.Cleanup(cancel)
	return c, cancel
}

func TestWriteThenReadReturnsLastValue(t *testing.T) {
	c, _ := startCache(t)
	ctx := context.Background()

	c.Write(Write{Register: 21, Value: 0x80})
	// give the owning goroutine a turn
	time.Sleep(10 * time.Millisecond)

	v, ok, err := c.Read(ctx, 21)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint16(0x80), v)
}

func TestReadUnsetRegisterNotFound(t *testing.T) {
	c, _ := startCache(t)
	v, ok, err := c.Read(context.Background(), 999)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint16(0), v)
}

func TestWritesAreOrderedByArrival(t *testing.T) {
	c, _ := startCache(t)
	ctx := context.Background()

	c.Write(Write{Register: 5, Value: 1})
	c.Write(Write{Register: 5, Value: 2})
	c.Write(Write{Register: 5, Value: 3})
	time.Sleep(10 * time.Millisecond)

	v, ok, err := c.Read(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint16(3), v)
}

func TestSnapshotReturnsCopy(t *testing.T) {
	c, _ := startCache(t)
	c.Write(Write{Register: 1, Value: 10})
	time.Sleep(10 * time.Millisecond)

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(10), snap[1])
}
