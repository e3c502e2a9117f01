package eventloop

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInOrder(t *testing.T) {
	l := New(0)
	defer l.Stop()

	var order []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, l.Post(func() { order = append(order, i) }))
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestStoppedLoopRejectsWork(t *testing.T) {
	l := New(1)
	l.Stop()
	l.Stop()

	var ran atomic.Bool
	assert.False(t, l.Post(func() { ran.Store(true) }))
	assert.ErrorIs(t, l.Do(context.Background(), func() { ran.Store(true) }), ErrStopped)
	assert.False(t, ran.Load())
}
