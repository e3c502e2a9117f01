package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct {
	calls atomic.Int32
	err   error
}

func (r *countingRefresher) Refresh(context.Context) error {
	r.calls.Add(1)
	return r.err
}

func TestPresenceRefresherTicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	refresher := &countingRefresher{err: errors.New("redis down")}
	done := make(chan struct{})
	go func() {
		RunPresenceRefresher(ctx, refresher, 5*time.Millisecond, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return refresher.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}
}

func TestStartBroadcastWorkerToleratesNil(t *testing.T) {
	stop := StartBroadcastWorker(nil)
	assert.NotPanics(t, stop)
}
