package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestAfterRuns(t *testing.T) {
	r := NewRunner(logrus.New())
	defer r.Shutdown()

	done := make(chan struct{})
	r.After(10*time.Millisecond, "ping", func(context.Context) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
}

func TestStopPreventsRun(t *testing.T) {
	r := NewRunner(logrus.New())

	var ran atomic.Bool
	j := r.After(50*time.Millisecond, "never", func(context.Context) {
		ran.Store(true)
	})
	require.True(t, j.Stop())
	require.False(t, j.Stop())

	time.Sleep(100 * time.Millisecond)
	require.False(t, ran.Load())
	r.Shutdown()
}

func TestShutdownWaitsAndCancels(t *testing.T) {
	r := NewRunner(logrus.New())

	started := make(chan struct{})
	var cancelled atomic.Bool
	r.After(0, "long", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})

	var pendingRan atomic.Bool
	r.After(time.Hour, "pending", func(context.Context) {
		pendingRan.Store(true)
	})

	<-started
	r.Shutdown()
	require.True(t, cancelled.Load())
	require.False(t, pendingRan.Load())

	require.Nil(t, r.After(0, "late", func(context.Context) {}))
}
