package job

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestServiceJobReadiness(t *testing.T) {
	started := make(chan struct{})
	var sj ServiceJob
	sj = NewServiceJob(func(ctx context.Context) error {
		close(started)
		sj.SetReady(true)
		<-ctx.Done()
		return nil
	})

	require.False(t, sj.IsReady())

	ctx, cancel := context.WithCancel(context.Background())
	go sj.DoJob(ctx)
	<-started

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	ready, err := sj.WaitReady(waitCtx)
	require.NoError(t, err)
	require.True(t, ready)
	require.True(t, sj.IsReady())

	cancel()
	select {
	case <-sj.Done():
	case <-time.After(time.Second):
		t.Fatal("job did not finish")
	}
	require.NoError(t, sj.Err())
}

func TestServiceJobFailedReadiness(t *testing.T) {
	bang := trace.BadParameter("bang")
	sj := NewServiceJob(func(ctx context.Context) error {
		return bang
	})

	go sj.DoJob(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ready, err := sj.WaitReady(ctx)
	require.False(t, ready)
	require.ErrorIs(t, err, bang)
	require.ErrorIs(t, sj.Err(), bang)
}

func TestProcessWaitsForJobs(t *testing.T) {
	process := NewProcess(context.Background())

	done := make(chan struct{})
	process.Spawn(func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	select {
	case <-process.Done():
		t.Fatal("process finished with a job still running")
	case <-time.After(50 * time.Millisecond):
	}

	process.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job was not cancelled")
	}
	select {
	case <-process.Done():
	case <-time.After(time.Second):
		t.Fatal("process did not finish")
	}
}

func TestProcessCriticalJobTerminates(t *testing.T) {
	process := NewProcess(context.Background())

	sj := NewServiceJob(func(ctx context.Context) error {
		return nil
	})
	process.SpawnCriticalJob(sj)

	select {
	case <-process.Done():
	case <-time.After(time.Second):
		t.Fatal("critical job completion did not terminate the process")
	}
	require.NoError(t, sj.Err())
}

func TestProcessOnTerminate(t *testing.T) {
	process := NewProcess(context.Background())

	called := false
	process.OnTerminate(func(ctx context.Context) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, process.Shutdown(ctx))
	require.True(t, called)
}

func TestIsCanceled(t *testing.T) {
	require.True(t, IsCanceled(context.Canceled))
	require.True(t, IsCanceled(trace.Wrap(context.Canceled)))
	require.False(t, IsCanceled(trace.BadParameter("nope")))
}
