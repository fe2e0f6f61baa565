package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/internal/orchestrator"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	failures  atomic.Int32
	err       error
}

func (f *fakeExecutor) Execute(ctx context.Context, req Request) (*orchestrator.Report, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return nil, f.err
	}
	f.processed.Add(1)
	mode := orchestrator.ModeAll
	if req.Selective() {
		mode = orchestrator.ModeSelective
	}
	return &orchestrator.Report{
		Player:  req.Player,
		Mode:    mode,
		Agents:  req.Agents,
		Results: map[string]orchestrator.Outcome{},
	}, nil
}

func startProcessor(t *testing.T, exec Executor, store Store, queue Queue, workers int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	processor := NewProcessor(exec, store, queue, queue, WithWorkerCount(workers))
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 5 * time.Millisecond}
	service := NewService(store, queue, 3)
	startProcessor(t, exec, store, queue, 8)

	total := 200
	for i := 0; i < total; i++ {
		_, err := service.Submit(ctx, Request{Player: fmt.Sprintf("player-%d", i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return int(exec.processed.Load()) >= total
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, err := service.Stats(ctx)
		return err == nil && stats.Succeeded == total
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{err: xerrors.New(xerrors.CodeStorageFailure, "snapshot down", xerrors.WithRetryable(true))}
	exec.failures.Store(2)
	service := NewService(store, queue, 3)
	startProcessor(t, exec, store, queue, 1)

	task, err := service.Submit(ctx, Request{Player: "alice", Agents: []string{"miner"}})
	require.NoError(t, err)

	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, 3, done.Attempts)
	require.NotNil(t, done.Report)
	assert.Equal(t, orchestrator.ModeSelective, done.Report.Mode)
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{err: xerrors.New(orchestrator.CodeNotReady, "orchestrator not initialized")}
	exec.failures.Store(1)
	service := NewService(store, queue, 3)
	startProcessor(t, exec, store, queue, 1)

	task, err := service.Submit(ctx, Request{Player: "alice"})
	require.NoError(t, err)

	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, string(orchestrator.CodeNotReady), done.ErrorCode)
	assert.Nil(t, done.Report)
}

func TestProcessorExhaustsRetries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{err: errors.New("flaky")}
	exec.failures.Store(100)
	service := NewService(store, queue, 2)
	startProcessor(t, exec, store, queue, 1)

	task, err := service.Submit(ctx, Request{Player: "alice"})
	require.NoError(t, err)

	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, string(CodeTaskProcessing), done.ErrorCode)
	assert.Equal(t, "flaky", done.LastError)
}
