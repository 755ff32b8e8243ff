package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"htm/internal/config"
)

func TestPerform_Inline_RunsSynchronously(t *testing.T) {
	d := New(config.BackendInline, zap.NewNop())
	var ran int32
	d.Register("noop", func(ctx context.Context, params map[string]any) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	err := d.Perform(context.Background(), "noop", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestPerform_Thread_RunsInBackground(t *testing.T) {
	d := New(config.BackendThread, zap.NewNop())
	done := make(chan struct{})
	d.Register("async", func(ctx context.Context, params map[string]any) error {
		close(done)
		return nil
	})

	err := d.Perform(context.Background(), "async", nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background job did not run")
	}
	d.Wait()
}

func TestPerform_UnregisteredClass_Errors(t *testing.T) {
	d := New(config.BackendInline, zap.NewNop())
	err := d.Perform(context.Background(), "missing", nil)
	require.Error(t, err)
}

func TestEnqueueParallel_Inline_RunsSequentiallyInOrder(t *testing.T) {
	d := New(config.BackendInline, zap.NewNop())
	var order []string
	d.Register("a", func(ctx context.Context, params map[string]any) error {
		order = append(order, "a")
		return nil
	})
	d.Register("b", func(ctx context.Context, params map[string]any) error {
		order = append(order, "b")
		return nil
	})

	err := d.EnqueueParallel(context.Background(), []Job{{Class: "a"}, {Class: "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestEnqueueParallel_Fiber_WaitsOnBarrier(t *testing.T) {
	d := New(config.BackendFiber, zap.NewNop())
	var completed int32
	d.Register("job", func(ctx context.Context, params map[string]any) error {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&completed, 1)
		return nil
	})

	err := d.EnqueueParallel(context.Background(), []Job{{Class: "job"}, {Class: "job"}, {Class: "job"}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&completed))
}

func TestPerform_Thread_RunsJobsConcurrentlyAcrossWorkerPool(t *testing.T) {
	d := New(config.BackendThread, zap.NewNop())
	started := make(chan struct{}, threadPoolSize)
	release := make(chan struct{})
	d.Register("blocker", func(ctx context.Context, params map[string]any) error {
		started <- struct{}{}
		<-release
		return nil
	})

	for i := 0; i < threadPoolSize; i++ {
		require.NoError(t, d.Perform(context.Background(), "blocker", nil))
	}

	for i := 0; i < threadPoolSize; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("thread pool did not run jobs concurrently")
		}
	}
	close(release)
	d.Wait()
}

func TestPerform_Fiber_RunsJobsStrictlyInOrderOnOneGoroutine(t *testing.T) {
	d := New(config.BackendFiber, zap.NewNop())
	var order []int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		i := i
		d.Register(string(rune('a'+i)), func(ctx context.Context, params map[string]any) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Perform(context.Background(), string(rune('a'+i)), nil))
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "fiber's single cooperative loop must preserve enqueue order")
}

func TestPerform_ActiveJobBackend_LogsHandoffWithoutExecuting(t *testing.T) {
	d := New(config.BackendActiveJob, zap.NewNop())
	var ran int32
	d.Register("noop", func(ctx context.Context, params map[string]any) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	err := d.Perform(context.Background(), "noop", map[string]any{"node_id": "n1"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, atomic.LoadInt32(&ran))
}
