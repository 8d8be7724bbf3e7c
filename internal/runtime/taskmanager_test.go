package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitStatus(t *testing.T, tm *TaskManager, name string, want TaskStatus) TaskInfo {
	t.Helper()
	var info TaskInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = tm.GetTask(name)
		return err == nil && info.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return info
}

func TestTaskManagerLifecycle(t *testing.T) {
	tm := NewTaskManager(context.Background())
	defer tm.StopAll()

	t.Run("completes", func(t *testing.T) {
		require.NoError(t, tm.Start("once", "returns nil", func(context.Context) error { return nil }))
		waitStatus(t, tm, "once", TaskStatusStopped)
	})

	t.Run("fails", func(t *testing.T) {
		require.NoError(t, tm.Start("bad", "returns error", func(context.Context) error { return errors.New("broken") }))
		info := waitStatus(t, tm, "bad", TaskStatusFailed)
		require.Equal(t, "broken", info.Error)
	})

	t.Run("panics", func(t *testing.T) {
		require.NoError(t, tm.Start("panicky", "panics", func(context.Context) error { panic("oops") }))
		info := waitStatus(t, tm, "panicky", TaskStatusFailed)
		require.Contains(t, info.Error, "oops")
	})

	t.Run("duplicate while running", func(t *testing.T) {
		block := func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
		require.NoError(t, tm.Start("long", "blocks", block))
		require.Error(t, tm.Start("long", "blocks", block))

		require.NoError(t, tm.Stop("long"))
		info, err := tm.GetTask("long")
		require.NoError(t, err)
		require.Equal(t, TaskStatusCanceled, info.Status)

		require.NoError(t, tm.Start("long", "restarted", block))
		require.NoError(t, tm.Stop("long"))
	})

	t.Run("unknown", func(t *testing.T) {
		require.Error(t, tm.Stop("nope"))
		_, err := tm.GetTask("nope")
		require.Error(t, err)
	})
}

func TestTaskManagerPeriodic(t *testing.T) {
	tm := NewTaskManager(context.Background())
	var runs atomic.Int32
	require.NoError(t, tm.StartPeriodic("tick", "counts", 10*time.Millisecond, func(context.Context) error {
		if runs.Add(1) == 2 {
			return errors.New("second run failed")
		}
		return nil
	}))
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	info, err := tm.GetTask("tick")
	require.NoError(t, err)
	require.Equal(t, TaskStatusRunning, info.Status)
	require.InDelta(t, 0.01, info.IntervalSec, 0.0001)
	require.GreaterOrEqual(t, info.Runs, 2)

	require.Error(t, tm.StartPeriodic("zero", "", 0, func(context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tm.Shutdown(ctx))
	require.Equal(t, TaskStatusCanceled, tm.ListTasks()[0].Status)
	require.Error(t, tm.Start("late", "", func(context.Context) error { return nil }))
}

func TestTaskManagerReschedule(t *testing.T) {
	tm := NewTaskManager(context.Background())
	defer tm.StopAll()

	noop := func(context.Context) error { return nil }
	require.NoError(t, tm.Reschedule("probe", "first", time.Hour, noop))
	require.NoError(t, tm.Reschedule("probe", "second", 2*time.Hour, noop))

	info, err := tm.GetTask("probe")
	require.NoError(t, err)
	require.Equal(t, "second", info.Description)
	require.Equal(t, TaskStatusRunning, info.Status)
	require.Equal(t, TaskStats{Total: 1, Running: 1}, tm.GetStats())
}
