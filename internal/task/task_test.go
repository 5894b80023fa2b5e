package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskExecuteSuccess(t *testing.T) {
	schema := NewSchema().Add(ParamSpec{Name: "n", Type: TypeInteger, Default: 1})
	body := func(ctx context.Context, t *Task, p map[string]any) (map[string]any, error) {
		return map[string]any{"doubled": p["n"].(int) * 2}, nil
	}
	tk := New("double", "test", 0, time.Second, schema, body)

	err := tk.Execute(context.Background(), map[string]any{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, 6, tk.GetResult()["doubled"])
	assert.Equal(t, NoError, tk.ErrorKind())
	assert.Equal(t, 5, tk.Priority())
}

func TestTaskExecuteValidationFailure(t *testing.T) {
	schema := NewSchema().Add(ParamSpec{Name: "host", Type: TypeString, Required: true})
	tk := New("needs_host", "test", 0, time.Second, schema, func(ctx context.Context, t *Task, p map[string]any) (map[string]any, error) {
		return nil, nil
	})

	err := tk.Execute(context.Background(), map[string]any{})
	require.Error(t, err)
	taskErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, InvalidParameter, taskErr.Kind)
	assert.NotEmpty(t, tk.GetParamErrors())
}

func TestTaskExecuteOnlyOnce(t *testing.T) {
	tk := New("once", "test", 0, time.Second, nil, func(ctx context.Context, t *Task, p map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	require.NoError(t, tk.Execute(context.Background(), nil))
	err := tk.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, SystemError, err.(*Error).Kind)
}

func TestTaskExecutePropagatesTypedError(t *testing.T) {
	tk := New("fails", "test", 0, time.Second, nil, func(ctx context.Context, t *Task, p map[string]any) (map[string]any, error) {
		return nil, NewError(DeviceError, "cooler fault")
	})

	err := tk.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, DeviceError, err.(*Error).Kind)
	assert.Equal(t, DeviceError, tk.ErrorKind())
}

func TestTaskExecuteWrapsPlainError(t *testing.T) {
	tk := New("fails", "test", 0, time.Second, nil, func(ctx context.Context, t *Task, p map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	err := tk.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, SystemError, err.(*Error).Kind)
}

func TestTaskExecuteRecoversPanic(t *testing.T) {
	tk := New("panics", "test", 0, time.Second, nil, func(ctx context.Context, t *Task, p map[string]any) (map[string]any, error) {
		panic("unexpected nil pointer")
	})

	err := tk.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, SystemError, err.(*Error).Kind)
	assert.Contains(t, err.Error(), "unexpected nil pointer")
}

func TestTaskExecuteTimeout(t *testing.T) {
	tk := New("slow", "test", 0, 10*time.Millisecond, nil, func(ctx context.Context, t *Task, p map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	err := tk.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, TimeoutError, err.(*Error).Kind)
}

func TestTaskAddHistoryEntryFiresSink(t *testing.T) {
	tk := New("history", "test", 0, time.Second, nil, func(ctx context.Context, t *Task, p map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	var captured []HistoryEntry
	tk.OnHistory(func(h HistoryEntry) { captured = append(captured, h) })

	require.NoError(t, tk.Execute(context.Background(), nil))
	assert.NotEmpty(t, captured)
	assert.Len(t, tk.History(), len(captured))
}
