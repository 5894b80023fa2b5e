package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNoopTask(name string) *Task {
	return New(name, "test", 0, time.Second, nil, func(ctx context.Context, t *Task, p map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
}

func TestFactoryRegisterAndCreate(t *testing.T) {
	f := NewFactory()
	f.Register("noop", func() *Task { return newNoopTask("noop") })

	tk, err := f.Create("noop")
	require.NoError(t, err)
	assert.Equal(t, "noop", tk.Name())
	assert.Contains(t, f.Names(), "noop")
}

func TestFactoryCreateUnknownName(t *testing.T) {
	f := NewFactory()
	_, err := f.Create("missing")
	require.Error(t, err)
}

func TestFactoryRegisterDuplicatePanics(t *testing.T) {
	f := NewFactory()
	f.Register("dup", func() *Task { return newNoopTask("dup") })

	assert.Panics(t, func() {
		f.Register("dup", func() *Task { return newNoopTask("dup") })
	})
}

func TestFactoryCreateReturnsFreshInstance(t *testing.T) {
	f := NewFactory()
	f.Register("noop", func() *Task { return newNoopTask("noop") })

	a, err := f.Create("noop")
	require.NoError(t, err)
	b, err := f.Create("noop")
	require.NoError(t, err)
	assert.NotEqual(t, a.RunID, b.RunID)
}
