package alpaca

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// acceptLoop keeps accepting and holding connections so pooled dials
// succeed without a real HTTP server behind them.
func acceptLoop(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
}

func listen(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	acceptLoop(t, ln)
	return ln, "127.0.0.1", addr.Port
}

func TestPoolReusesIdleStream(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	p := NewPool(10, 0, zap.NewNop())
	defer p.Close()

	s1, err := p.Acquire(context.Background(), host, port, false)
	require.NoError(t, err)
	p.Release(s1)

	s2, err := p.Acquire(context.Background(), host, port, false)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, p.Size())
}

func TestPoolDistinctKeysGetDistinctStreams(t *testing.T) {
	ln1, host, port1 := listen(t)
	defer ln1.Close()
	ln2, _, port2 := listen(t)
	defer ln2.Close()

	p := NewPool(10, 0, zap.NewNop())
	defer p.Close()

	s1, err := p.Acquire(context.Background(), host, port1, false)
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background(), host, port2, false)
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, p.Size())
}

func TestPoolInUseStreamNotHandedOutTwice(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	p := NewPool(10, 0, zap.NewNop())
	defer p.Close()

	s1, err := p.Acquire(context.Background(), host, port, false)
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background(), host, port, false)
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
}

func TestPoolReapsStaleIdleStreams(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	p := NewPool(10, 30*time.Millisecond, zap.NewNop())
	defer p.Close()

	s1, err := p.Acquire(context.Background(), host, port, false)
	require.NoError(t, err)
	p.Release(s1)

	time.Sleep(60 * time.Millisecond)

	s2, err := p.Acquire(context.Background(), host, port, false)
	require.NoError(t, err)
	assert.NotSame(t, s1, s2, "stale stream must be retired, not reused")
	assert.Equal(t, 1, p.Size(), "reap pass removes the stale entry")
}

func TestPoolDialsPastCapWhenAllInUse(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	p := NewPool(2, 0, zap.NewNop())
	defer p.Close()

	var held []*PooledStream
	for i := 0; i < 3; i++ {
		s, err := p.Acquire(context.Background(), host, port, false)
		require.NoError(t, err)
		held = append(held, s)
	}
	assert.Equal(t, 3, p.Size(), "callers above the cap still get a stream")
	for _, s := range held {
		p.Release(s)
	}
}

func TestPoolRetireRemovesStream(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	p := NewPool(10, 0, zap.NewNop())
	defer p.Close()

	s, err := p.Acquire(context.Background(), host, port, false)
	require.NoError(t, err)
	p.Retire(s)
	assert.Equal(t, 0, p.Size())
}

func TestPoolDialFailureIsNetworkError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p := NewPool(10, 0, zap.NewNop())
	defer p.Close()

	_, err = p.Acquire(context.Background(), "127.0.0.1", port, false)
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, NetworkError, apiErr.Kind)
}
