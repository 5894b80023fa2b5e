package alpaca

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultKeepAlive is how long an idle stream may sit before it is
// retired, used when the caller does not configure one.
const defaultKeepAlive = 5 * time.Minute

// PooledStream is an in-flight or idle keep-alive TCP (or TLS) stream.
// Only one caller may hold it between Acquire and Release.
type PooledStream struct {
	conn     net.Conn
	host     string
	port     int
	tls      bool
	lastUsed time.Time
	inUse    bool
}

// Conn exposes the underlying net.Conn for the transport layer to use.
func (s *PooledStream) Conn() net.Conn { return s.conn }

func (s *PooledStream) key() string {
	return fmt.Sprintf("%s:%d:%v", s.host, s.port, s.tls)
}

// Pool hands out keyed, reusable keep-alive streams, amortizing TCP/TLS
// handshake cost across many short-lived Alpaca requests: a
// mutex-guarded slice, linear-scan acquire, and a capped size with a
// reap-before-grow policy.
type Pool struct {
	mu        sync.Mutex
	streams   []*PooledStream
	cap       int
	keepAlive time.Duration
	dialer    net.Dialer
	logger    *zap.Logger
}

// NewPool creates a pool capped at maxConnections idle entries
// (default 10 when maxConnections <= 0). keepAlive bounds how long an
// idle stream may sit before Acquire treats it as stale; 0 uses
// defaultKeepAlive.
func NewPool(maxConnections int, keepAlive time.Duration, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxConnections <= 0 {
		maxConnections = 10
	}
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &Pool{
		cap:       maxConnections,
		keepAlive: keepAlive,
		logger:    logger.With(zap.String("component", "alpaca_pool")),
	}
}

// Acquire returns an idle stream matching (host, port, tls) that is not
// in use and has been idle no longer than the keep-alive window, or
// dials a new one. The socket itself is not probed, so a stream whose
// peer has closed it is still handed out until its idle time exceeds
// keep-alive. It never blocks indefinitely:
// concurrency ceilings are enforced by callers, not the pool.
func (p *Pool) Acquire(ctx context.Context, host string, port int, useTLS bool) (*PooledStream, error) {
	want := fmt.Sprintf("%s:%d:%v", host, port, useTLS)

	p.mu.Lock()
	now := time.Now()
	for _, s := range p.streams {
		if s.inUse || s.key() != want {
			continue
		}
		if now.Sub(s.lastUsed) > p.keepAlive {
			continue
		}
		s.inUse = true
		p.mu.Unlock()
		return s, nil
	}

	// Reap stale idle entries before deciding whether we're at cap.
	live := p.streams[:0]
	for _, s := range p.streams {
		if !s.inUse && now.Sub(s.lastUsed) > p.keepAlive {
			_ = s.conn.Close()
			continue
		}
		live = append(live, s)
	}
	p.streams = live
	atCap := len(p.streams) >= p.cap
	p.mu.Unlock()

	if atCap {
		p.logger.Debug("pool at capacity, dialing anyway", zap.Int("cap", p.cap))
	}

	stream, err := p.dial(ctx, host, port, useTLS)
	if err != nil {
		return nil, &APIError{Kind: NetworkError, Message: err.Error()}
	}

	p.mu.Lock()
	p.streams = append(p.streams, stream)
	p.mu.Unlock()
	return stream, nil
}

func (p *Pool) dial(ctx context.Context, host string, port int, useTLS bool) (*PooledStream, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	var conn net.Conn
	var err error
	if useTLS {
		d := tls.Dialer{NetDialer: &p.dialer}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = p.dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return &PooledStream{
		conn:     conn,
		host:     host,
		port:     port,
		tls:      useTLS,
		lastUsed: time.Now(),
		inUse:    true,
	}, nil
}

// Release returns a stream to the idle set, updating its last-use
// timestamp. It does not inspect the stream: a stream whose read or
// write failed is taken out of the pool only through Retire.
func (p *Pool) Release(s *PooledStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.inUse = false
	s.lastUsed = time.Now()
}

// Retire forcibly removes and closes a stream, used when a caller
// observes the connection is unusable (write/read error, cancellation).
func (p *Pool) Retire(s *PooledStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = s.conn.Close()
	for i, e := range p.streams {
		if e == s {
			p.streams = append(p.streams[:i], p.streams[i+1:]...)
			break
		}
	}
}

// Size returns the current number of pooled entries (in-use + idle).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Close retires every pooled stream.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.streams {
		_ = s.conn.Close()
	}
	p.streams = nil
}
