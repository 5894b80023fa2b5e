package phd2

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ConnState is the transport's lifecycle state machine.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// ErrTimeout is returned by SendRPC when the response does not arrive
// within the caller's deadline.
var ErrTimeout = errors.New("phd2: rpc timeout")

// ErrNotConnected is returned when an RPC is attempted while the
// transport has no live connection.
var ErrNotConnected = errors.New("phd2: not connected")

// Transport is a single persistent, bidirectional, line-framed JSON
// connection to a PHD2 instance. A single reader goroutine owns all
// connection-level mutable state; RPC id allocation and pending-map
// mutation are serialized by one mutex, same as the socket write path.
type Transport struct {
	logger  *zap.Logger
	handler EventHandler

	state int32 // ConnState, accessed atomically

	mu      sync.Mutex
	conn    net.Conn
	nextID  int
	pending map[int]chan rpcResult
	stopCh  chan struct{}

	readerWG sync.WaitGroup
}

// NewTransport creates a transport that will dispatch events and RPC
// responses to handler on its own reader goroutine.
func NewTransport(handler EventHandler, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		handler = EventHandlerFunc(func(Event) {})
	}
	return &Transport{
		logger:  logger.With(zap.String("component", "phd2_transport")),
		handler: handler,
		pending: make(map[int]chan rpcResult),
	}
}

func (t *Transport) setState(s ConnState) { atomic.StoreInt32(&t.state, int32(s)) }
func (t *Transport) State() ConnState     { return ConnState(atomic.LoadInt32(&t.state)) }

// Connect dials the endpoint with the given timeout and, on success,
// spawns the reader goroutine.
func (t *Transport) Connect(ctx context.Context, ep Endpoint, timeout time.Duration) error {
	t.setState(Connecting)
	dialCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", ep.Host, ep.Port))
	if err != nil {
		t.setState(Disconnected)
		return fmt.Errorf("phd2 connect: %w", err)
	}

	stopCh := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.stopCh = stopCh
	t.mu.Unlock()

	t.setState(Connected)
	t.readerWG.Add(1)
	go t.readLoop(conn, stopCh)
	return nil
}

// Disconnect stops the reader, closes the socket, and fails every
// pending RPC with a connection-error result.
func (t *Transport) Disconnect() error {
	if t.State() == Disconnected {
		return nil
	}
	t.setState(Disconnecting)

	t.mu.Lock()
	conn := t.conn
	stopCh := t.stopCh
	t.conn = nil
	t.stopCh = nil
	t.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if conn != nil {
		_ = conn.Close()
	}
	t.readerWG.Wait()
	t.failAllPending(errors.New("phd2: disconnected"))
	t.setState(Disconnected)
	return nil
}

// IsConnected reports whether the transport currently believes it has
// a live socket.
func (t *Transport) IsConnected() bool { return t.State() == Connected }

func (t *Transport) readLoop(conn net.Conn, stopCh chan struct{}) {
	defer t.readerWG.Done()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-stopCh:
				return // intentional shutdown, not a connection error
			default:
			}
			_ = conn.Close()
			t.failAllPending(err)
			t.setState(Disconnected)
			t.handler.OnConnectionError(err)
			return
		}
		if len(line) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			t.logger.Warn("dropping unparseable line", zap.Error(err))
			continue
		}
		t.dispatch(obj)
	}
}

func (t *Transport) dispatch(obj map[string]any) {
	if idVal, ok := obj["id"]; ok {
		id, ok := idVal.(float64)
		if !ok {
			return
		}
		t.resolvePending(int(id), obj)
		return
	}
	if _, ok := obj["Event"]; ok {
		ev := classifyEvent(obj)
		t.logger.Debug("dispatching event", zap.String("event", describeEvent(ev)))
		t.handler.OnEvent(ev)
		return
	}
	t.logger.Debug("dropping unclassified PHD2 message")
}

func (t *Transport) resolvePending(id int, obj map[string]any) {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	result := rpcResult{}
	if errObj, hasErr := obj["error"]; hasErr {
		if em, ok := errObj.(map[string]any); ok {
			if code, ok := em["code"].(float64); ok {
				result.errorCode = int(code)
			}
			if msg, ok := em["message"].(string); ok {
				result.errorMessage = msg
			}
			if result.errorCode == 0 {
				result.errorCode = -1
			}
		}
	} else {
		result.value = obj["result"]
	}
	ch <- result
}

func (t *Transport) failAllPending(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[int]chan rpcResult)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcResult{connClosed: true, errorMessage: err.Error()}
	}
}

// SendRPC allocates a fresh id, registers a pending completion, writes
// the request line, and waits up to timeout for the matching response.
// Multiple writers may call this concurrently.
func (t *Transport) SendRPC(ctx context.Context, method string, params any, timeout time.Duration) (any, error) {
	if !t.IsConnected() {
		return nil, ErrNotConnected
	}

	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	t.nextID++
	id := t.nextID
	ch := make(chan rpcResult, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	req := map[string]any{"method": method, "id": id}
	if params != nil {
		req["params"] = params
	}
	line, err := json.Marshal(req)
	if err != nil {
		t.removePending(id)
		return nil, fmt.Errorf("phd2 marshal request: %w", err)
	}
	line = append(line, '\n')

	t.mu.Lock()
	_, writeErr := conn.Write(line)
	t.mu.Unlock()
	if writeErr != nil {
		t.removePending(id)
		return nil, fmt.Errorf("phd2 write: %w", writeErr)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case res := <-ch:
		if res.connClosed {
			return nil, fmt.Errorf("phd2 connection closed: %s", res.errorMessage)
		}
		if res.errorCode != 0 {
			return nil, fmt.Errorf("phd2 rpc error %d: %s", res.errorCode, res.errorMessage)
		}
		return res.value, nil
	case <-timer:
		t.removePending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		t.removePending(id)
		return nil, ctx.Err()
	}
}

func (t *Transport) removePending(id int) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}
