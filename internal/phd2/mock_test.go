package phd2

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// rpcReply scripts one response: the result value or an error, and any
// events to emit on the wire right after the reply.
type rpcReply struct {
	result   any
	errCode  int
	errMsg   string
	silent   bool // swallow the request without replying (timeout tests)
	events   []map[string]any
}

// mockPHD2 is a single-connection scripted PHD2 server: it answers each
// JSON-RPC request via the respond hook and can emit event lines at any
// time.
type mockPHD2 struct {
	t  *testing.T
	ln net.Listener

	mu      sync.Mutex
	conn    net.Conn
	seenIDs []int
	respond func(method string, params any) rpcReply
}

func newMockPHD2(t *testing.T, respond func(method string, params any) rpcReply) *mockPHD2 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if respond == nil {
		respond = func(string, any) rpcReply { return rpcReply{result: 0} }
	}
	m := &mockPHD2{t: t, ln: ln, respond: respond}
	go m.serve()
	return m
}

func (m *mockPHD2) port() int { return m.ln.Addr().(*net.TCPAddr).Port }

func (m *mockPHD2) serve() {
	conn, err := m.ln.Accept()
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			Method string `json:"method"`
			Params any    `json:"params"`
			ID     int    `json:"id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		m.mu.Lock()
		m.seenIDs = append(m.seenIDs, req.ID)
		m.mu.Unlock()

		reply := m.respond(req.Method, req.Params)
		if reply.silent {
			continue
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if reply.errCode != 0 {
			resp["error"] = map[string]any{"code": reply.errCode, "message": reply.errMsg}
		} else {
			resp["result"] = reply.result
		}
		m.writeLine(resp)
		for _, ev := range reply.events {
			m.writeLine(ev)
		}
	}
}

func (m *mockPHD2) writeLine(obj map[string]any) {
	data, err := json.Marshal(obj)
	require.NoError(m.t, err)
	data = append(data, '\n')
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_, _ = m.conn.Write(data)
	}
}

// emit writes an event line independent of any request.
func (m *mockPHD2) emit(event string, fields map[string]any) {
	obj := map[string]any{"Event": event, "Timestamp": 1234.5, "Host": "mock", "Inst": 1}
	for k, v := range fields {
		obj[k] = v
	}
	m.writeLine(obj)
}

// dropConn closes the accepted connection, simulating a server crash.
func (m *mockPHD2) dropConn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
	}
}

func (m *mockPHD2) requestIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.seenIDs...)
}

func (m *mockPHD2) close() {
	_ = m.ln.Close()
	m.dropConn()
}
