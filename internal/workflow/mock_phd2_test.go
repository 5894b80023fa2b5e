package workflow

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skyrelay/skyrelay/internal/phd2"
)

// scriptedPHD2 is a single-connection PHD2 stand-in for workflow tests:
// every RPC gets a canned per-method result, and methods may trigger
// event emissions (the way a real PHD2 follows a guide call with
// settle events).
type scriptedPHD2 struct {
	t  *testing.T
	ln net.Listener

	mu      sync.Mutex
	conn    net.Conn
	results map[string]any            // method -> result
	errors  map[string]string         // method -> error message
	follow  map[string][]eventLine    // method -> events emitted after the reply
	calls   []string                  // methods seen, in order
}

type eventLine struct {
	event  string
	fields map[string]any
}

func newScriptedPHD2(t *testing.T) *scriptedPHD2 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &scriptedPHD2{
		t:       t,
		ln:      ln,
		results: make(map[string]any),
		errors:  make(map[string]string),
		follow:  make(map[string][]eventLine),
	}
	go s.serve()
	return s
}

// guidingScript preloads the responses a full guide-setup or flip run
// needs: looping starts on loop, a star is found and selected, and
// every guide call settles successfully.
func (s *scriptedPHD2) guidingScript() *scriptedPHD2 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results["get_exposure"] = 2000
	s.results["get_dec_guide_mode"] = "Auto"
	s.results["get_guide_output_enabled"] = true
	s.results["get_lock_position"] = []any{100.0, 200.0}
	s.results["find_star"] = []any{100.5, 200.5}
	s.results["get_calibrated"] = true
	s.results["get_algo_param_names"] = []any{"Aggressiveness"}
	s.results["get_algo_param"] = 0.7
	s.follow["loop"] = []eventLine{{event: "LoopingExposures"}}
	s.follow["set_lock_position"] = []eventLine{{event: "StarSelected"}}
	s.follow["guide"] = []eventLine{{event: "SettleDone", fields: map[string]any{"Status": 0}}}
	return s
}

func (s *scriptedPHD2) setError(method, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[method] = msg
}

func (s *scriptedPHD2) calledMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptedPHD2) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *scriptedPHD2) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			Method string `json:"method"`
			ID     int    `json:"id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		s.mu.Lock()
		s.calls = append(s.calls, req.Method)
		errMsg, isErr := s.errors[req.Method]
		result, hasResult := s.results[req.Method]
		followers := s.follow[req.Method]
		s.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if isErr {
			resp["error"] = map[string]any{"code": 1, "message": errMsg}
		} else if hasResult {
			resp["result"] = result
		} else {
			resp["result"] = 0
		}
		s.writeLine(resp)
		if !isErr {
			for _, ev := range followers {
				s.emit(ev.event, ev.fields)
			}
		}
	}
}

func (s *scriptedPHD2) writeLine(obj map[string]any) {
	data, err := json.Marshal(obj)
	require.NoError(s.t, err)
	data = append(data, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_, _ = s.conn.Write(data)
	}
}

func (s *scriptedPHD2) emit(event string, fields map[string]any) {
	obj := map[string]any{"Event": event, "Timestamp": 1.0, "Host": "mock", "Inst": 1}
	for k, v := range fields {
		obj[k] = v
	}
	s.writeLine(obj)
}

func (s *scriptedPHD2) close() {
	_ = s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// connectedClient dials the scripted server and waits for the given
// initial app state to land before returning.
func (s *scriptedPHD2) connectedClient(t *testing.T, initial phd2.AppState) *phd2.Client {
	t.Helper()
	client := phd2.NewClient(zap.NewNop())
	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", s.port(), 1000))
	t.Cleanup(func() { _ = client.Disconnect() })
	if initial != "" {
		switch initial {
		case phd2.StateLooping:
			s.emit("LoopingExposures", nil)
		case phd2.StateGuiding:
			s.emit("AppState", map[string]any{"State": "Guiding"})
		case phd2.StateLostLock:
			s.emit("StarLost", nil)
		}
		require.Eventually(t, func() bool { return client.AppState() == initial },
			2*time.Second, 10*time.Millisecond)
	}
	return client
}
