package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quizroom-realtime/internal/protocol"
)

// wireServer is a scripted session server for client tests: it records every
// inbound envelope and lets tests push broadcasts or reply through the
// respond hook.
type wireServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// respond, when set, runs on the read loop for every inbound envelope.
	respond func(reply func(eventType string, payload any), env protocol.Envelope)

	mu       sync.Mutex
	conns    []*websocket.Conn
	writeMus []*sync.Mutex
	received []protocol.Envelope
}

func newWireServer(t *testing.T, respond func(reply func(eventType string, payload any), env protocol.Envelope)) *wireServer {
	ws := &wireServer{
		t:       t,
		respond: respond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	ws.srv = httptest.NewServer(http.HandlerFunc(ws.serve))
	t.Cleanup(ws.close)
	return ws
}

func (w *wireServer) serve(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	writeMu := &sync.Mutex{}
	w.mu.Lock()
	w.conns = append(w.conns, conn)
	w.writeMus = append(w.writeMus, writeMu)
	w.mu.Unlock()

	reply := func(eventType string, payload any) {
		env, err := protocol.NewEnvelope(eventType, payload)
		if err != nil {
			w.t.Errorf("encode %s: %v", eventType, err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(env)
	}

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		w.mu.Lock()
		w.received = append(w.received, env)
		w.mu.Unlock()
		if w.respond != nil {
			w.respond(reply, env)
		}
	}
}

func (w *wireServer) url() string {
	return "ws" + strings.TrimPrefix(w.srv.URL, "http") + "/ws"
}

func (w *wireServer) close() {
	w.mu.Lock()
	for _, c := range w.conns {
		c.Close()
	}
	w.mu.Unlock()
	w.srv.Close()
}

// dropConnections severs every live connection while keeping the server up,
// simulating a transport failure the client did not ask for.
func (w *wireServer) dropConnections() {
	w.mu.Lock()
	conns := w.conns
	w.conns = nil
	w.writeMus = nil
	w.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// push broadcasts an event to every connected client.
func (w *wireServer) push(eventType string, payload any) {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		w.t.Fatalf("encode %s: %v", eventType, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, c := range w.conns {
		w.writeMus[i].Lock()
		_ = c.WriteJSON(env)
		w.writeMus[i].Unlock()
	}
}

// countReceived returns how many envelopes of a type the server has seen.
func (w *wireServer) countReceived(eventType string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, env := range w.received {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

// receivedOf returns copies of every envelope of a type seen so far.
func (w *wireServer) receivedOf(eventType string) []protocol.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range w.received {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

// waitReceived blocks until at least n envelopes of a type arrived.
func (w *wireServer) waitReceived(eventType string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if w.countReceived(eventType) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return w.countReceived(eventType) >= n
}

// connCount reports how many websocket connections were opened.
func (w *wireServer) connCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

// waitState polls a machine until it reaches the wanted state.
func waitState(t *testing.T, m *SessionMachine, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %s not reached, still %s", want, m.State())
}
